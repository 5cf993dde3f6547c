package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"voice-notes-service/internal/app"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/observability/logging"
)

func main() {
	// Optional .env for local development; the environment wins.
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(logging.Config{
		Level:      cfg.Service.LogLevel,
		Format:     os.Getenv("LOG_FORMAT"),
		TimeFormat: time.RFC3339,
	})

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service setup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("service start failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	application.Shutdown(shutdownCtx)
}
