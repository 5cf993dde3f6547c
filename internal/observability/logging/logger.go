// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Logger returns a new logger with common fields for the service.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithNote returns a logger with note context.
func WithNote(noteId, userId string) zerolog.Logger {
	return log.With().
		Str("noteId", noteId).
		Str("userId", userId).
		Logger()
}

// WithJob returns a logger with processing job context.
func WithJob(jobId, noteId, stage string) zerolog.Logger {
	return log.With().
		Str("jobId", jobId).
		Str("noteId", noteId).
		Str("stage", stage).
		Logger()
}

// WithSession returns a logger with streaming session context.
func WithSession(sessionId, noteId, userId string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionId).
		Str("noteId", noteId).
		Str("userId", userId).
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}
