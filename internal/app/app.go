// Package app wires the service together: stores, ledger, queue, index,
// adapters, orchestrator, searcher, event publisher and the two HTTP
// servers. main stays a thin shell around this.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"voice-notes-service/internal/adapters/embedding"
	"voice-notes-service/internal/adapters/extraction"
	"voice-notes-service/internal/adapters/transcription"
	googlestt "voice-notes-service/internal/adapters/transcription/google"
	mockstt "voice-notes-service/internal/adapters/transcription/mock"
	"voice-notes-service/internal/adapters/transcription/whisper"
	"voice-notes-service/internal/audio"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/events"
	"voice-notes-service/internal/httpapi"
	"voice-notes-service/internal/index"
	"voice-notes-service/internal/ledger"
	"voice-notes-service/internal/observability"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/orchestrator"
	"voice-notes-service/internal/queue"
	"voice-notes-service/internal/retrieval"
	"voice-notes-service/internal/store"
)

// Application holds every long-lived component of the service.
type Application struct {
	Cfg          *config.Config
	Store        *store.Store
	Ledger       *ledger.Ledger
	Queue        *queue.Queue
	Index        *index.Index
	Audio        *audio.FSStore
	Events       *events.Publisher
	Orchestrator *orchestrator.Orchestrator
	Searcher     *retrieval.Searcher

	pool      *queue.Pool
	apiServer *http.Server
	obsServer *observability.Server
	ready     atomic.Bool
	log       zerolog.Logger
}

// New builds the application from configuration. Nothing is started yet.
func New(cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg: cfg,
		log: logging.WithComponent("app"),
	}

	s, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = s

	a.Ledger, err = ledger.New(s.DB())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.Index, err = index.New(s.DB())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.Queue, err = queue.Open(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.Audio, err = audio.NewFSStore(cfg.Storage.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio store: %w", err)
	}

	a.Events = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		TopicStage:   cfg.Kafka.TopicStage,
		TopicFailed:  cfg.Kafka.TopicFailed,
		Principal:    cfg.Kafka.Principal,
	})

	transcriber, err := newTranscriber(cfg.STT)
	if err != nil {
		return nil, err
	}
	extractor, err := newExtractor(cfg.Extractor)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Store:       a.Store,
		Ledger:      a.Ledger,
		Queue:       a.Queue,
		Index:       a.Index,
		Audio:       a.Audio,
		Events:      a.Events,
		Transcriber: transcriber,
		Extractor:   extractor,
		Embedder:    embedder,
		Pipeline:    cfg.Pipeline,
		Costs:       cfg.Costs,
		STT: transcription.Options{
			LanguageCode: cfg.STT.LanguageCode,
			SampleRateHz: cfg.STT.SampleRateHz,
		},
	})
	a.Searcher = retrieval.NewSearcher(a.Store, a.Index, embedder, nil)

	api := httpapi.New(httpapi.Options{
		Orchestrator: a.Orchestrator,
		Searcher:     a.Searcher,
		Store:        a.Store,
		Ledger:       a.Ledger,
		Audio:        a.Audio,
		Events:       a.Events,
		Streams:      newStreamFactory(cfg.STT),
		Streaming:    cfg.Streaming,
		Search:       cfg.Search,
	})
	a.apiServer = &http.Server{
		Addr:         ":" + cfg.Service.HTTPPort,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket sessions hold the connection
		IdleTimeout:  120 * time.Second,
	}
	a.obsServer = observability.NewServer(":"+cfg.Service.MetricsPort, a.ready.Load)

	a.pool = queue.NewPool(a.Queue, cfg.Pipeline.Workers, cfg.Pipeline.PollInterval,
		cfg.Pipeline.ClaimTTL, a.handleTask)
	return a, nil
}

// handleTask advances one stage for a claimed job. Advance acks or
// reschedules the task itself on the paths it owns; a hard error here
// returns the task to the queue with a short delay.
func (a *Application) handleTask(ctx context.Context, task *queue.Task) {
	if err := a.Orchestrator.Advance(ctx, task.JobID, task.ClaimedBy); err != nil {
		a.log.Error().Err(err).Str("jobId", task.JobID).Msg("advance failed")
		if nackErr := a.Queue.Nack(task.JobID, time.Now().UTC().Add(a.Cfg.Pipeline.BackoffBase)); nackErr != nil {
			a.log.Error().Err(nackErr).Str("jobId", task.JobID).Msg("nack failed")
		}
	}
}

// Start brings the service up: recovery pass, worker pool, background
// recovery loop, and the two HTTP servers.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Orchestrator.Recover(ctx); err != nil {
		a.log.Warn().Err(err).Msg("startup recovery pass failed")
	}
	a.pool.Start(ctx)
	go a.Orchestrator.RunRecovery(ctx)
	a.obsServer.Start()

	go func() {
		a.log.Info().Str("addr", a.apiServer.Addr).Msg("api server listening")
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("api server error")
		}
	}()

	a.ready.Store(true)
	a.log.Info().Msg("service started")
	return nil
}

// Shutdown drains the service: stop intake, wait for workers, close the
// stores and the publisher.
func (a *Application) Shutdown(ctx context.Context) {
	a.ready.Store(false)

	if err := a.apiServer.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("api server shutdown")
	}
	a.pool.Wait()
	if err := a.obsServer.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("observability server shutdown")
	}
	if err := a.Events.Close(); err != nil {
		a.log.Warn().Err(err).Msg("publisher close")
	}
	if err := a.Queue.Close(); err != nil {
		a.log.Warn().Err(err).Msg("queue close")
	}
	if err := a.Store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close")
	}
	a.log.Info().Msg("service stopped")
}

func newTranscriber(cfg config.STTConfig) (transcription.Transcriber, error) {
	switch cfg.Provider {
	case "", "mock":
		return mockstt.NewTranscriber(), nil
	case "http", "whisper":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("stt provider %q requires STT_ENDPOINT", cfg.Provider)
		}
		return whisper.New(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "google":
		// Google is streaming-only here; batch jobs still need a
		// transcriber for the durable-audio fallback.
		if cfg.Endpoint != "" {
			return whisper.New(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
		}
		return mockstt.NewTranscriber(), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

func newStreamFactory(cfg config.STTConfig) httpapi.StreamFactory {
	if cfg.Provider == "google" {
		return func(ctx context.Context) (transcription.StreamingTranscriber, error) {
			return googlestt.New(ctx, cfg.LanguageCode, cfg.SampleRateHz, cfg.InterimResults)
		}
	}
	return func(ctx context.Context) (transcription.StreamingTranscriber, error) {
		return mockstt.NewStreaming(), nil
	}
}

func newExtractor(cfg config.ExtractorConfig) (extraction.Extractor, error) {
	switch cfg.Provider {
	case "", "mock":
		return extraction.NewMock(), nil
	case "http", "openai":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("extractor provider %q requires EXTRACTOR_ENDPOINT", cfg.Provider)
		}
		return extraction.NewOpenAIClient(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown extractor provider %q", cfg.Provider)
	}
}

func newEmbedder(cfg config.EmbedderConfig) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "", "mock":
		return embedding.NewMock(cfg.Dimensions), nil
	case "http", "openai":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedder provider %q requires EMBEDDER_ENDPOINT", cfg.Provider)
		}
		return embedding.NewOpenAIClient(cfg.Endpoint, cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}
