// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full service configuration.
type Config struct {
	Service   ServiceConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Costs     CostConfig
	STT       STTConfig
	Extractor ExtractorConfig
	Embedder  EmbedderConfig
	Streaming StreamingConfig
	Search    SearchConfig
	Kafka     KafkaConfig
}

// ServiceConfig identifies the service and its listen addresses.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	MetricsPort string
	LogLevel    string
}

// StorageConfig locates the on-disk stores.
type StorageConfig struct {
	SQLitePath string
	QueuePath  string
	AudioPath  string
}

// PipelineConfig tunes the orchestrator and worker pool.
type PipelineConfig struct {
	Workers        int
	PollInterval   time.Duration
	StageTimeout   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ClaimTTL       time.Duration
	RecoverEvery   time.Duration
	StaleThreshold time.Duration
}

// CostConfig holds per-stage cost estimation parameters, in balance units.
type CostConfig struct {
	TranscribePerMinute int64
	ExtractPerKiloChar  int64
	EmbedFlat           int64
}

// STTConfig selects and tunes the speech-to-text provider.
type STTConfig struct {
	Provider       string // mock, google, http
	Endpoint       string // for the http provider
	APIKey         string
	Model          string // for the http provider
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
}

// ExtractorConfig selects and tunes the LLM extraction provider.
type ExtractorConfig struct {
	Provider string // mock, http
	Endpoint string
	APIKey   string
	Model    string
}

// EmbedderConfig selects and tunes the embedding provider.
type EmbedderConfig struct {
	Provider   string // mock, http
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int
}

// StreamingConfig tunes websocket transcription sessions.
type StreamingConfig struct {
	IdleTimeout   time.Duration
	MaxAudioBytes int64
	MaxPartials   int
	// FinalGrace is how long a clean close waits for the provider to flush
	// a pending final transcript before falling back to batch.
	FinalGrace time.Duration
}

// SearchConfig tunes hybrid retrieval.
type SearchConfig struct {
	RRFConstant  float64
	DefaultTopK  int
	SnippetRunes int
}

// KafkaConfig configures the event publisher.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicStage   string
	TopicFailed  string
	Principal    string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:   envOrDefault("SERVICE_PRINCIPAL", "svc-voice-notes"),
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			SQLitePath: envOrDefault("SQLITE_PATH", "./data/notes.sqlite"),
			QueuePath:  envOrDefault("QUEUE_PATH", "./data/queue"),
			AudioPath:  envOrDefault("AUDIO_PATH", "./data/audio"),
		},
		Pipeline: PipelineConfig{
			Workers:        envInt("PIPELINE_WORKERS", 4),
			PollInterval:   envDuration("PIPELINE_POLL_INTERVAL", 250*time.Millisecond),
			StageTimeout:   envDuration("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
			MaxAttempts:    envInt("PIPELINE_MAX_ATTEMPTS", 3),
			BackoffBase:    envDuration("PIPELINE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:     envDuration("PIPELINE_BACKOFF_MAX", 2*time.Minute),
			ClaimTTL:       envDuration("PIPELINE_CLAIM_TTL", 5*time.Minute),
			RecoverEvery:   envDuration("PIPELINE_RECOVER_EVERY", time.Minute),
			StaleThreshold: envDuration("PIPELINE_STALE_THRESHOLD", 10*time.Minute),
		},
		Costs: CostConfig{
			TranscribePerMinute: envInt64("COST_TRANSCRIBE_PER_MINUTE", 10),
			ExtractPerKiloChar:  envInt64("COST_EXTRACT_PER_KILOCHAR", 5),
			EmbedFlat:           envInt64("COST_EMBED_FLAT", 1),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			Endpoint:       envOrDefault("STT_ENDPOINT", ""),
			APIKey:         envOrDefault("STT_API_KEY", ""),
			Model:          envOrDefault("STT_MODEL", "whisper-1"),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envBool("STT_INTERIM_RESULTS", true),
		},
		Extractor: ExtractorConfig{
			Provider: envOrDefault("EXTRACTOR_PROVIDER", "mock"),
			Endpoint: envOrDefault("EXTRACTOR_ENDPOINT", ""),
			APIKey:   envOrDefault("EXTRACTOR_API_KEY", ""),
			Model:    envOrDefault("EXTRACTOR_MODEL", "gpt-4o-mini"),
		},
		Embedder: EmbedderConfig{
			Provider:   envOrDefault("EMBEDDER_PROVIDER", "mock"),
			Endpoint:   envOrDefault("EMBEDDER_ENDPOINT", "https://api.openai.com/v1/embeddings"),
			APIKey:     envOrDefault("EMBEDDER_API_KEY", ""),
			Model:      envOrDefault("EMBEDDER_MODEL", "text-embedding-3-small"),
			Dimensions: envInt("EMBEDDER_DIMENSIONS", 256),
		},
		Streaming: StreamingConfig{
			IdleTimeout:   envDuration("STREAM_IDLE_TIMEOUT", 30*time.Second),
			MaxAudioBytes: envInt64("STREAM_MAX_AUDIO_BYTES", 10*1024*1024),
			MaxPartials:   envInt("STREAM_MAX_PARTIALS", 500),
			FinalGrace:    envDuration("STREAM_FINAL_GRACE", 2*time.Second),
		},
		Search: SearchConfig{
			RRFConstant:  envFloat("SEARCH_RRF_CONSTANT", 60),
			DefaultTopK:  envInt("SEARCH_DEFAULT_TOP_K", 10),
			SnippetRunes: envInt("SEARCH_SNIPPET_RUNES", 200),
		},
		Kafka: KafkaConfig{
			Enabled:      envBool("KAFKA_ENABLED", false),
			Brokers:      envList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "notes.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "notes.transcript.final"),
			TopicStage:   envOrDefault("KAFKA_TOPIC_STAGE", "notes.stage.completed"),
			TopicFailed:  envOrDefault("KAFKA_TOPIC_FAILED", "notes.failed"),
			Principal:    envOrDefault("SERVICE_PRINCIPAL", "svc-voice-notes"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return def
}
