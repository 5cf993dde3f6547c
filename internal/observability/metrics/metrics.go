// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_notes"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Job metrics
	JobsSubmitted    prometheus.Counter
	JobsDeduplicated prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       *prometheus.CounterVec
	JobsCancelled    prometheus.Counter
	JobsRecovered    prometheus.Counter

	// Stage metrics
	StageAttempts *prometheus.CounterVec
	StageRetries  *prometheus.CounterVec
	StageLatency  *prometheus.HistogramVec

	// Ledger metrics
	LedgerReservations prometheus.Counter
	LedgerCommits      prometheus.Counter
	LedgerReleases     prometheus.Counter
	LedgerRejections   prometheus.Counter

	// Queue metrics
	QueueDepth    prometheus.Gauge
	TasksClaimed  prometheus.Counter
	TasksRequeued prometheus.Counter

	// Streaming metrics
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionsDropped     *prometheus.CounterVec
	TranscriptsPartial  prometheus.Counter
	TranscriptsFinal    prometheus.Counter
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter

	// Retrieval metrics
	SearchesTotal prometheus.Counter
	SearchLatency prometheus.Histogram

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Adapter metrics
	AdapterLatency *prometheus.HistogramVec
	AdapterErrors  *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of processing jobs created",
		}),
		JobsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduplicated_total",
			Help:      "Total number of submissions answered with an existing job",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that reached DONE",
		}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that reached FAILED",
		}, []string{"reason"}),
		JobsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of user-cancelled jobs",
		}),
		JobsRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Total number of jobs re-claimed after a stale worker claim",
		}),

		StageAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Total number of stage executions",
		}, []string{"stage", "outcome"}),
		StageRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retries scheduled",
		}, []string{"stage"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Stage execution latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),

		LedgerReservations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reservations_total",
			Help:      "Total number of successful balance reservations",
		}),
		LedgerCommits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_commits_total",
			Help:      "Total number of committed reservations",
		}),
		LedgerReleases: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_releases_total",
			Help:      "Total number of released reservations",
		}),
		LedgerRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_rejections_total",
			Help:      "Total number of reservations rejected for insufficient balance",
		}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of pending stage-advance tasks",
		}),
		TasksClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Total number of tasks claimed by workers",
		}),
		TasksRequeued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_requeued_total",
			Help:      "Total number of tasks returned to the queue",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming_sessions_active",
			Help:      "Number of currently active streaming sessions",
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_sessions_total",
			Help:      "Total number of streaming sessions started",
		}),
		SessionsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_sessions_dropped_total",
			Help:      "Total number of sessions dropped before a final transcript",
		}, []string{"reason"}),
		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts emitted",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts emitted",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),

		SearchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of search requests",
		}),
		SearchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_latency_seconds",
			Help:      "End-to-end search latency in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		AdapterLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_latency_seconds",
			Help:      "External adapter call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"adapter", "provider"}),
		AdapterErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Total number of adapter errors by classification",
		}, []string{"adapter", "provider", "class"}),
	}
}

// RecordStageResult records a stage execution outcome and latency.
func (m *Metrics) RecordStageResult(stage, outcome string, seconds float64) {
	m.StageAttempts.WithLabelValues(stage, outcome).Inc()
	m.StageLatency.WithLabelValues(stage).Observe(seconds)
}

// RecordRetry records a scheduled stage retry.
func (m *Metrics) RecordRetry(stage string) {
	m.StageRetries.WithLabelValues(stage).Inc()
}

// RecordJobFailed records a terminal failure with its reason code.
func (m *Metrics) RecordJobFailed(reason string) {
	m.JobsFailed.WithLabelValues(reason).Inc()
}

// RecordSessionStart records a new streaming session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a streaming session ending.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordSessionDropped records a session dropped before a final transcript.
func (m *Metrics) RecordSessionDropped(reason string) {
	m.SessionsDropped.WithLabelValues(reason).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordAdapterCall records an adapter call result.
func (m *Metrics) RecordAdapterCall(adapter, provider, class string, seconds float64) {
	m.AdapterLatency.WithLabelValues(adapter, provider).Observe(seconds)
	if class != "" {
		m.AdapterErrors.WithLabelValues(adapter, provider, class).Inc()
	}
}

// RecordSearch records a search request latency.
func (m *Metrics) RecordSearch(seconds float64) {
	m.SearchesTotal.Inc()
	m.SearchLatency.Observe(seconds)
}
