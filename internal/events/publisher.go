// Package events publishes pipeline events to Kafka. When Kafka is
// disabled the publisher degrades to log-only mode so the pipeline never
// blocks on the broker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"voice-notes-service/internal/observability/metrics"
)

// Publisher writes pipeline events to per-type Kafka topics.
type Publisher struct {
	writers   map[string]*kafka.Writer
	principal string
	enabled   bool
	metrics   *metrics.Metrics

	topicPartial string
	topicFinal   string
	topicStage   string
	topicFailed  string
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicStage   string
	TopicFailed  string
	Principal    string
	Enabled      bool
}

// New creates a Kafka event publisher with one writer per topic.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, metrics: m}
	}

	p := &Publisher{
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		topicStage:   cfg.TopicStage,
		topicFailed:  cfg.TopicFailed,
		metrics:      m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeouts for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writers = make(map[string]*kafka.Writer, 4)
	for _, topic := range []string{cfg.TopicPartial, cfg.TopicFinal, cfg.TopicStage, cfg.TopicFailed} {
		p.writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicStage", cfg.TopicStage).
		Str("topicFailed", cfg.TopicFailed).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// PublishPartial publishes a partial transcript event keyed by note ID.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.topicPartial, "partial", key, event)
}

// PublishFinal publishes a final transcript event keyed by note ID.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.topicFinal, "final", key, event)
}

// PublishStageCompleted publishes a stage-completed event keyed by note ID.
func (p *Publisher) PublishStageCompleted(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.topicStage, "stage_completed", key, event)
}

// PublishFailed publishes a terminal-failure event keyed by note ID.
func (p *Publisher) PublishFailed(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.topicFailed, "failed", key, event)
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	writer := p.writers[topic]
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for topic, w := range p.writers {
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", topic).Msg("Error closing writer")
			err = e
		}
	}
	return err
}
