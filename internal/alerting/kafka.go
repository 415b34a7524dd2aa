// Package alerting publishes alert and rollback events to Kafka so external
// consumers (pagers, dashboards, audit pipelines) can follow the engine's
// decisions.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/modelfleet/modelfleet/internal/models"
)

// Envelope kinds on the wire.
const (
	KindAlert    = "alert"
	KindRollback = "rollback"
)

// Envelope wraps both event shapes on one topic; Kind tells consumers which
// payload field is set.
type Envelope struct {
	Kind      string                 `json:"kind"`
	Alert     *models.AlertEvent     `json:"alert,omitempty"`
	Rollback  *models.RollbackRecord `json:"rollback,omitempty"`
	EmittedAt time.Time              `json:"emittedAt"`
}

type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives both alert and rollback envelopes.
	Topic string

	// MaxAttempts is how many times a publish retries on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the writer-level timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer keyed by
	// artifact name keeps each artifact's events ordered within a partition.
	Balancer kafka.Balancer
}

// KafkaPublisher is a thin wrapper over segmentio/kafka-go Writer with
// produce-with-retries behavior. All methods are nil-safe so callers can hold
// an unconfigured publisher.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		// Async=false so a publish only returns once the writer pipeline
		// acknowledged the message (within WriteTimeout).
		Async: false,
	})

	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// PublishAlert produces an alert envelope keyed by artifact name.
func (p *KafkaPublisher) PublishAlert(ctx context.Context, ev models.AlertEvent) error {
	if p == nil {
		return nil
	}
	return p.produceJSON(ctx, []byte(ev.ArtifactName), Envelope{
		Kind:      KindAlert,
		Alert:     &ev,
		EmittedAt: time.Now().UTC(),
	})
}

// PublishRollback produces a rollback envelope keyed by artifact name.
func (p *KafkaPublisher) PublishRollback(ctx context.Context, rec models.RollbackRecord) error {
	if p == nil {
		return nil
	}
	return p.produceJSON(ctx, []byte(rec.ArtifactName), Envelope{
		Kind:      KindRollback,
		Rollback:  &rec,
		EmittedAt: time.Now().UTC(),
	})
}

func (p *KafkaPublisher) produceJSON(ctx context.Context, key []byte, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.produce(ctx, key, value)
}

func (p *KafkaPublisher) produce(ctx context.Context, key, value []byte) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   key,
			Value: value,
			Time:  time.Now().UTC(),
		}

		// Per-attempt context so a dead broker cannot hang the caller.
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
