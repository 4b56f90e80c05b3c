// Package relay publishes pending audit outbox rows to Kafka. The outbox
// table is the durable source; Kafka delivery is at-least-once and rows are
// only stamped after the broker acknowledges the batch.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	auditpg "regpipe/pkg/platform/audit/store/postgres"
)

// Outbox is the slice of the postgres audit store the relay depends on.
type Outbox interface {
	NextBatch(ctx context.Context, limit int) ([]auditpg.OutboxRow, error)
	MarkRelayed(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Relay drains the audit outbox to a Kafka topic.
type Relay struct {
	outbox    Outbox
	client    *kgo.Client
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// Option configures the Relay.
type Option func(*Relay)

// WithBatchSize bounds how many rows are published per poll.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets a logger for relay errors.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// New creates a relay. brokers is the Kafka seed list.
func New(outbox Outbox, brokers []string, topic string, opts ...Option) (*Relay, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	r := &Relay{
		outbox:    outbox,
		client:    client,
		topic:     topic,
		batchSize: 100,
		interval:  time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.publishPending(ctx); err != nil {
				r.logger.Error("audit relay publish failed", "error", err)
			}
		}
	}
}

func (r *Relay) publishPending(ctx context.Context) error {
	batch, err := r.outbox.NextBatch(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(batch))
	ids := make([]uuid.UUID, 0, len(batch))
	for _, row := range batch {
		records = append(records, &kgo.Record{
			Topic: r.topic,
			Key:   []byte(row.Category),
			Value: row.Payload,
		})
		ids = append(ids, row.ID)
	}

	if err := r.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce audit batch: %w", err)
	}
	return r.outbox.MarkRelayed(ctx, ids, time.Now().UTC())
}
