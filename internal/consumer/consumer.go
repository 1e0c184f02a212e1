// Package consumer implements the Stream Consumer: it reads delivered
// envelopes back off the broker's consumer group, hands each off to a Sink
// (at least once per event_id; a redelivered entry reaches the Sink again),
// marks the originating Outbox row consumed, and then acks.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/outbox"
)

// Sink receives decoded wire events for downstream handling (e.g. the
// fan-out hub). Handle must be idempotent: the consumer guarantees
// at-least-once delivery, never exactly-once.
type Sink interface {
	Handle(ctx context.Context, ev domain.WireEvent)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, ev domain.WireEvent)

// Handle calls f.
func (f SinkFunc) Handle(ctx context.Context, ev domain.WireEvent) { f(ctx, ev) }

// Consumer reads the global stream (or a specific session stream) and fans
// decoded events out to a Sink, marking the outbox row consumed after the
// sink has run and acking only once that succeeds.
type Consumer struct {
	id      string
	adapter *broker.Adapter
	outbox  *outbox.Store
	cfg     config.ConsumerConfig
	sink    Sink

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New constructs a Consumer. id is the broker consumer identity (unique per
// process within the consumer group).
func New(id string, adapter *broker.Adapter, store *outbox.Store, cfg config.ConsumerConfig, sink Sink) *Consumer {
	return &Consumer{id: id, adapter: adapter, outbox: store, cfg: cfg, sink: sink, stopCh: make(chan struct{})}
}

// Run consumes key (typically the global stream) until ctx is cancelled or
// Stop is called. Safe to run once per Consumer instance.
func (c *Consumer) Run(ctx context.Context, key string) error {
	if err := c.adapter.EnsureGroup(ctx, key); err != nil {
		return err
	}

	log := slog.With("consumer_id", c.id, "stream", key)
	log.Info("stream consumer started")

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		default:
		}

		msgs, err := c.adapter.Consume(ctx, key, c.id, c.cfg.BlockTime, int64(c.batchSize()))
		if err != nil {
			log.Error("consume failed", "error", err)
			c.sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			c.sink.Handle(ctx, msg.Envelope.Event)

			if err := c.outbox.MarkConsumed(ctx, msg.Envelope.Event.EventID); err != nil {
				// Leave it unacked: the broker will redeliver and this entry
				// gets another chance to mark consumed.
				log.Warn("mark consumed failed, skipping ack for redelivery", "event_id", msg.Envelope.Event.EventID, "error", err)
				continue
			}
			if err := c.adapter.Ack(ctx, key, msg.ID); err != nil {
				log.Warn("ack failed", "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Stop signals Run to return and waits for it to finish.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *Consumer) batchSize() int {
	if c.cfg.BatchSize <= 0 {
		return 50
	}
	return c.cfg.BatchSize
}
