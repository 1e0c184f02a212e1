// Package broker adapts the Outbox's wire envelopes onto Redis Streams:
// one stream per session plus a global stream, a shared consumer group for
// at-least-once fan-out, and the retryable/permanent error classification
// the Delivery Worker and Stream Consumer rely on.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
)

// Message is one entry read back from a stream, carrying the broker's
// message ID (needed for Ack) alongside the decoded envelope.
type Message struct {
	ID       string
	Envelope domain.WireEnvelope
}

// Adapter wraps a redis.UniversalClient with the pipeline's stream naming
// and consumer-group conventions.
type Adapter struct {
	client redis.UniversalClient
	cfg    config.BrokerConfig
}

// New constructs an Adapter over an already-connected client.
func New(client redis.UniversalClient, cfg config.BrokerConfig) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

// NewClient builds a redis.Client from cfg for production use.
func NewClient(cfg config.BrokerConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// EnsureGroup creates the consumer group on key if it doesn't exist,
// creating the stream itself (MKSTREAM) so group creation never races
// stream creation. BUSYGROUP (already exists) is tolerated.
func (a *Adapter) EnsureGroup(ctx context.Context, key string) error {
	err := a.client.XGroupCreateMkStream(ctx, key, a.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return domain.NewRetryableTransportError(fmt.Errorf("broker: ensure group on %s: %w", key, err))
	}
	return nil
}

// Publish appends env to both the per-session stream and the global stream.
// Both writes are best-effort independent XADDs; the outbox retry loop
// covers partial failure by retrying the whole publish.
func (a *Adapter) Publish(ctx context.Context, env domain.WireEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return domain.NewPermanentTransportError(fmt.Errorf("broker: marshal envelope: %w", err))
	}

	sessionKey := a.cfg.SessionKey(env.Event.SessionID)
	for _, key := range []string{sessionKey, a.cfg.GlobalKey} {
		if err := a.client.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]any{"envelope": payload},
		}).Err(); err != nil {
			return classifyErr(fmt.Errorf("broker: xadd %s: %w", key, err))
		}
	}
	return nil
}

// Consume blocks for up to block waiting for new messages on key for the
// adapter's consumer group, reading as consumerID. Returns an empty slice
// (not an error) on a read timeout.
func (a *Adapter) Consume(ctx context.Context, key, consumerID string, block time.Duration, count int64) ([]Message, error) {
	res, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    a.cfg.ConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			if gerr := a.EnsureGroup(ctx, key); gerr != nil {
				return nil, gerr
			}
			return nil, nil
		}
		return nil, classifyErr(fmt.Errorf("broker: xreadgroup %s: %w", key, err))
	}

	var out []Message
	for _, stream := range res {
		for _, xm := range stream.Messages {
			raw, ok := xm.Values["envelope"]
			if !ok {
				continue
			}
			var env domain.WireEnvelope
			rawStr, _ := raw.(string)
			if err := json.Unmarshal([]byte(rawStr), &env); err != nil {
				continue
			}
			out = append(out, Message{ID: xm.ID, Envelope: env})
		}
	}
	return out, nil
}

// Ping checks connectivity to the broker, for health reporting.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return classifyErr(fmt.Errorf("broker: ping: %w", err))
	}
	return nil
}

// Ack acknowledges messageID on key for the adapter's consumer group.
func (a *Adapter) Ack(ctx context.Context, key, messageID string) error {
	if err := a.client.XAck(ctx, key, a.cfg.ConsumerGroup, messageID).Err(); err != nil {
		return classifyErr(fmt.Errorf("broker: xack %s/%s: %w", key, messageID, err))
	}
	return nil
}

// classifyErr wraps a broker error as retryable. Connection failures,
// timeouts, and cancellations are all transient from the broker's point of
// view; permanent failures are constructed explicitly at the call site
// (e.g. envelope marshal errors).
func classifyErr(err error) error {
	return domain.NewRetryableTransportError(err)
}
