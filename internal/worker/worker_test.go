package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/outbox"
	"github.com/uniassist/pipeline/internal/testutil"
	"github.com/uniassist/pipeline/internal/worker"
)

func TestPoolDeliversEnqueuedEnvelope(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	store := outbox.New(client.DB())
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	brokerCfg := config.BrokerConfig{
		StreamPrefix:  "uniassist:timeline:",
		GlobalKey:     "uniassist:timeline:all",
		ConsumerGroup: "ua-delivery",
	}
	adapter := broker.New(redisClient, brokerCfg)
	require.NoError(t, adapter.EnsureGroup(ctx, brokerCfg.SessionKey("sess-1")))

	_, err = client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-1", "user-1")
	require.NoError(t, err)

	wire := domain.WireEnvelope{
		SchemaVersion: domain.SchemaVersion,
		Type:          domain.EnvelopeType,
		Event: domain.WireEvent{
			EventID:   "evt-1",
			SessionID: "sess-1",
			Seq:       1,
			Kind:      string(domain.EventKindInteraction),
			Payload:   []byte(`{}`),
		},
		Stream: domain.WireStream{Key: brokerCfg.SessionKey("sess-1"), GlobalKey: brokerCfg.GlobalKey},
	}
	payload, err := json.Marshal(wire)
	require.NoError(t, err)

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, "evt-1", "sess-1", domain.DefaultChannel, payload, domain.DefaultMaxAttempts))
	require.NoError(t, tx.Commit())

	outboxCfg := config.OutboxConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  domain.DefaultMaxAttempts,
		BackoffBase:  10 * time.Millisecond,
		BackoffCap:   time.Second,
		LockTTL:      time.Minute,
		WorkerCount:  1,
	}
	pool := worker.NewPool("test-pool", store, adapter, outboxCfg)

	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	require.Eventually(t, func() bool {
		msgs, err := adapter.Consume(ctx, brokerCfg.SessionKey("sess-1"), "test-consumer", 10*time.Millisecond, 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := store.Claim(ctx, "checker", 10)
		return err != nil // ErrNoRowsAvailable once the row settles to delivered
	}, 2*time.Second, 20*time.Millisecond)

	h := pool.Health()
	require.Len(t, h.Workers, 1)
	assert.GreaterOrEqual(t, h.Workers[0].Processed, 1)
}
