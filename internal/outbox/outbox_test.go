package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/outbox"
	"github.com/uniassist/pipeline/internal/testutil"
)

func TestClaimSettleSuccess(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	store := outbox.New(client.DB())
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-1", "user-1")
	require.NoError(t, err)

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, "evt-1", "sess-1", "timeline", []byte(`{}`), 3))
	require.NoError(t, tx.Commit())

	envs, err := store.Claim(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, domain.OutboxStatusProcessing, envs[0].Status)

	require.NoError(t, store.SettleSuccess(ctx, "evt-1", "worker-a"))

	_, err = store.Claim(ctx, "worker-a", 10)
	assert.True(t, errors.Is(err, outbox.ErrNoRowsAvailable))
}

func TestSettleFailureBacksOffThenDeadLetters(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	store := outbox.New(client.DB())
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-2", "user-1")
	require.NoError(t, err)

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, "evt-2", "sess-2", "timeline", []byte(`{}`), 2))
	require.NoError(t, tx.Commit())

	envs, err := store.Claim(ctx, "worker-b", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	require.NoError(t, store.SettleFailure(ctx, "evt-2", "worker-b", errors.New("boom"), time.Millisecond, time.Second))

	// Second attempt reaches max_attempts=2 and dead-letters.
	envs, err = store.Claim(ctx, "worker-b", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.NoError(t, store.SettleFailure(ctx, "evt-2", "worker-b", errors.New("boom again"), time.Millisecond, time.Second))

	_, err = store.Claim(ctx, "worker-b", 10)
	assert.True(t, errors.Is(err, outbox.ErrNoRowsAvailable))
}

func TestForceDeadLetterBypassesBackoff(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	store := outbox.New(client.DB())
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-4", "user-1")
	require.NoError(t, err)

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, "evt-4", "sess-4", "timeline", []byte(`{}`), 12))
	require.NoError(t, tx.Commit())

	envs, err := store.Claim(ctx, "worker-e", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	require.NoError(t, store.ForceDeadLetter(ctx, "evt-4", "worker-e", errors.New("undecodable payload")))

	var status string
	var attempts int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT status, attempts FROM outbox_events WHERE event_id = $1`, "evt-4").Scan(&status, &attempts))
	assert.Equal(t, string(domain.OutboxStatusDeadLetter), status)
	assert.Equal(t, 1, attempts)
}

func TestReclaimStaleLocks(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	store := outbox.New(client.DB())
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-3", "user-1")
	require.NoError(t, err)

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, "evt-3", "sess-3", "timeline", []byte(`{}`), 3))
	require.NoError(t, tx.Commit())

	_, err = store.Claim(ctx, "worker-c", 10)
	require.NoError(t, err)

	// Force the lock to look stale.
	_, err = client.DB().ExecContext(ctx, `UPDATE outbox_events SET locked_at = now() - interval '1 hour' WHERE event_id = $1`, "evt-3")
	require.NoError(t, err)

	n, err := store.ReclaimStaleLocks(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	envs, err := store.Claim(ctx, "worker-d", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "evt-3", envs[0].EventID)
	assert.Equal(t, 1, envs[0].Attempts)
}

func TestReleaseDoesNotIncrementAttempts(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	store := outbox.New(client.DB())
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-5", "user-1")
	require.NoError(t, err)

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, "evt-5", "sess-5", "timeline", []byte(`{}`), 3))
	require.NoError(t, tx.Commit())

	_, err = store.Claim(ctx, "worker-f", 10)
	require.NoError(t, err)

	n, err := store.Release(ctx, "worker-f")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	envs, err := store.Claim(ctx, "worker-g", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "evt-5", envs[0].EventID)
	assert.Equal(t, 0, envs[0].Attempts)
}
