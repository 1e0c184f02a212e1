package replaytool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/replaytool"
	"github.com/uniassist/pipeline/internal/testutil"
)

func TestReplayByEventIDMovesRowToFailed(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-1", "user-1")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, session_id, channel, payload, status, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		"evt-1", "sess-1", "timeline", []byte(`{}`), string(domain.OutboxStatusDeadLetter), 12, 12,
	)
	require.NoError(t, err)

	tool := replaytool.New(client.DB())
	report, err := tool.Replay(ctx, "token-1", domain.ReplaySelector{Kind: domain.ReplaySelectByEventID, EventID: "evt-1"}, true, "operator retry after upstream fix", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SelectedRows)
	assert.Equal(t, 1, report.InsertedRows)
	assert.Equal(t, 1, report.UpdatedRows)

	var status string
	var attempts int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT status, attempts FROM outbox_events WHERE event_id = $1`, "evt-1").Scan(&status, &attempts))
	assert.Equal(t, string(domain.OutboxStatusFailed), status)
	assert.Equal(t, 0, attempts)

	var note string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT note FROM outbox_replay_log WHERE replay_token = $1 AND event_id = $2`, "token-1", "evt-1").Scan(&note))
	assert.Equal(t, "operator retry after upstream fix", note)
}

func TestReplayWithoutResetAttemptsLeavesAttemptsUnchanged(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-4", "user-1")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, session_id, channel, payload, status, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		"evt-4", "sess-4", "timeline", []byte(`{}`), string(domain.OutboxStatusDeadLetter), 12, 12,
	)
	require.NoError(t, err)

	tool := replaytool.New(client.DB())
	report, err := tool.Replay(ctx, "token-noreset", domain.ReplaySelector{Kind: domain.ReplaySelectByEventID, EventID: "evt-4"}, false, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.UpdatedRows)

	var status string
	var attempts int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT status, attempts FROM outbox_events WHERE event_id = $1`, "evt-4").Scan(&status, &attempts))
	assert.Equal(t, string(domain.OutboxStatusFailed), status)
	assert.Equal(t, 12, attempts)
}

func TestReplaySameTokenIsIdempotent(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-2", "user-1")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, session_id, channel, payload, status, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		"evt-2", "sess-2", "timeline", []byte(`{}`), string(domain.OutboxStatusDeadLetter), 12, 12,
	)
	require.NoError(t, err)

	tool := replaytool.New(client.DB())
	_, err = tool.Replay(ctx, "token-dup", domain.ReplaySelector{Kind: domain.ReplaySelectByEventID, EventID: "evt-2"}, true, "", false)
	require.NoError(t, err)

	// Re-queue it as dead_letter again to simulate a second failed delivery,
	// then replay the SAME token: the log's unique constraint must prevent
	// a second log entry, leaving the row's attempts untouched by the log insert.
	_, err = client.DB().ExecContext(ctx, `UPDATE outbox_events SET status = $1 WHERE event_id = $2`, string(domain.OutboxStatusDeadLetter), "evt-2")
	require.NoError(t, err)

	report, err := tool.Replay(ctx, "token-dup", domain.ReplaySelector{Kind: domain.ReplaySelectByEventID, EventID: "evt-2"}, true, "", false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.UpdatedRows)
}

func TestReplayDryRunDoesNotMutate(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-3", "user-1")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, session_id, channel, payload, status, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		"evt-3", "sess-3", "timeline", []byte(`{}`), string(domain.OutboxStatusDeadLetter), 12, 12,
	)
	require.NoError(t, err)

	tool := replaytool.New(client.DB())
	report, err := tool.Replay(ctx, "token-dry", domain.ReplaySelector{Kind: domain.ReplaySelectByEventID, EventID: "evt-3"}, true, "", true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.UpdatedRows)

	var status string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE event_id = $1`, "evt-3").Scan(&status))
	assert.Equal(t, string(domain.OutboxStatusDeadLetter), status)
}
