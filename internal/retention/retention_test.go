package retention_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/retention"
	"github.com/uniassist/pipeline/internal/testutil"
)

func TestDeleteTerminalOlderThanPrunesOnlyOldTerminalRows(t *testing.T) {
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)`, "sess-1", "user-1")
	require.NoError(t, err)

	insert := func(id, status string, age time.Duration) {
		_, err := client.DB().ExecContext(ctx,
			`INSERT INTO outbox_events (event_id, session_id, channel, payload, status, max_attempts, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, now() - $7::interval)`,
			id, "sess-1", "timeline", []byte(`{}`), status, domain.DefaultMaxAttempts,
			fmt.Sprintf("%d microseconds", age.Microseconds()),
		)
		require.NoError(t, err)
	}

	insert("evt-old-consumed", string(domain.OutboxStatusConsumed), 48*time.Hour)
	insert("evt-old-deadletter", string(domain.OutboxStatusDeadLetter), 48*time.Hour)
	insert("evt-new-consumed", string(domain.OutboxStatusConsumed), time.Minute)
	insert("evt-pending", string(domain.OutboxStatusPending), 48*time.Hour)

	svc := retention.NewService(client.DB(), config.RetentionConfig{TerminalMaxAge: 24 * time.Hour})
	n, err := svc.DeleteTerminalOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var remaining int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM outbox_events`).Scan(&remaining))
	assert.Equal(t, 2, remaining)
}
