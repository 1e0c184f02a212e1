// Package replaytool implements the operator-facing recovery path: moving
// dead_letter Outbox rows back to failed so the Delivery Worker retries
// them, with an idempotent replay log so re-running the same replay_token
// never double-applies.
package replaytool

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/uniassist/pipeline/internal/domain"
)

// Tool runs replay selections against a *sql.DB.
type Tool struct {
	db *stdsql.DB
}

// New constructs a Tool over db.
func New(db *stdsql.DB) *Tool {
	return &Tool{db: db}
}

// Replay selects dead_letter rows matching selector and, unless dryRun,
// moves each to failed (eligible for the Delivery Worker to reclaim on its
// next poll) within a transaction that also records the before/after in
// outbox_replay_log keyed by (replayToken, event_id). resetAttempts resets
// the row's attempt count to 0; when false, attempts is left as-is (near
// the terminal threshold it was dead-lettered at), so a row that fails
// again reaches dead_letter sooner instead of burning a fresh backoff
// ladder. note is recorded alongside the log entry for operator context.
// Re-running the same replayToken against the same rows is a no-op: the
// unique constraint on the log makes the second attempt observe zero newly
// inserted rows.
func (t *Tool) Replay(ctx context.Context, replayToken string, selector domain.ReplaySelector, resetAttempts bool, note string, dryRun bool) (domain.ReplayReport, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReplayReport{}, fmt.Errorf("replaytool: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := selectDeadLetterIDs(ctx, tx, selector)
	if err != nil {
		return domain.ReplayReport{}, fmt.Errorf("replaytool: selecting rows: %w", err)
	}

	report := domain.ReplayReport{ReplayToken: replayToken, SelectedRows: len(ids), DryRun: dryRun}
	if len(ids) == 0 {
		return report, tx.Commit()
	}

	for _, id := range ids {
		result, err := t.replayOne(ctx, tx, replayToken, id, resetAttempts, note, dryRun)
		if err != nil {
			return domain.ReplayReport{}, fmt.Errorf("replaytool: replaying %s: %w", id, err)
		}
		report.Rows = append(report.Rows, result)
		if result.Inserted {
			report.InsertedRows++
			if !dryRun {
				report.UpdatedRows++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ReplayReport{}, fmt.Errorf("replaytool: commit: %w", err)
	}
	return report, nil
}

func (t *Tool) replayOne(ctx context.Context, tx *stdsql.Tx, replayToken, eventID string, resetAttempts bool, note string, dryRun bool) (domain.ReplayRowResult, error) {
	var sessionID, status string
	var attempts int
	err := tx.QueryRowContext(ctx,
		`SELECT session_id, status, attempts FROM outbox_events WHERE event_id = $1 FOR UPDATE`,
		eventID,
	).Scan(&sessionID, &status, &attempts)
	if err != nil {
		return domain.ReplayRowResult{}, err
	}

	newAttempts := attempts
	if resetAttempts {
		newAttempts = 0
	}

	result := domain.ReplayRowResult{
		EventID:         eventID,
		SessionID:       sessionID,
		PreviousStatus:  domain.OutboxStatus(status),
		NewStatus:       domain.OutboxStatus(status),
		PreviousAttempt: attempts,
		NewAttempt:      attempts,
	}

	if dryRun {
		result.NewStatus = domain.OutboxStatusFailed
		result.NewAttempt = newAttempts
		result.Inserted = true
		return result, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_replay_log (replay_token, event_id, session_id, previous_status, new_status, previous_attempt, new_attempt, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (replay_token, event_id) DO NOTHING`,
		replayToken, eventID, sessionID, status, string(domain.OutboxStatusFailed), attempts, newAttempts, note,
	)
	if err != nil {
		return domain.ReplayRowResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ReplayRowResult{}, err
	}
	if n == 0 {
		// Already replayed under this token; leave the row untouched.
		return result, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, attempts = $2, next_retry_at = now(), last_error = '', updated_at = now()
		 WHERE event_id = $3`,
		string(domain.OutboxStatusFailed), newAttempts, eventID,
	); err != nil {
		return domain.ReplayRowResult{}, err
	}

	result.NewStatus = domain.OutboxStatusFailed
	result.NewAttempt = newAttempts
	result.Inserted = true
	return result, nil
}

func selectDeadLetterIDs(ctx context.Context, tx *stdsql.Tx, selector domain.ReplaySelector) ([]string, error) {
	limit := selector.Limit
	if limit <= 0 {
		limit = 1000
	}

	var rows *stdsql.Rows
	var err error
	switch selector.Kind {
	case domain.ReplaySelectByEventID:
		rows, err = tx.QueryContext(ctx,
			`SELECT event_id FROM outbox_events WHERE event_id = $1 AND status = $2`,
			selector.EventID, string(domain.OutboxStatusDeadLetter))
	case domain.ReplaySelectBySessionID:
		rows, err = tx.QueryContext(ctx,
			`SELECT event_id FROM outbox_events WHERE session_id = $1 AND status = $2 ORDER BY created_at ASC LIMIT $3`,
			selector.SessionID, string(domain.OutboxStatusDeadLetter), limit)
	case domain.ReplaySelectGlobal:
		rows, err = tx.QueryContext(ctx,
			`SELECT event_id FROM outbox_events WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
			string(domain.OutboxStatusDeadLetter), limit)
	default:
		return nil, fmt.Errorf("replaytool: unrecognized selector kind %q", selector.Kind)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
