// Package outbox implements the transactional outbox: the durable queue
// that decouples admission (the write side) from delivery (the publish
// side), with exponential backoff, stale-lock reclaim, and a dead-letter
// path for rows that exhaust their retry budget.
package outbox

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/uniassist/pipeline/internal/domain"
)

// Sentinel errors specific to outbox claim/settle operations.
var (
	// ErrNoRowsAvailable indicates no eligible rows exist to claim right now.
	ErrNoRowsAvailable = errors.New("outbox: no rows available to claim")
)

// Store provides the Outbox's enqueue/claim/settle operations against a *sql.DB.
type Store struct {
	db *stdsql.DB
}

// New constructs a Store over db.
func New(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a pending Outbox Envelope within tx, so the envelope is
// committed atomically with the Timeline Event it was derived from (spec
// §4.7, the admission transaction). maxAttempts <= 0 defaults to
// domain.DefaultMaxAttempts.
func (s *Store) Enqueue(ctx context.Context, tx *stdsql.Tx, eventID, sessionID, channel string, payload []byte, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, session_id, channel, payload, status, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, sessionID, channel, payload, string(domain.OutboxStatusPending), maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Claim atomically claims up to batchSize eligible rows (pending or failed,
// next_retry_at due), oldest created_at first, using SELECT ... FOR UPDATE
// SKIP LOCKED, marking them
// processing and locked by workerID. Returns ErrNoRowsAvailable if nothing
// is eligible.
func (s *Store) Claim(ctx context.Context, workerID string, batchSize int) ([]domain.OutboxEnvelope, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT event_id FROM outbox_events
		 WHERE status IN ($1, $2) AND next_retry_at <= now()
		 ORDER BY created_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		string(domain.OutboxStatusPending), string(domain.OutboxStatusFailed), batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim select: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, ErrNoRowsAvailable
	}

	envelopes := make([]domain.OutboxEnvelope, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx,
			`UPDATE outbox_events
			 SET status = $1, locked_by = $2, locked_at = now(), updated_at = now()
			 WHERE event_id = $3
			 RETURNING event_id, session_id, channel, payload, status, attempts, max_attempts,
			           next_retry_at, last_error, locked_by, locked_at, created_at, updated_at`,
			string(domain.OutboxStatusProcessing), workerID, id,
		)
		env, err := scanEnvelope(row)
		if err != nil {
			return nil, fmt.Errorf("outbox: claiming row %s: %w", id, err)
		}
		envelopes = append(envelopes, env)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: claim commit: %w", err)
	}

	return envelopes, nil
}

// SettleSuccess marks eventID delivered, provided workerID still holds the
// lock. Returns domain.ErrLockLost if the lock was reclaimed by another worker.
func (s *Store) SettleSuccess(ctx context.Context, eventID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, locked_by = '', locked_at = NULL, updated_at = now()
		 WHERE event_id = $2 AND locked_by = $3`,
		string(domain.OutboxStatusDelivered), eventID, workerID,
	)
	if err != nil {
		return fmt.Errorf("outbox: settle success: %w", err)
	}
	return checkLockHeld(res)
}

// SettleFailure records a failed publish attempt. If the row's attempt
// count reaches max_attempts, it transitions to dead_letter; otherwise it
// moves to failed with next_retry_at computed by exponential backoff
// with full jitter: delay in [backoffBase, min(backoffCap, backoffBase*2^(attempts-1))).
func (s *Store) SettleFailure(ctx context.Context, eventID, workerID string, cause error, backoffBase, backoffCap time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: settle failure begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM outbox_events WHERE event_id = $1 AND locked_by = $2 FOR UPDATE`,
		eventID, workerID,
	).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return domain.ErrLockLost
		}
		return fmt.Errorf("outbox: settle failure select: %w", err)
	}

	attempts++
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_events
			 SET status = $1, attempts = $2, last_error = $3, locked_by = '', locked_at = NULL, updated_at = now()
			 WHERE event_id = $4`,
			string(domain.OutboxStatusDeadLetter), attempts, errMsg, eventID,
		)
	} else {
		delay := fullJitterBackoff(attempts, backoffBase, backoffCap)
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_events
			 SET status = $1, attempts = $2, last_error = $3, next_retry_at = now() + $4::interval,
			     locked_by = '', locked_at = NULL, updated_at = now()
			 WHERE event_id = $5`,
			string(domain.OutboxStatusFailed), attempts, errMsg, fmt.Sprintf("%d microseconds", delay.Microseconds()), eventID,
		)
	}
	if err != nil {
		return fmt.Errorf("outbox: settle failure update: %w", err)
	}

	return tx.Commit()
}

// ForceDeadLetter moves eventID straight to dead_letter regardless of its
// remaining attempt budget, for failures that can never succeed on retry
// (e.g. a payload that fails to decode).
func (s *Store) ForceDeadLetter(ctx context.Context, eventID, workerID string, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, attempts = attempts + 1, last_error = $2, locked_by = '', locked_at = NULL, updated_at = now()
		 WHERE event_id = $3 AND locked_by = $4`,
		string(domain.OutboxStatusDeadLetter), errMsg, eventID, workerID,
	)
	if err != nil {
		return fmt.Errorf("outbox: force dead letter: %w", err)
	}
	return checkLockHeld(res)
}

// MarkConsumed transitions a delivered row to consumed once the Stream
// Consumer has handed the event off downstream; the consumer acks the
// broker message only after this call succeeds.
// Idempotent: re-marking an already-consumed row is a no-op.
func (s *Store) MarkConsumed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, updated_at = now()
		 WHERE event_id = $2 AND status = $3`,
		string(domain.OutboxStatusConsumed), eventID, string(domain.OutboxStatusDelivered),
	)
	if err != nil {
		return fmt.Errorf("outbox: mark consumed: %w", err)
	}
	return nil
}

// ReclaimStaleLocks reclaims processing rows whose lock is older than
// staleAfter — a worker holding one this long is presumed dead, so unlike a
// clean Release, attempts is incremented as a real failed attempt. A row
// that has now exhausted max_attempts goes straight to dead_letter; others
// return to failed, immediately eligible for another worker to claim.
func (s *Store) ReclaimStaleLocks(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END,
		     attempts = attempts + 1,
		     last_error = 'reclaimed: stale lock, worker presumed dead',
		     next_retry_at = now(),
		     locked_by = '', locked_at = NULL, updated_at = now()
		 WHERE status = $3 AND locked_at IS NOT NULL AND locked_at < now() - $4::interval`,
		string(domain.OutboxStatusDeadLetter), string(domain.OutboxStatusFailed),
		string(domain.OutboxStatusProcessing),
		fmt.Sprintf("%d microseconds", staleAfter.Microseconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim stale locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim stale locks rows affected: %w", err)
	}
	return int(n), nil
}

// Release resets rows locked by workerID back to pending without
// incrementing attempts, for a worker that is shutting down cleanly rather
// than presumed dead.
func (s *Store) Release(ctx context.Context, workerID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, locked_by = '', locked_at = NULL, next_retry_at = now(), updated_at = now()
		 WHERE status = $2 AND locked_by = $3`,
		string(domain.OutboxStatusPending), string(domain.OutboxStatusProcessing), workerID,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: release rows affected: %w", err)
	}
	return int(n), nil
}

// BacklogCounts summarizes the outbox queue depth by status, for health/ops visibility.
type BacklogCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// BacklogCounts reports current row counts in the non-terminal (pending or
// failed, awaiting retry), processing, and dead_letter states.
func (s *Store) BacklogCounts(ctx context.Context) (BacklogCounts, error) {
	var bc BacklogCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   count(*) FILTER (WHERE status IN ($1, $2)),
		   count(*) FILTER (WHERE status = $3),
		   count(*) FILTER (WHERE status = $4)
		 FROM outbox_events`,
		string(domain.OutboxStatusPending), string(domain.OutboxStatusFailed),
		string(domain.OutboxStatusProcessing), string(domain.OutboxStatusDeadLetter),
	).Scan(&bc.Pending, &bc.Processing, &bc.DeadLetter)
	if err != nil {
		return BacklogCounts{}, fmt.Errorf("outbox: backlog counts: %w", err)
	}
	return bc, nil
}

func fullJitterBackoff(attempts int, base, backoffCap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if backoffCap <= 0 {
		backoffCap = base
	}
	upper := base * time.Duration(1<<uint(attempts-1))
	if upper > backoffCap || upper <= 0 {
		upper = backoffCap
	}
	if upper <= base {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(upper-base)))
}

func checkLockHeld(res stdsql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func scanEnvelope(row *stdsql.Row) (domain.OutboxEnvelope, error) {
	var env domain.OutboxEnvelope
	var status string
	var lockedAt stdsql.NullTime
	err := row.Scan(
		&env.EventID, &env.SessionID, &env.Channel, &env.Payload, &status,
		&env.Attempts, &env.MaxAttempts, &env.NextRetryAt, &env.LastError,
		&env.LockedBy, &lockedAt, &env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		return domain.OutboxEnvelope{}, err
	}
	env.Status = domain.OutboxStatus(status)
	if lockedAt.Valid {
		env.LockedAt = lockedAt.Time
	}
	return env, nil
}
