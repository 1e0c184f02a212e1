// Package eventstore implements the append-only, per-session timeline: the
// durable record of every admitted event, addressed by a gap-free monotonic
// sequence number.
package eventstore

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uniassist/pipeline/internal/domain"
)

// Store appends and reads Timeline Events against a *sql.DB.
type Store struct {
	db *stdsql.DB
}

// New constructs a Store over db.
func New(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// Append assigns the next sequence number for event.SessionID and persists
// the resulting TimelineEvent within tx. The session row is created on
// first use (upsert on session_id).
//
// If an event with the same EventID already exists, Append returns the
// existing row together with domain.ErrAlreadyExists so callers can
// distinguish idempotent replays from new inserts.
func (s *Store) Append(ctx context.Context, tx *stdsql.Tx, ev domain.Event) (domain.TimelineEvent, error) {
	if existing, ok, err := s.findByIDTx(ctx, tx, ev.EventID); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("eventstore: checking existing event: %w", err)
	} else if ok {
		return existing, domain.ErrAlreadyExists
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO NOTHING`,
		ev.SessionID, ev.UserID,
	); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("eventstore: ensuring session: %w", err)
	}

	// Row-level lock on the session row serializes seq assignment for
	// concurrent admissions to the same session. FOR UPDATE can't be combined
	// with an aggregate, so the session row is locked first (mirroring the
	// teacher's claimNextSession, which also locks a concrete row rather than
	// a derived value) and MAX(seq) is computed as a second statement under
	// that lock.
	var locked string
	if err := tx.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE session_id = $1 FOR UPDATE`,
		ev.SessionID,
	).Scan(&locked); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("eventstore: locking session: %w", err)
	}

	var nextSeq uint64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE session_id = $1`,
		ev.SessionID,
	).Scan(&nextSeq)
	if err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("eventstore: assigning seq: %w", err)
	}

	te := domain.TimelineEvent{
		EventID:     ev.EventID,
		SessionID:   ev.SessionID,
		UserID:      ev.UserID,
		TraceID:     ev.TraceID,
		Seq:         nextSeq,
		Kind:        ev.Kind,
		Payload:     ev.Payload,
		TimestampMs: ev.TimestampMs,
	}

	// A savepoint keeps tx usable after a unique violation, so the existing
	// row can still be read below.
	if _, err := tx.ExecContext(ctx, `SAVEPOINT eventstore_append`); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("eventstore: savepoint: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`INSERT INTO timeline_events (event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		te.EventID, te.SessionID, te.UserID, te.TraceID, te.Seq, string(te.Kind), te.Payload, te.TimestampMs,
	)
	if err := row.Scan(&te.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			// Lost a race against a concurrent Append for the same event_id
			// between the existence check and the insert; fetch and return it.
			if _, rerr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT eventstore_append`); rerr == nil {
				existing, ok, ferr := s.findByIDTx(ctx, tx, ev.EventID)
				if ferr == nil && ok {
					return existing, domain.ErrAlreadyExists
				}
			}
			return domain.TimelineEvent{}, domain.ErrAlreadyExists
		}
		return domain.TimelineEvent{}, fmt.Errorf("eventstore: inserting timeline event: %w", err)
	}

	return te, nil
}

// ReadByID fetches a single Timeline Event by its event_id.
func (s *Store) ReadByID(ctx context.Context, eventID string) (domain.TimelineEvent, error) {
	te, ok, err := s.scanOne(ctx, s.db.QueryRowContext(ctx,
		`SELECT event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms, created_at
		 FROM timeline_events WHERE event_id = $1`, eventID))
	if err != nil {
		return domain.TimelineEvent{}, err
	}
	if !ok {
		return domain.TimelineEvent{}, domain.ErrNotFound
	}
	return te, nil
}

// ReadSince returns up to limit Timeline Events for sessionID with
// seq > afterSeq, ordered ascending by seq. limit <= 0 defaults to 100.
func (s *Store) ReadSince(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms, created_at
		 FROM timeline_events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: reading since seq: %w", err)
	}
	defer rows.Close()

	var out []domain.TimelineEvent
	for rows.Next() {
		te, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scanning timeline event: %w", err)
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

func (s *Store) findByIDTx(ctx context.Context, tx *stdsql.Tx, eventID string) (domain.TimelineEvent, bool, error) {
	return s.scanOne(ctx, tx.QueryRowContext(ctx,
		`SELECT event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms, created_at
		 FROM timeline_events WHERE event_id = $1`, eventID))
}

func (s *Store) scanOne(_ context.Context, row *stdsql.Row) (domain.TimelineEvent, bool, error) {
	var te domain.TimelineEvent
	var kind string
	err := row.Scan(&te.EventID, &te.SessionID, &te.UserID, &te.TraceID, &te.Seq, &kind, &te.Payload, &te.TimestampMs, &te.CreatedAt)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return domain.TimelineEvent{}, false, nil
		}
		return domain.TimelineEvent{}, false, err
	}
	te.Kind = domain.EventKind(kind)
	return te, true, nil
}

func scanTimelineEvent(r *stdsql.Rows) (domain.TimelineEvent, error) {
	var te domain.TimelineEvent
	var kind string
	if err := r.Scan(&te.EventID, &te.SessionID, &te.UserID, &te.TraceID, &te.Seq, &kind, &te.Payload, &te.TimestampMs, &te.CreatedAt); err != nil {
		return domain.TimelineEvent{}, err
	}
	te.Kind = domain.EventKind(kind)
	return te, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
