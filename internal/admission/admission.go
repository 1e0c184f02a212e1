// Package admission implements the Admission API: the single write path
// that appends a Timeline Event and enqueues its Outbox Envelope in one
// database transaction, so a downstream delivery failure can never lose an
// accepted event.
package admission

import (
	"bytes"
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/eventstore"
	"github.com/uniassist/pipeline/internal/outbox"
)

// Service admits caller events, writing the Event Store and Outbox atomically.
type Service struct {
	db      *stdsql.DB
	events  *eventstore.Store
	outbox  *outbox.Store
	cfg     config.BrokerConfig
	outCfg  config.OutboxConfig
	publish func(context.Context, domain.WireEnvelope) error // optional synchronous publish hook
}

// New constructs a Service. publish is nil unless FeatureFlags.SyncPublishOnAdmit
// is enabled, in which case it is called best-effort after commit.
func New(db *stdsql.DB, events *eventstore.Store, ob *outbox.Store, brokerCfg config.BrokerConfig, outCfg config.OutboxConfig, publish func(context.Context, domain.WireEnvelope) error) *Service {
	return &Service{db: db, events: events, outbox: ob, cfg: brokerCfg, outCfg: outCfg, publish: publish}
}

// Admit validates ev, appends it to the Timeline, enqueues its delivery
// envelope, and commits both atomically. Re-admitting an event_id with an
// identical payload is idempotent and returns the original TimelineEvent
// with admitted=false; re-admitting with a divergent payload returns
// domain.ErrConflict. admitted is true only when this call produced a new
// Timeline Event.
func (s *Service) Admit(ctx context.Context, ev domain.Event) (domain.TimelineEvent, bool, error) {
	if err := validate(ev); err != nil {
		return domain.TimelineEvent{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("admission: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	te, err := s.events.Append(ctx, tx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if !bytes.Equal(te.Payload, ev.Payload) {
				return domain.TimelineEvent{}, false, domain.ErrConflict
			}
			return te, false, nil
		}
		return domain.TimelineEvent{}, false, fmt.Errorf("admission: append: %w", err)
	}

	sessionKey := s.cfg.SessionKey(ev.SessionID)
	wire := domain.WireEnvelope{
		SchemaVersion: domain.SchemaVersion,
		Type:          domain.EnvelopeType,
		Event: domain.WireEvent{
			EventID:     te.EventID,
			SessionID:   te.SessionID,
			UserID:      te.UserID,
			TraceID:     te.TraceID,
			Seq:         te.Seq,
			TimestampMs: te.TimestampMs,
			Kind:        string(te.Kind),
			Payload:     te.Payload,
		},
		Stream: domain.WireStream{Key: sessionKey, GlobalKey: s.cfg.GlobalKey},
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("admission: marshal envelope: %w", err)
	}

	if err := s.outbox.Enqueue(ctx, tx, te.EventID, te.SessionID, domain.DefaultChannel, payload, s.outCfg.MaxAttempts); err != nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("admission: enqueue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("admission: commit: %w", err)
	}

	if s.publish != nil {
		// Strongly discouraged in production — see FeatureFlags.SyncPublishOnAdmit.
		// Best-effort only: the Outbox already guarantees eventual delivery
		// regardless of whether this call succeeds.
		_ = s.publish(ctx, wire)
	}

	return te, true, nil
}

// Read returns up to limit Timeline Events for sessionID after afterSeq.
func (s *Service) Read(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]domain.TimelineEvent, error) {
	return s.events.ReadSince(ctx, sessionID, afterSeq, limit)
}

func validate(ev domain.Event) error {
	if ev.EventID == "" {
		return domain.NewValidationError("event_id", "must not be empty")
	}
	if ev.SessionID == "" {
		return domain.NewValidationError("session_id", "must not be empty")
	}
	if ev.UserID == "" {
		return domain.NewValidationError("user_id", "must not be empty")
	}
	switch ev.Kind {
	case domain.EventKindInteraction, domain.EventKindProviderExtension, domain.EventKindSystem:
	default:
		return domain.NewValidationError("kind", fmt.Sprintf("unrecognized kind %q", ev.Kind))
	}
	if len(ev.Payload) == 0 {
		return domain.NewValidationError("payload", "must not be empty")
	}
	if ev.TimestampMs <= 0 {
		return domain.NewValidationError("timestamp_ms", "must be positive")
	}
	return nil
}

// Broker-adjacent helper kept for callers that build a default synchronous
// publish hook from a broker.Adapter.
func PublishHook(a *broker.Adapter) func(context.Context, domain.WireEnvelope) error {
	return a.Publish
}
