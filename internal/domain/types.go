// Package domain holds the shared types of the durable event delivery
// pipeline: sessions, timeline events, outbox envelopes, and the wire
// envelope published to the stream broker.
package domain

import "time"

// EventKind classifies a Timeline Event.
type EventKind string

// Recognized event kinds.
const (
	EventKindInteraction       EventKind = "interaction"
	EventKindProviderExtension EventKind = "provider_extension"
	EventKindSystem            EventKind = "system"
)

// OutboxStatus is the lifecycle state of an Outbox Envelope.
type OutboxStatus string

// Recognized outbox statuses. Transitions form the acyclic graph of spec §4.4.
const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusDelivered  OutboxStatus = "delivered"
	OutboxStatusConsumed   OutboxStatus = "consumed"
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"
)

// DefaultMaxAttempts is the default ceiling on outbox delivery attempts
// before a row is moved to dead_letter.
const DefaultMaxAttempts = 12

// DefaultChannel is the outbox channel used for timeline fan-out.
const DefaultChannel = "timeline"

// Session is the owning aggregate of a timeline. Created on first ingest,
// never deleted by the core.
type Session struct {
	SessionID    string
	UserID       string
	CreatedAt    time.Time
	RoutingHints map[string]any
}

// Event is a caller-supplied interaction event, prior to sequence assignment.
type Event struct {
	EventID     string
	SessionID   string
	UserID      string
	TraceID     string
	Kind        EventKind
	Payload     []byte
	TimestampMs int64
}

// TimelineEvent is the durable, append-only record produced by the Event
// Store. Immutable once created.
type TimelineEvent struct {
	EventID     string
	SessionID   string
	UserID      string
	TraceID     string
	Seq         uint64
	Kind        EventKind
	Payload     []byte
	TimestampMs int64
	CreatedAt   time.Time
}

// OutboxEnvelope is the durable handoff row between Admission and the
// Delivery Worker.
type OutboxEnvelope struct {
	EventID     string
	SessionID   string
	Channel     string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LastError   string
	LockedBy    string
	LockedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WireEvent is the "event" block of the delivery envelope (spec §6).
type WireEvent struct {
	EventID     string `json:"event_id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
	Seq         uint64 `json:"seq"`
	TimestampMs int64  `json:"timestamp_ms"`
	Kind        string `json:"kind"`
	Payload     []byte `json:"payload"`
}

// WireStream is the "stream" block of the delivery envelope (spec §6).
type WireStream struct {
	Key       string `json:"key"`
	GlobalKey string `json:"globalKey"`
}

// WireEnvelope is the full wire structure appended to the broker and
// persisted verbatim as the outbox row's payload.
type WireEnvelope struct {
	SchemaVersion string     `json:"schemaVersion"`
	Type          string     `json:"type"`
	Event         WireEvent  `json:"event"`
	Stream        WireStream `json:"stream"`
}

// SchemaVersion is the current wire schema version for delivery envelopes.
const SchemaVersion = "v0"

// EnvelopeType is the constant "type" field of a delivery envelope.
const EnvelopeType = "timeline_event"

// ReplaySelectorKind discriminates the Replay Tool's row selector.
type ReplaySelectorKind string

// Recognized replay selectors.
const (
	ReplaySelectByEventID   ReplaySelectorKind = "event_id"
	ReplaySelectBySessionID ReplaySelectorKind = "session_id"
	ReplaySelectGlobal      ReplaySelectorKind = "global"
)

// ReplaySelector identifies which dead_letter rows a replay invocation targets.
type ReplaySelector struct {
	Kind      ReplaySelectorKind
	EventID   string
	SessionID string
	Limit     int
}

// ReplayRowResult captures the before/after summary of one replayed row.
type ReplayRowResult struct {
	EventID         string
	SessionID       string
	PreviousStatus  OutboxStatus
	NewStatus       OutboxStatus
	PreviousAttempt int
	NewAttempt      int
	Inserted        bool // false if the (token, event_id) pair already existed
}

// ReplayReport is returned by the Replay Tool for operator consumption.
type ReplayReport struct {
	ReplayToken  string
	SelectedRows int
	InsertedRows int
	UpdatedRows  int
	Rows         []ReplayRowResult
	DryRun       bool
}
