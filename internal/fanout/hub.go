// Package fanout bridges the Stream Consumer to live HTTP clients via
// Server-Sent Events. It is supplemental to the core delivery pipeline: the
// pipeline's at-least-once guarantee lives in the Outbox and broker, not
// here — the hub only adds a best-effort per-event_id de-duplication layer
// so a reconnecting browser doesn't see a visible duplicate.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/uniassist/pipeline/internal/domain"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// dedupeWindowSize bounds the per-session set of recently seen event_ids.
const dedupeWindowSize = 256

// Subscription is a single client's live feed for one session.
type Subscription struct {
	ch        chan domain.WireEvent
	sessionID string
	hub       *Hub
}

// Events returns the channel of events for this subscription.
func (s *Subscription) Events() <-chan domain.WireEvent {
	return s.ch
}

// Close unregisters the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type sessionTopic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seen []string // ring buffer of recently published event_ids
}

// Hub fans incoming WireEvents out to all live SSE subscribers for a session.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*sessionTopic
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*sessionTopic)}
}

// Subscribe registers a new client for sessionID and returns its Subscription.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	topic, ok := h.topics[sessionID]
	if !ok {
		topic = &sessionTopic{subs: make(map[*Subscription]struct{})}
		h.topics[sessionID] = topic
	}
	h.mu.Unlock()

	sub := &Subscription{ch: make(chan domain.WireEvent, 64), sessionID: sessionID, hub: h}
	topic.mu.Lock()
	topic.subs[sub] = struct{}{}
	topic.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	topic, ok := h.topics[sub.sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	topic.mu.Lock()
	delete(topic.subs, sub)
	empty := len(topic.subs) == 0
	topic.mu.Unlock()
	close(sub.ch)

	if empty {
		h.mu.Lock()
		if t, ok := h.topics[sub.sessionID]; ok && len(t.subs) == 0 {
			delete(h.topics, sub.sessionID)
		}
		h.mu.Unlock()
	}
}

// Publish delivers ev to every live subscriber of its session, skipping
// event_ids already seen by that session's topic. Subscribers with a full
// buffer are skipped rather than blocking the consumer loop — a slow
// browser tab never stalls delivery.
func (h *Hub) Publish(ev domain.WireEvent) {
	h.mu.Lock()
	topic, ok := h.topics[ev.SessionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	topic.mu.Lock()
	if containsAndRemember(topic, ev.EventID) {
		topic.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(topic.subs))
	for s := range topic.subs {
		subs = append(subs, s)
	}
	topic.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func containsAndRemember(t *sessionTopic, eventID string) bool {
	for _, id := range t.seen {
		if id == eventID {
			return true
		}
	}
	t.seen = append(t.seen, eventID)
	if len(t.seen) > dedupeWindowSize {
		t.seen = t.seen[len(t.seen)-dedupeWindowSize:]
	}
	return false
}

// EncodeSSE renders ev as an SSE frame: id/event/data lines terminated by a
// blank line, matching the format browsers' EventSource expects.
func EncodeSSE(ev domain.WireEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+64)
	buf = append(buf, "id: "...)
	buf = append(buf, []byte(ev.EventID)...)
	buf = append(buf, '\n')
	buf = append(buf, "event: "...)
	buf = append(buf, []byte(ev.Kind)...)
	buf = append(buf, '\n')
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}
