package fanout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/fanout"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub := fanout.NewHub()
	sub := hub.Subscribe("sess-1")
	defer sub.Close()

	hub.Publish(domain.WireEvent{EventID: "evt-1", SessionID: "sess-1", Kind: "interaction"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "evt-1", ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDeduplicatesByEventID(t *testing.T) {
	hub := fanout.NewHub()
	sub := hub.Subscribe("sess-2")
	defer sub.Close()

	hub.Publish(domain.WireEvent{EventID: "evt-1", SessionID: "sess-2"})
	hub.Publish(domain.WireEvent{EventID: "evt-1", SessionID: "sess-2"})

	<-sub.Events()
	select {
	case <-sub.Events():
		t.Fatal("duplicate event should have been suppressed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	hub := fanout.NewHub()
	hub.Publish(domain.WireEvent{EventID: "evt-1", SessionID: "sess-unknown"})
}

func TestEncodeSSE(t *testing.T) {
	frame, err := fanout.EncodeSSE(domain.WireEvent{EventID: "evt-1", SessionID: "s1", Kind: "interaction"})
	require.NoError(t, err)
	s := string(frame)
	assert.Contains(t, s, "id: evt-1\n")
	assert.Contains(t, s, "event: interaction\n")
	assert.Contains(t, s, "data: {")
}
