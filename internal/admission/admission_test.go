package admission_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/pipeline/internal/admission"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/eventstore"
	"github.com/uniassist/pipeline/internal/outbox"
	"github.com/uniassist/pipeline/internal/testutil"
)

func newService(t *testing.T) *admission.Service {
	client := testutil.NewTestDatabase(t)
	return admission.New(
		client.DB(),
		eventstore.New(client.DB()),
		outbox.New(client.DB()),
		config.BrokerConfig{StreamPrefix: "uniassist:timeline:", GlobalKey: "uniassist:timeline:all"},
		config.OutboxConfig{MaxAttempts: domain.DefaultMaxAttempts},
		nil,
	)
}

func TestAdmitAppendsAndEnqueues(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	te, admitted, err := svc.Admit(ctx, domain.Event{
		EventID:     "evt-1",
		SessionID:   "sess-1",
		UserID:      "user-1",
		Kind:        domain.EventKindInteraction,
		Payload:     []byte(`{"x":1}`),
		TimestampMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), te.Seq)
	assert.True(t, admitted)

	events, err := svc.Read(ctx, "sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAdmitIsIdempotentOnMatchingPayload(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	ev := domain.Event{
		EventID:     "evt-2",
		SessionID:   "sess-2",
		UserID:      "user-1",
		Kind:        domain.EventKindSystem,
		Payload:     []byte(`{"x":1}`),
		TimestampMs: 1,
	}

	first, admitted, err := svc.Admit(ctx, ev)
	require.NoError(t, err)
	assert.True(t, admitted)

	second, admitted, err := svc.Admit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, second.Seq)
	assert.False(t, admitted)
}

func TestAdmitConflictsOnDivergentPayload(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	ev := domain.Event{
		EventID:     "evt-3",
		SessionID:   "sess-3",
		UserID:      "user-1",
		Kind:        domain.EventKindSystem,
		Payload:     []byte(`{"x":1}`),
		TimestampMs: 1,
	}
	_, _, err := svc.Admit(ctx, ev)
	require.NoError(t, err)

	ev.Payload = []byte(`{"x":2}`)
	_, _, err = svc.Admit(ctx, ev)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestAdmitRejectsInvalidEvent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, _, err := svc.Admit(ctx, domain.Event{SessionID: "sess-4", UserID: "user-1"})
	assert.True(t, domain.IsValidationError(err))
}
