package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/repository/memory"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

type busFixture struct {
	bus        *Bus
	log        *memory.EventLog
	subs       *memory.SubscriptionRepository
	deliveries *memory.DeliveryRepository
	clock      *window.ManualClock
}

func newBusFixture(t *testing.T, opts ...Option) busFixture {
	t.Helper()
	f := busFixture{
		log:        memory.NewEventLog(),
		subs:       memory.NewSubscriptionRepository(),
		deliveries: memory.NewDeliveryRepository(),
		clock:      window.NewManualClock(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)),
	}
	f.bus = NewBus(f.log, f.subs, f.deliveries, f.clock, zap.NewNop(), metrics.New(), opts...)
	return f
}

func (f busFixture) subscribe(t *testing.T, active bool, types ...domain.EventType) *domain.WebhookSubscription {
	t.Helper()
	sub := &domain.WebhookSubscription{
		ID:         uuid.New(),
		URL:        "https://hooks.example.com/" + uuid.NewString(),
		EventTypes: types,
		Secret:     "s3cret",
		Active:     active,
		CreatedAt:  f.clock.Now(),
	}
	require.NoError(t, f.subs.Create(context.Background(), sub))
	return sub
}

func TestEmitFansOutToMatchingSubscriptions(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	calls := f.subscribe(t, true, domain.EventCallCompleted, domain.EventCallFailed)
	f.subscribe(t, true, domain.EventCampaignStarted)
	f.subscribe(t, false, domain.EventCallCompleted)

	notified := 0
	f.bus.SetNotify(func() { notified++ })

	ev, err := f.bus.Emit(ctx, domain.EventCallCompleted, map[string]string{"call_id": "c-1"})
	require.NoError(t, err)

	pending, err := f.deliveries.List(ctx, domain.DeliveryPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, calls.ID, pending[0].SubscriptionID)
	assert.Equal(t, ev.ID, pending[0].EventID)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.Equal(t, 1, notified)

	stored, err := f.log.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DispatchedAt)
	assert.JSONEq(t, `{"call_id":"c-1"}`, string(stored.Payload))
}

func TestEmitRejectsUnknownType(t *testing.T) {
	f := newBusFixture(t)
	_, err := f.bus.Emit(context.Background(), domain.EventType("call.exploded"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, f.log.All())
}

type failingMirror struct {
	fail      bool
	published []uuid.UUID
}

func (m *failingMirror) Publish(_ context.Context, ev *domain.Event) error {
	if m.fail {
		return errors.New("broker unavailable")
	}
	m.published = append(m.published, ev.ID)
	return nil
}

func TestReplayCompletesDeferredFanOut(t *testing.T) {
	mirror := &failingMirror{fail: true}
	f := newBusFixture(t, WithMirror(mirror), WithReplayAfter(time.Minute))
	ctx := context.Background()
	f.subscribe(t, true, domain.EventCampaignStarted)

	ev, err := f.bus.Emit(ctx, domain.EventCampaignStarted, CampaignPayload{Name: "spring"})
	require.NoError(t, err)

	stored, err := f.log.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.DispatchedAt)

	// too young to replay
	n, err := f.bus.Replay(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	mirror.fail = false
	f.clock.Advance(2 * time.Minute)
	n, err = f.bus.Replay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ev.ID}, mirror.published)

	// the first, partial fan-out already created the attempt; replay must not duplicate it
	pending, err := f.deliveries.List(ctx, domain.DeliveryPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	stored, err = f.log.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DispatchedAt)
}
