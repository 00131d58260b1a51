package dispatch

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/events"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/repository/memory"
	"github.com/acme/outbound-orchestrator/internal/telephony"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

type fakeGateway struct {
	mu      sync.Mutex
	placed  []telephony.PlaceCallRequest
	err     error
	respond func(req telephony.PlaceCallRequest)
}

func (g *fakeGateway) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.Handle, error) {
	g.mu.Lock()
	g.placed = append(g.placed, req)
	err, respond := g.err, g.respond
	g.mu.Unlock()

	if err != nil {
		return telephony.Handle{}, err
	}
	if respond != nil {
		respond(req)
	}
	return telephony.Handle{CallID: req.CallID, Attempt: req.Attempt, ProviderRef: "ref-" + req.CallID.String()}, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

func (g *fakeGateway) last() telephony.PlaceCallRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed[len(g.placed)-1]
}

type harness struct {
	d     *Dispatcher
	gw    *fakeGateway
	calls *memory.CallStore
	stats *memory.StatisticsRepository
	log   *memory.EventLog
	clock *window.ManualClock
}

func newHarness(t *testing.T, cfg config.DispatcherConfig, now time.Time) *harness {
	t.Helper()
	h := &harness{
		gw:    &fakeGateway{},
		calls: memory.NewCallStore(),
		stats: memory.NewStatisticsRepository(),
		log:   memory.NewEventLog(),
		clock: window.NewManualClock(now),
	}
	m := metrics.New()
	bus := events.NewBus(h.log, memory.NewSubscriptionRepository(), memory.NewDeliveryRepository(), h.clock, zap.NewNop(), m)
	h.d = New(cfg, Deps{
		Gateway: h.gw,
		Calls:   h.calls,
		Stats:   h.stats,
		Events:  bus,
		Clock:   h.clock,
		Logger:  zap.NewNop(),
		Metrics: m,
	})
	return h
}

func monday(hour, minute int, loc *time.Location) time.Time {
	return time.Date(2025, 3, 3, hour, minute, 0, 0, loc)
}

func allWeek() []time.Weekday {
	return []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
}

func newCampaign(limit, maxAttempts int, base time.Duration) *domain.Campaign {
	return &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "spring renewals",
		Status:             domain.CampaignStatusActive,
		MaxConcurrentCalls: limit,
		RetryPolicy:        domain.RetryPolicy{MaxAttempts: maxAttempts, BaseInterval: base},
		Schedule: domain.Schedule{
			TimeZone:  "UTC",
			Weekdays:  allWeek(),
			CallHours: domain.CallHours{Start: 0, End: domain.MinutesPerDay},
		},
	}
}

func contacts(n int) []domain.Contact {
	out := make([]domain.Contact, n)
	for i := range out {
		out[i] = domain.Contact{ID: uuid.New(), PhoneNumber: "+1415555010" + string(rune('0'+i)), Position: i}
	}
	return out
}

func seq(cs ...*domain.Campaign) iter.Seq2[*domain.Campaign, error] {
	return func(yield func(*domain.Campaign, error) bool) {
		for _, c := range cs {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// tick runs one admission pass and then executes every queued dial inline.
func (h *harness) tick(t *testing.T, cs ...*domain.Campaign) int {
	t.Helper()
	n, err := h.d.Tick(context.Background(), seq(cs...))
	require.NoError(t, err)
	for {
		select {
		case job := <-h.d.jobs:
			h.d.dial(context.Background(), job)
		default:
			return n
		}
	}
}

func (h *harness) register(t *testing.T, c *domain.Campaign, list []domain.Contact) {
	t.Helper()
	require.NoError(t, h.stats.Ensure(context.Background(), c.ID))
	require.NoError(t, h.d.Register(context.Background(), c, list, nil))
}

func (h *harness) eventCount(t domain.EventType) int {
	n := 0
	for _, ev := range h.log.All() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (h *harness) call(t *testing.T, id uuid.UUID) *domain.Call {
	t.Helper()
	call, err := h.calls.GetCall(context.Background(), id)
	require.NoError(t, err)
	return call
}

func TestCampaignLimitIsNeverExceeded(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10}, monday(10, 0, time.UTC))
	c := newCampaign(2, 1, time.Minute)
	h.register(t, c, contacts(5))

	assert.Equal(t, 2, h.tick(t, c))
	assert.Equal(t, 0, h.tick(t, c))
	assert.Equal(t, 2, h.d.counters.InFlight(c.ID))

	first := h.gw.placed[0]
	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: first.CallID, Attempt: 1}, domain.OutcomeCompleted))

	assert.Equal(t, 1, h.tick(t, c))
	assert.Equal(t, 3, h.gw.count())
	assert.Equal(t, 2, h.d.counters.InFlight(c.ID))
	assert.Equal(t, 1, h.eventCount(domain.EventCallCompleted))
}

func TestGlobalCapFavoursEarlierCampaigns(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 3}, monday(10, 0, time.UTC))
	first := newCampaign(2, 1, time.Minute)
	second := newCampaign(2, 1, time.Minute)
	h.register(t, first, contacts(3))
	h.register(t, second, contacts(3))

	assert.Equal(t, 3, h.tick(t, first, second))
	assert.Equal(t, 2, h.d.counters.InFlight(first.ID))
	assert.Equal(t, 1, h.d.counters.InFlight(second.ID))
	assert.Equal(t, 3, h.d.InFlight())
}

func TestAlwaysNoAnswerScenario(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(2, 2, 60*time.Second)

	maxSeen := 0
	h.gw.respond = func(req telephony.PlaceCallRequest) {
		maxSeen = max(maxSeen, h.d.counters.InFlight(c.ID))
		err := h.d.OnOutcome(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: req.Attempt}, domain.OutcomeNoAnswer)
		require.NoError(t, err)
	}
	h.register(t, c, contacts(5))

	for i := 0; i < 20 && !h.d.Progress(c.ID).Idle(); i++ {
		h.tick(t, c)
		h.clock.Advance(time.Minute)
	}

	p := h.d.Progress(c.ID)
	assert.True(t, p.Idle())
	assert.Equal(t, 5, p.Total)
	assert.Equal(t, 10, h.gw.count())
	assert.LessOrEqual(t, maxSeen, 2)
	assert.Equal(t, 10, h.eventCount(domain.EventCallStarted))
	assert.Equal(t, 5, h.eventCount(domain.EventCallRetryScheduled))
	assert.Equal(t, 5, h.eventCount(domain.EventCallFailed))

	calls, _, err := h.calls.ListCallsByCampaign(context.Background(), c.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, calls, 5)
	for _, call := range calls {
		assert.Equal(t, domain.CallStatusFailed, call.Status)
		assert.Equal(t, 2, call.AttemptCount)
		assert.Nil(t, call.RetryAt)

		attempts, err := h.calls.ListAttempts(context.Background(), call.ID)
		require.NoError(t, err)
		assert.Len(t, attempts, 2)
	}

	stats, err := h.stats.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats.Dispatches)
	assert.EqualValues(t, 5, stats.FailedCalls)
	assert.EqualValues(t, 0, stats.QueuedCalls)
	assert.EqualValues(t, 0, stats.InProgressCalls)
}

func TestRetriesAreAdmittedBeforeFreshCalls(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(1, 3, time.Minute)
	h.register(t, c, contacts(3))

	h.tick(t, c)
	first := h.gw.last()
	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: first.CallID, Attempt: 1}, domain.OutcomeVoicemail))

	// not due yet: the next contact goes out
	h.tick(t, c)
	second := h.gw.last()
	assert.NotEqual(t, first.CallID, second.CallID)
	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: second.CallID, Attempt: 1}, domain.OutcomeCompleted))

	h.clock.Advance(time.Minute)
	h.tick(t, c)
	again := h.gw.last()
	assert.Equal(t, first.CallID, again.CallID)
	assert.Equal(t, 2, again.Attempt)
}

func TestRetryQueueCarriesNextAttempt(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(1, 3, time.Minute)
	h.register(t, c, contacts(1))

	h.tick(t, c)
	req := h.gw.last()
	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: 1}, domain.OutcomeNoAnswer))

	call := h.call(t, req.CallID)
	require.NotNil(t, call.RetryAt)

	h.d.mu.Lock()
	tasks := h.d.campaigns[c.ID].retries.PopDue(*call.RetryAt, 10)
	h.d.mu.Unlock()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.RetryTask{CallID: req.CallID, NotBefore: *call.RetryAt, Attempt: 2}, tasks[0])
}

func TestCancelledCampaignAdmitsNothing(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(1, 3, time.Minute)
	h.gw.respond = func(req telephony.PlaceCallRequest) {
		require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: req.Attempt}, domain.OutcomeNoAnswer))
	}
	h.register(t, c, contacts(3))

	h.tick(t, c)
	require.Equal(t, 1, h.gw.count())
	retried := h.gw.last().CallID

	assert.Equal(t, 3, h.d.Cancel(context.Background(), c.ID))

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.tick(t, c))
	assert.Equal(t, 1, h.gw.count())
	assert.False(t, h.d.Progress(c.ID).Registered)

	call := h.call(t, retried)
	assert.Equal(t, domain.CallStatusCancelled, call.Status)
	assert.Nil(t, call.RetryAt)
	assert.Equal(t, 3, h.eventCount(domain.EventCallCancelled))
}

func TestCancelLetsInFlightCallsFinish(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(1, 3, time.Minute)
	h.register(t, c, contacts(3))

	h.tick(t, c)
	live := h.gw.last()

	assert.Equal(t, 2, h.d.Cancel(context.Background(), c.ID))
	assert.True(t, h.d.Progress(c.ID).Registered)
	assert.Equal(t, 1, h.d.InFlight())

	ctx := context.Background()
	require.NoError(t, h.d.OnAnswered(ctx, telephony.Handle{CallID: live.CallID, Attempt: 1}))
	require.NoError(t, h.d.OnOutcome(ctx, telephony.Handle{CallID: live.CallID, Attempt: 1}, domain.OutcomeNoAnswer))

	call := h.call(t, live.CallID)
	assert.Equal(t, domain.CallStatusFailed, call.Status)
	assert.Equal(t, domain.OutcomeNoAnswer, call.Outcome)
	assert.Nil(t, call.RetryAt)
	assert.NotNil(t, call.EndedAt)
	assert.Equal(t, 1, h.eventCount(domain.EventCallFailed))
	assert.Zero(t, h.eventCount(domain.EventCallRetryScheduled))
	assert.Zero(t, h.d.InFlight())
	assert.False(t, h.d.Progress(c.ID).Registered)
}

func TestDrainEndsRetryableInFlightCallAsFailed(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(1, 3, time.Minute)
	h.register(t, c, contacts(2))

	h.tick(t, c)
	live := h.gw.last()
	assert.Equal(t, 1, h.d.Drain(context.Background(), c.ID))

	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: live.CallID, Attempt: 1}, domain.OutcomeVoicemail))

	call := h.call(t, live.CallID)
	assert.Equal(t, domain.CallStatusFailed, call.Status)
	assert.True(t, call.Done())
	assert.Nil(t, call.RetryAt)
	assert.Equal(t, 1, h.eventCount(domain.EventCallFailed))

	stats, err := h.stats.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.FailedCalls)
	assert.Zero(t, stats.InProgressCalls)
}

func TestPausedCampaignQueuesRetries(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 100}, monday(10, 0, time.UTC))
	c := newCampaign(1, 2, time.Minute)
	h.register(t, c, contacts(1))

	h.tick(t, c)
	req := h.gw.last()
	h.d.Pause(c.ID)
	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: 1}, domain.OutcomeNoAnswer))

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, h.tick(t, c))
	assert.Equal(t, 1, h.d.Progress(c.ID).Pending)

	h.d.Resume(c.ID)
	assert.Equal(t, 1, h.tick(t, c))
	assert.Equal(t, 2, h.gw.last().Attempt)
}

func TestWindowClosingDoesNotEndActiveCall(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10, DialTimeout: time.Minute}, monday(16, 59, ny))
	c := newCampaign(1, 1, time.Minute)
	c.Schedule.TimeZone = "America/New_York"
	c.Schedule.Weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	c.Schedule.CallHours = domain.CallHours{Start: 9 * 60, End: 17 * 60}
	h.register(t, c, contacts(2))

	require.Equal(t, 1, h.tick(t, c))
	req := h.gw.last()
	require.NoError(t, h.d.OnAnswered(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: 1}))

	h.clock.Advance(3 * time.Minute)
	assert.Equal(t, 0, h.tick(t, c))
	assert.Equal(t, domain.CallStatusInProgress, h.call(t, req.CallID).Status)

	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: 1}, domain.OutcomeCompleted))
	call := h.call(t, req.CallID)
	assert.Equal(t, domain.CallStatusCompleted, call.Status)
	require.NotNil(t, call.EndedAt)
	assert.True(t, call.EndedAt.Equal(monday(17, 2, ny)))
	assert.Equal(t, 1, h.gw.count())
}

func TestGatewayErrorIsRetryable(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10}, monday(10, 0, time.UTC))
	c := newCampaign(1, 2, time.Minute)
	h.register(t, c, contacts(1))

	h.gw.err = errors.New("connection refused")
	h.tick(t, c)
	req := h.gw.last()

	call := h.call(t, req.CallID)
	assert.Equal(t, domain.OutcomeProviderError, call.Outcome)
	require.NotNil(t, call.RetryAt)
	require.NotNil(t, call.LastError)
	assert.Contains(t, *call.LastError, "connection refused")
	assert.Zero(t, h.d.InFlight())

	h.gw.err = nil
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.tick(t, c))
	assert.Equal(t, 2, h.gw.last().Attempt)
}

func TestDialTimeoutResolvesStuckAttempt(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10, DialTimeout: 30 * time.Second}, monday(10, 0, time.UTC))
	c := newCampaign(1, 2, time.Minute)
	h.register(t, c, contacts(1))

	h.tick(t, c)
	req := h.gw.last()

	h.clock.Advance(31 * time.Second)
	h.tick(t, c)

	call := h.call(t, req.CallID)
	assert.Equal(t, domain.OutcomeTimeout, call.Outcome)
	assert.NotNil(t, call.RetryAt)
	assert.Zero(t, h.d.InFlight())

	// the provider answering late for the abandoned attempt changes nothing
	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: req.CallID, Attempt: 1}, domain.OutcomeCompleted))
	assert.Equal(t, domain.OutcomeTimeout, h.call(t, req.CallID).Outcome)
	assert.Zero(t, h.d.InFlight())
}

func TestOnOutcomeRejectsUnknownCode(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10}, monday(10, 0, time.UTC))
	err := h.d.OnOutcome(context.Background(), telephony.Handle{CallID: uuid.New(), Attempt: 1}, domain.Outcome("busy"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	err = h.d.OnOutcome(context.Background(), telephony.Handle{CallID: uuid.New(), Attempt: 1}, domain.OutcomeCompleted)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCancelCall(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10}, monday(10, 0, time.UTC))
	c := newCampaign(1, 1, time.Minute)
	h.register(t, c, contacts(2))

	h.tick(t, c)
	live := h.gw.last()

	_, err := h.d.CancelCall(context.Background(), live.CallID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	calls, _, err := h.calls.ListCallsByCampaign(context.Background(), c.ID, 10, nil)
	require.NoError(t, err)
	var queued uuid.UUID
	for _, call := range calls {
		if call.Status == domain.CallStatusQueued {
			queued = call.ID
		}
	}
	require.NotEqual(t, uuid.Nil, queued)

	cancelled, err := h.d.CancelCall(context.Background(), queued)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, cancelled.Status)

	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: live.CallID, Attempt: 1}, domain.OutcomeCompleted))
	assert.Equal(t, 0, h.tick(t, c))
	assert.True(t, h.d.Progress(c.ID).Idle())
}

func TestRegisterRestoresPersistedCalls(t *testing.T) {
	now := monday(10, 0, time.UTC)
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10}, now)
	c := newCampaign(3, 3, time.Minute)
	list := contacts(4)

	started := now.Add(-10 * time.Second)
	retryAt := now.Add(time.Minute)
	ended := now.Add(-time.Minute)
	existing := []domain.Call{
		{ID: uuid.New(), CampaignID: c.ID, ContactID: list[0].ID, Status: domain.CallStatusDialing, AttemptCount: 1, StartedAt: &started},
		{ID: uuid.New(), CampaignID: c.ID, ContactID: list[1].ID, Status: domain.CallStatusNoAnswer, AttemptCount: 1, RetryAt: &retryAt},
		{ID: uuid.New(), CampaignID: c.ID, ContactID: list[2].ID, Status: domain.CallStatusCompleted, AttemptCount: 1, EndedAt: &ended},
	}
	require.NoError(t, h.d.Register(context.Background(), c, list, existing))

	p := h.d.Progress(c.ID)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 2, p.Pending)
	assert.Equal(t, 1, p.InFlight)
	assert.Equal(t, 1, h.d.InFlight())

	// only the fresh contact is due; the restored dialing call holds a slot
	assert.Equal(t, 1, h.tick(t, c))
	assert.Equal(t, list[3].ID, h.call(t, h.gw.last().CallID).ContactID)

	require.NoError(t, h.d.OnOutcome(context.Background(), telephony.Handle{CallID: existing[0].ID, Attempt: 1}, domain.OutcomeCompleted))
	assert.Equal(t, domain.CallStatusCompleted, h.call(t, existing[0].ID).Status)

	err := h.d.Register(context.Background(), c, list, nil)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestAddContactsQueuesNewCalls(t *testing.T) {
	h := newHarness(t, config.DispatcherConfig{GlobalConcurrency: 10}, monday(10, 0, time.UTC))
	c := newCampaign(5, 1, time.Minute)
	list := contacts(2)
	h.register(t, c, list[:1])

	added, err := h.d.AddContacts(context.Background(), c.ID, list)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, list[1].ID, added[0].ContactID)

	assert.Equal(t, 2, h.tick(t, c))

	none, err := h.d.AddContacts(context.Background(), uuid.New(), list)
	require.NoError(t, err)
	assert.Nil(t, none)
}
