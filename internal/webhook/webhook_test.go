package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

type received struct {
	header http.Header
	body   []byte
}

// receiver is a subscriber endpoint that answers with the queued status
// codes and 200 once they run out.
type receiver struct {
	mu       sync.Mutex
	statuses []int
	requests []received
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, received{header: req.Header.Clone(), body: body})
	status := http.StatusOK
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	r.mu.Unlock()
	w.WriteHeader(status)
}

func (r *receiver) got() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.requests...)
}

type fixture struct {
	svc        *Service
	deliverer  *Deliverer
	bus        *events.Bus
	subs       *memory.SubscriptionRepository
	deliveries *memory.DeliveryRepository
	log        *memory.EventLog
	clock      *window.ManualClock
	server     *httptest.Server
	receiver   *receiver
	notified   int
}

func newFixture(t *testing.T, maxAttempts int, statuses ...int) *fixture {
	t.Helper()
	f := &fixture{
		subs:       memory.NewSubscriptionRepository(),
		deliveries: memory.NewDeliveryRepository(),
		log:        memory.NewEventLog(),
		clock:      window.NewManualClock(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)),
		receiver:   &receiver{statuses: statuses},
	}
	f.server = httptest.NewServer(f.receiver)
	t.Cleanup(f.server.Close)

	m := metrics.New()
	f.bus = events.NewBus(f.log, f.subs, f.deliveries, f.clock, zap.NewNop(), m)
	f.deliverer = NewDeliverer(config.WebhookConfig{
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		MaxAttempts:    maxAttempts,
		RequestTimeout: 5 * time.Second,
		ClaimLease:     time.Minute,
		BatchSize:      10,
		UserAgent:      "hooks-test",
	}, f.deliveries, f.subs, f.log, f.server.Client(), f.clock, zap.NewNop(), m)
	f.svc = NewService(f.subs, f.deliveries, f.bus, f.clock, zap.NewNop(), func() { f.notified++ })
	return f
}

func (f *fixture) register(t *testing.T, in RegisterInput) *domain.WebhookSubscription {
	t.Helper()
	if in.URL == "" {
		in.URL = f.server.URL + "/hooks"
	}
	sub, err := f.svc.Register(context.Background(), in)
	require.NoError(t, err)
	return sub
}

func (f *fixture) onlyDelivery(t *testing.T) *domain.DeliveryAttempt {
	t.Helper()
	list, err := f.deliveries.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestDeliveryRetriesWithBackoffUntilAccepted(t *testing.T) {
	f := newFixture(t, 5, http.StatusInternalServerError, http.StatusBadGateway)
	ctx := context.Background()

	sub := f.register(t, RegisterInput{
		EventTypes: []domain.EventType{domain.EventCallCompleted},
		Secret:     "topsecret",
		Headers:    map[string]string{"X-Tenant": "acme"},
	})
	ev, err := f.bus.Emit(ctx, domain.EventCallCompleted, map[string]string{"call_id": "c-1"})
	require.NoError(t, err)

	n, err := f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := f.onlyDelivery(t)
	assert.Equal(t, domain.DeliveryPending, a.Status)
	assert.Equal(t, 2, a.Attempt)
	assert.Equal(t, http.StatusInternalServerError, a.LastStatusCode)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), a.NextAttemptAt)

	n, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "attempt is not due before its backoff elapses")

	f.clock.Advance(2 * time.Second)
	_, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	a = f.onlyDelivery(t)
	assert.Equal(t, 3, a.Attempt)
	assert.Equal(t, f.clock.Now().Add(4*time.Second), a.NextAttemptAt)

	f.clock.Advance(4 * time.Second)
	_, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	a = f.onlyDelivery(t)
	assert.Equal(t, domain.DeliveryDelivered, a.Status)
	assert.Equal(t, http.StatusOK, a.LastStatusCode)
	require.NotNil(t, a.DeliveredAt)

	reqs := f.receiver.got()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.True(t, Verify("topsecret", r.body, r.header.Get(HeaderSignature)), "request %d signature", i)
		assert.Equal(t, ev.ID.String(), r.header.Get(HeaderEventID))
		assert.Equal(t, string(domain.EventCallCompleted), r.header.Get(HeaderEventType))
		assert.Equal(t, sub.ID.String(), r.header.Get(HeaderWebhookID))
		assert.Equal(t, "acme", r.header.Get("X-Tenant"))
		assert.Equal(t, "hooks-test", r.header.Get("User-Agent"))
	}
	assert.Equal(t, "3", reqs[2].header.Get(HeaderAttempt))

	var env Envelope
	require.NoError(t, json.Unmarshal(reqs[0].body, &env))
	assert.Equal(t, ev.ID, env.ID)
	assert.Equal(t, domain.EventCallCompleted, env.Type)
	assert.JSONEq(t, `{"call_id":"c-1"}`, string(env.Data))

	stored, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastTriggeredAt)
}

func TestDeliveryFailsAfterMaxAttemptsAndCanBeRedriven(t *testing.T) {
	f := newFixture(t, 2, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	ctx := context.Background()

	f.register(t, RegisterInput{EventTypes: []domain.EventType{domain.EventCampaignCompleted}})
	_, err := f.bus.Emit(ctx, domain.EventCampaignCompleted, map[string]string{"campaign_id": "x"})
	require.NoError(t, err)

	_, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)
	_, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)

	a := f.onlyDelivery(t)
	assert.Equal(t, domain.DeliveryFailed, a.Status)
	assert.Equal(t, http.StatusServiceUnavailable, a.LastStatusCode)
	assert.Contains(t, a.LastError, "503")

	failed, err := f.svc.ListDeliveries(ctx, domain.DeliveryFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	redriven, err := f.svc.Redrive(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, redriven.Status)
	assert.Equal(t, 1, f.notified)

	_, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, f.onlyDelivery(t).Status)
	assert.Len(t, f.receiver.got(), 3)

	_, err = f.svc.Redrive(ctx, a.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestExpiredClaimIsRedeliveredWithSameEventID(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	sub := f.register(t, RegisterInput{EventTypes: []domain.EventType{domain.EventCallStarted}})
	ev, err := f.bus.Emit(ctx, domain.EventCallStarted, map[string]string{"call_id": "c-2"})
	require.NoError(t, err)

	// a worker claims and sends, then dies before recording the result
	claimed, err := f.deliveries.ClaimDue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	code, err := f.deliverer.post(ctx, sub, ev, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	n, err := f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still leased")

	f.clock.Advance(time.Minute + time.Second)
	n, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.DeliveryDelivered, f.onlyDelivery(t).Status)

	reqs := f.receiver.got()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].header.Get(HeaderEventID), reqs[1].header.Get(HeaderEventID))
}

func TestDeliveryToDeletedSubscriptionFails(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	sub := f.register(t, RegisterInput{EventTypes: []domain.EventType{domain.EventCallFailed}})
	_, err := f.bus.Emit(ctx, domain.EventCallFailed, map[string]string{"call_id": "c-3"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, sub.ID))

	_, err = f.deliverer.DeliverDue(ctx)
	require.NoError(t, err)

	a := f.onlyDelivery(t)
	assert.Equal(t, domain.DeliveryFailed, a.Status)
	assert.Equal(t, "subscription deleted", a.LastError)
	assert.Empty(t, f.receiver.got())
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	cases := []struct {
		name string
		in   RegisterInput
	}{
		{"missing url", RegisterInput{}},
		{"bad scheme", RegisterInput{URL: "ftp://hooks.example.com"}},
		{"no host", RegisterInput{URL: "https://"}},
		{"unknown event", RegisterInput{URL: "https://hooks.example.com", EventTypes: []domain.EventType{"call.exploded"}}},
		{"reserved header", RegisterInput{URL: "https://hooks.example.com", Headers: map[string]string{"x-signature": "forged"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, tc.in)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestRegisterDefaults(t *testing.T) {
	f := newFixture(t, 5)

	all := f.register(t, RegisterInput{URL: "https://hooks.example.com/all"})
	assert.ElementsMatch(t, domain.EventTypes(), all.EventTypes)
	assert.Len(t, all.Secret, 64)
	assert.True(t, all.Active)

	inactive := false
	deduped := f.register(t, RegisterInput{
		URL:        "https://hooks.example.com/calls",
		EventTypes: []domain.EventType{domain.EventCallFailed, domain.EventCallFailed, domain.EventCallCompleted},
		Active:     &inactive,
	})
	assert.Equal(t, []domain.EventType{domain.EventCallFailed, domain.EventCallCompleted}, deduped.EventTypes)
	assert.False(t, deduped.Active)
	assert.NotEqual(t, all.Secret, deduped.Secret)
}

func TestListFiltersByEventType(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	calls := f.register(t, RegisterInput{URL: "https://hooks.example.com/calls", EventTypes: []domain.EventType{domain.EventCallCompleted}})
	f.register(t, RegisterInput{URL: "https://hooks.example.com/campaigns", EventTypes: []domain.EventType{domain.EventCampaignStarted}})

	list, err := f.svc.List(ctx, domain.EventCallCompleted)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, calls.ID, list[0].ID)

	list, err = f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.svc.List(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTriggerDefaultsToTestEvent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	sub := f.register(t, RegisterInput{EventTypes: []domain.EventType{domain.EventWebhookTest}})
	f.register(t, RegisterInput{URL: "https://hooks.example.com/other", EventTypes: []domain.EventType{domain.EventCallStarted}})

	ev, err := f.svc.Trigger(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EventWebhookTest, ev.Type)

	a := f.onlyDelivery(t)
	assert.Equal(t, sub.ID, a.SubscriptionID)

	_, err = f.svc.Trigger(ctx, "bogus.event", nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.Trigger(ctx, domain.EventWebhookTest, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Len(t, f.svc.Catalogue(), len(domain.EventTypes()))
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"id":"1"}`)
	sig := Sign("k", body)
	assert.True(t, Verify("k", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("k", []byte(`{"id":"2"}`), sig))
	assert.False(t, Verify("k", body, "not-hex"))
}

func TestRunDeliversEachAttemptOnceWithSlowReceiver(t *testing.T) {
	var mu sync.Mutex
	posts := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		mu.Lock()
		posts[r.Header.Get(HeaderDelivery)]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	clock := window.SystemClock{}
	subs := memory.NewSubscriptionRepository()
	deliveries := memory.NewDeliveryRepository()
	eventLog := memory.NewEventLog()
	m := metrics.New()
	bus := events.NewBus(eventLog, subs, deliveries, clock, zap.NewNop(), m)
	svc := NewService(subs, deliveries, bus, clock, zap.NewNop(), nil)
	deliverer := NewDeliverer(config.WebhookConfig{
		Workers:        2,
		BatchSize:      10,
		PollInterval:   20 * time.Millisecond,
		RequestTimeout: 350 * time.Millisecond,
		ClaimLease:     400 * time.Millisecond,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		MaxAttempts:    3,
	}, deliveries, subs, eventLog, server.Client(), clock, zap.NewNop(), m)

	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{
		URL:        server.URL + "/hooks",
		EventTypes: []domain.EventType{domain.EventWebhookTest},
	})
	require.NoError(t, err)

	const total = 20
	for i := 0; i < total; i++ {
		_, err := svc.Trigger(ctx, "", nil)
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- deliverer.Run(runCtx) }()

	require.Eventually(t, func() bool {
		delivered, err := deliveries.List(ctx, domain.DeliveryDelivered, 0)
		return err == nil && len(delivered) == total
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("deliverer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posts, total)
	for id, n := range posts {
		assert.Equal(t, 1, n, "delivery %s was posted %d times", id, n)
	}
}
