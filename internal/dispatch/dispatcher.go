package dispatch

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/outbound-orchestrator/internal/concurrency"
	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/events"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/telephony"
	"github.com/acme/outbound-orchestrator/internal/window"
)

// CampaignSource supplies the campaigns eligible for dispatch, in priority order.
type CampaignSource interface {
	ActiveCampaigns(ctx context.Context) iter.Seq2[*domain.Campaign, error]
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Gateway telephony.Gateway
	Calls   repository.CallStore
	Stats   repository.CampaignStatisticsRepository
	Events  events.Emitter
	Clock   window.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Dispatcher owns call admission. All call and retry state lives behind mu;
// an admission pass reads the counters, picks work and marks it dialing in a
// single critical section. Persistence and events produced by a critical
// section are applied afterwards, in the order the sections ran.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	gateway  telephony.Gateway
	calls    repository.CallStore
	stats    repository.CampaignStatisticsRepository
	events   events.Emitter
	clock    window.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	counters *concurrency.Counters
	limiter  *rate.Limiter

	mu        sync.Mutex
	campaigns map[uuid.UUID]*campaignState
	index     map[uuid.UUID]uuid.UUID

	applyMu sync.Mutex
	jobs    chan dialJob
	wake    chan struct{}
}

type dialJob struct {
	req  telephony.PlaceCallRequest
	kind string
}

// New constructs a dispatcher.
func New(cfg config.DispatcherConfig, deps Deps) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DialRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DialRate), max(cfg.DialBurst, 1))
	}

	buffer := cfg.GlobalConcurrency
	if buffer <= 0 {
		buffer = 1024
	}

	return &Dispatcher{
		cfg:       cfg,
		gateway:   deps.Gateway,
		calls:     deps.Calls,
		stats:     deps.Stats,
		events:    deps.Events,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		counters:  concurrency.NewCounters(cfg.GlobalConcurrency),
		limiter:   limiter,
		campaigns: make(map[uuid.UUID]*campaignState),
		index:     make(map[uuid.UUID]uuid.UUID),
		jobs:      make(chan dialJob, buffer),
		wake:      make(chan struct{}, 1),
	}
}

// Wake requests an admission pass without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the global number of dialing and in-progress calls.
func (d *Dispatcher) InFlight() int {
	return d.counters.Global()
}

// Run starts the dial workers and the admission loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, source CampaignSource) error {
	interval := d.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for i := 0; i < max(d.cfg.Workers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.jobs:
					d.dial(ctx, job)
				}
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx, source.ActiveCampaigns(ctx)); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Tick runs one admission pass over campaigns, which must be in priority
// order, and returns the number of attempts handed to the dial workers.
func (d *Dispatcher) Tick(ctx context.Context, campaigns iter.Seq2[*domain.Campaign, error]) (int, error) {
	tracer := otel.Tracer("outbound.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	var snapshot []*domain.Campaign
	for c, err := range campaigns {
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("dispatcher: active campaigns: %w", err)
		}
		snapshot = append(snapshot, c)
	}

	started := time.Now()
	fx := &effects{}

	d.mu.Lock()
	now := d.clock.Now()
	d.sweepLocked(now, fx)
	for _, c := range snapshot {
		d.admitLocked(c, now, fx)
	}
	d.metrics.CallsInFlight.Set(float64(d.counters.Global()))
	d.finish(ctx, fx)

	d.metrics.DispatchTickSeconds.Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.Int("campaign.count", len(snapshot)),
		attribute.Int("calls.admitted", len(fx.jobs)),
	)
	return len(fx.jobs), nil
}

func (d *Dispatcher) admitLocked(c *domain.Campaign, now time.Time, fx *effects) {
	st, ok := d.campaigns[c.ID]
	if !ok || st.paused || st.stopped() {
		return
	}
	st.limit = c.MaxConcurrentCalls
	st.policy = c.RetryPolicy

	if !window.IsWithinWindow(c.Schedule, now) {
		return
	}

	want := st.retries.Due(now) + len(st.queued)
	if want == 0 {
		return
	}
	granted := d.counters.Reserve(c.ID, st.limit, want)
	if granted == 0 {
		return
	}

	tasks := st.retries.PopDue(now, granted)
	retried := len(tasks)
	ids := make([]uuid.UUID, 0, granted)
	for _, task := range tasks {
		ids = append(ids, task.CallID)
	}
	take := min(granted-retried, len(st.queued))
	ids = append(ids, st.queued[:take]...)
	st.queued = st.queued[take:]

	for i, id := range ids {
		kind, attempt := "fresh", 0
		if i < retried {
			kind, attempt = "retry", tasks[i].Attempt
		}
		if err := d.startLocked(st, id, kind, attempt, now, fx); err != nil {
			d.logger.DPanic("dispatcher: refused admission",
				zap.String("campaign_id", st.id.String()),
				zap.String("call_id", id.String()),
				zap.Error(err),
			)
			if rerr := d.counters.Release(st.id); rerr != nil {
				d.logger.DPanic("dispatcher: release slot", zap.Error(rerr))
			}
		}
	}
}

// dial hands one admitted attempt to the gateway. A gateway error is a
// retryable provider-error outcome for that attempt.
func (d *Dispatcher) dial(ctx context.Context, job dialJob) {
	tracer := otel.Tracer("outbound.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.dial", trace.WithAttributes(
		attribute.String("call.id", job.req.CallID.String()),
		attribute.String("campaign.id", job.req.CampaignID.String()),
		attribute.Int("attempt", job.req.Attempt),
		attribute.String("kind", job.kind),
	))
	defer span.End()

	// on shutdown the attempt stays dialing until the timeout sweep resolves it
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	timeout := d.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	handle, err := d.gateway.PlaceCall(callCtx, job.req)
	cancel()

	if err != nil {
		span.RecordError(err)
		d.logger.Warn("dispatcher: place call failed",
			zap.String("call_id", job.req.CallID.String()),
			zap.Int("attempt", job.req.Attempt),
			zap.Error(err),
		)
		h := telephony.Handle{CallID: job.req.CallID, Attempt: job.req.Attempt}
		if rerr := d.resolve(ctx, h, domain.OutcomeProviderError, err.Error()); rerr != nil {
			d.logger.Error("dispatcher: record provider error", zap.Error(rerr))
		}
		return
	}

	d.logger.Debug("dispatcher: call placed",
		zap.String("call_id", job.req.CallID.String()),
		zap.Int("attempt", job.req.Attempt),
		zap.String("provider_ref", handle.ProviderRef),
	)
}

func (d *Dispatcher) submit(ctx context.Context, jobs []dialJob) {
	for _, job := range jobs {
		select {
		case d.jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}
