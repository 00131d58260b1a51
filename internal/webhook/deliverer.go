package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/retry"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

const maxResponseBody = 64 << 10

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID        uuid.UUID        `json:"id"`
	Type      domain.EventType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Data      json.RawMessage  `json:"data"`
}

// Deliverer POSTs pending delivery attempts to their subscribers, retrying
// with exponential backoff. Delivery is at least once: a receiver must
// deduplicate on the event id.
type Deliverer struct {
	cfg        config.WebhookConfig
	deliveries repository.DeliveryRepository
	subs       repository.SubscriptionRepository
	events     repository.EventLog
	client     *http.Client
	policy     retry.Policy
	clock      window.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics
	wake       chan struct{}
}

// NewDeliverer constructs a deliverer. client may be nil.
func NewDeliverer(
	cfg config.WebhookConfig,
	deliveries repository.DeliveryRepository,
	subs repository.SubscriptionRepository,
	eventLog repository.EventLog,
	client *http.Client,
	clock window.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Deliverer {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * cfg.RequestTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "outbound-orchestrator-webhooks/1.0"
	}
	return &Deliverer{
		cfg:        cfg,
		deliveries: deliveries,
		subs:       subs,
		events:     eventLog,
		client:     client,
		policy:     retry.Exponential{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		clock:      clock,
		logger:     logger,
		metrics:    m,
		wake:       make(chan struct{}, 1),
	}
}

// Notify wakes the poller without waiting for the next interval.
func (d *Deliverer) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls for due attempts and delivers them on up to Workers goroutines
// until ctx is cancelled. A pass claims no more attempts than there are idle
// workers, so a claim is never left waiting in memory while its lease runs
// out.
func (d *Deliverer) Run(ctx context.Context) error {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	slots := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Only this loop fills slots, so the free count can only grow
		// until the next acquisition.
		if idle := min(d.cfg.Workers-len(slots), d.cfg.BatchSize); idle > 0 {
			claimed, err := d.claim(ctx, idle)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("webhook deliverer: claim failed", zap.Error(err))
			}
			for _, a := range claimed {
				slots <- struct{}{}
				wg.Add(1)
				go func(a *domain.DeliveryAttempt) {
					defer wg.Done()
					d.deliver(ctx, a)
					<-slots
					d.Notify()
				}(a)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DeliverDue claims one batch of due attempts and delivers them one after
// another. It returns the number of attempts processed.
func (d *Deliverer) DeliverDue(ctx context.Context) (int, error) {
	claimed, err := d.claim(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, a := range claimed {
		d.deliver(ctx, a)
	}
	return len(claimed), nil
}

func (d *Deliverer) claim(ctx context.Context, limit int) ([]*domain.DeliveryAttempt, error) {
	now := d.clock.Now()
	released, err := d.deliveries.ReleaseStale(ctx, now.Add(-d.cfg.ClaimLease))
	if err != nil {
		return nil, fmt.Errorf("webhook deliverer: release stale: %w", err)
	}
	if released > 0 {
		d.metrics.WebhookAttemptsReleased.Add(float64(released))
		d.logger.Warn("webhook deliverer: released expired claims", zap.Int("count", released))
	}

	claimed, err := d.deliveries.ClaimDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook deliverer: claim due: %w", err)
	}
	return claimed, nil
}

func (d *Deliverer) deliver(ctx context.Context, a *domain.DeliveryAttempt) {
	tracer := otel.Tracer("outbound.webhook")
	ctx, span := tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("delivery.id", a.ID.String()),
		attribute.String("event.id", a.EventID.String()),
		attribute.Int("attempt", a.Attempt),
	))
	defer span.End()

	sub, err := d.subs.Get(ctx, a.SubscriptionID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		d.fail(ctx, a, 0, "subscription deleted")
		return
	case err != nil:
		span.RecordError(err)
		d.retryLater(ctx, a, 0, err.Error())
		return
	case !sub.Active:
		d.fail(ctx, a, 0, "subscription inactive")
		return
	}

	ev, err := d.events.Get(ctx, a.EventID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		d.fail(ctx, a, 0, "event not found")
		return
	case err != nil:
		span.RecordError(err)
		d.retryLater(ctx, a, 0, err.Error())
		return
	}

	started := time.Now()
	code, err := d.post(ctx, sub, ev, a)
	d.metrics.WebhookDeliverySeconds.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", code))

	if err == nil && code >= 200 && code < 300 {
		now := d.clock.Now()
		if err := d.deliveries.MarkDelivered(ctx, a.ID, code, now); err != nil {
			span.RecordError(err)
			d.logger.Error("webhook deliverer: mark delivered", zap.String("delivery_id", a.ID.String()), zap.Error(err))
			return
		}
		if err := d.subs.Touch(ctx, sub.ID, now); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			d.logger.Warn("webhook deliverer: touch subscription", zap.String("webhook_id", sub.ID.String()), zap.Error(err))
		}
		d.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.logger.Debug("webhook delivered",
			zap.String("delivery_id", a.ID.String()),
			zap.String("event_type", string(ev.Type)),
			zap.Int("attempt", a.Attempt),
			zap.Int("status", code),
		)
		return
	}

	msg := fmt.Sprintf("unexpected status %d", code)
	if err != nil {
		msg = err.Error()
		span.RecordError(err)
	}
	d.retryLater(ctx, a, code, msg)
}

// post sends one signed request and returns the response status.
func (d *Deliverer) post(ctx context.Context, sub *domain.WebhookSubscription, ev *domain.Event, a *domain.DeliveryAttempt) (int, error) {
	body, err := json.Marshal(Envelope{
		ID:        ev.ID,
		Type:      ev.Type,
		CreatedAt: ev.CreatedAt,
		Data:      ev.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEventID, ev.ID.String())
	req.Header.Set(HeaderEventType, string(ev.Type))
	req.Header.Set(HeaderWebhookID, sub.ID.String())
	req.Header.Set(HeaderDelivery, a.ID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(a.Attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, nil
}

func (d *Deliverer) retryLater(ctx context.Context, a *domain.DeliveryAttempt, code int, msg string) {
	now := d.clock.Now()
	next, ok := retry.Next(d.policy, d.cfg.MaxAttempts, a.Attempt, now)
	if !ok {
		d.fail(ctx, a, code, msg)
		return
	}
	if err := d.deliveries.Reschedule(ctx, a.ID, a.Attempt+1, next, code, msg); err != nil {
		d.logger.Error("webhook deliverer: reschedule", zap.String("delivery_id", a.ID.String()), zap.Error(err))
		return
	}
	d.metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
	d.logger.Info("webhook delivery will be retried",
		zap.String("delivery_id", a.ID.String()),
		zap.Int("attempt", a.Attempt),
		zap.Time("next_attempt_at", next),
		zap.String("error", msg),
	)
}

func (d *Deliverer) fail(ctx context.Context, a *domain.DeliveryAttempt, code int, msg string) {
	if err := d.deliveries.MarkFailed(ctx, a.ID, code, msg, d.clock.Now()); err != nil {
		d.logger.Error("webhook deliverer: mark failed", zap.String("delivery_id", a.ID.String()), zap.Error(err))
		return
	}
	d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.logger.Error("webhook delivery failed permanently",
		zap.String("delivery_id", a.ID.String()),
		zap.String("event_id", a.EventID.String()),
		zap.String("webhook_id", a.SubscriptionID.String()),
		zap.Int("attempt", a.Attempt),
		zap.Int("status", code),
		zap.String("error", msg),
	)
}
