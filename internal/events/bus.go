package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, t domain.EventType, payload any) (*domain.Event, error)
}

// Publisher mirrors events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// Bus appends events to the durable log and then fans them out to webhook
// subscriptions. An event whose fan-out did not finish stays undispatched in
// the log and is picked up again by Replay.
type Bus struct {
	log        repository.EventLog
	subs       repository.SubscriptionRepository
	deliveries repository.DeliveryRepository
	mirror     Publisher
	clock      window.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	replayAfter time.Duration
	notify      func()
}

// Option customises a Bus.
type Option func(*Bus)

// WithMirror mirrors every dispatched event to p.
func WithMirror(p Publisher) Option {
	return func(b *Bus) { b.mirror = p }
}

// WithNotify registers a callback run after new delivery attempts exist.
func WithNotify(fn func()) Option {
	return func(b *Bus) { b.notify = fn }
}

// WithReplayAfter sets how old an undispatched event must be before Replay
// takes it over.
func WithReplayAfter(d time.Duration) Option {
	return func(b *Bus) { b.replayAfter = d }
}

// NewBus constructs an event bus.
func NewBus(
	log repository.EventLog,
	subs repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	clock window.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Bus {
	b := &Bus{
		log:         log,
		subs:        subs,
		deliveries:  deliveries,
		clock:       clock,
		logger:      logger,
		metrics:     m,
		replayAfter: time.Minute,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetNotify replaces the fan-out callback.
func (b *Bus) SetNotify(fn func()) {
	b.notify = fn
}

// Emit records an event and fans it out. The event is durable once Emit
// returns without error, even if fan-out has to be replayed later.
func (b *Bus) Emit(ctx context.Context, t domain.EventType, payload any) (*domain.Event, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: unknown event type %q", apperrors.ErrValidation, t)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event bus: marshal %s: %w", t, err)
	}

	ev := &domain.Event{
		ID:        uuid.New(),
		Type:      t,
		Payload:   raw,
		CreatedAt: b.clock.Now(),
	}
	if err := b.log.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("event bus: append %s: %w", t, err)
	}
	b.metrics.EventsEmitted.WithLabelValues(string(t)).Inc()

	if err := b.fanOut(ctx, ev); err != nil {
		b.logger.Warn("event bus: fan-out deferred to replay",
			zap.String("event_id", ev.ID.String()),
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
	return ev, nil
}

func (b *Bus) fanOut(ctx context.Context, ev *domain.Event) error {
	subs, err := b.subs.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	now := b.clock.Now()
	var attempts []*domain.DeliveryAttempt
	for _, sub := range subs {
		if !sub.Subscribes(ev.Type) {
			continue
		}
		attempts = append(attempts, &domain.DeliveryAttempt{
			ID:             uuid.New(),
			EventID:        ev.ID,
			SubscriptionID: sub.ID,
			Attempt:        1,
			Status:         domain.DeliveryPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if len(attempts) > 0 {
		if err := b.deliveries.CreateBatch(ctx, attempts); err != nil {
			return fmt.Errorf("create deliveries: %w", err)
		}
	}

	if b.mirror != nil {
		if err := b.mirror.Publish(ctx, ev); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}

	if err := b.log.MarkDispatched(ctx, ev.ID, now); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}

	if len(attempts) > 0 && b.notify != nil {
		b.notify()
	}
	return nil
}

// Replay fans out events left undispatched by an earlier failure or crash.
func (b *Bus) Replay(ctx context.Context, limit int) (int, error) {
	cutoff := b.clock.Now().Add(-b.replayAfter)
	pending, err := b.log.ListUndispatched(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("event bus: list undispatched: %w", err)
	}

	done := 0
	for _, ev := range pending {
		if err := b.fanOut(ctx, ev); err != nil {
			b.logger.Warn("event bus: replay failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// RunReplay sweeps undispatched events until ctx is cancelled.
func (b *Bus) RunReplay(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := b.Replay(ctx, 500)
		if err != nil && ctx.Err() == nil {
			b.logger.Error("event bus: replay sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			b.logger.Info("event bus: replayed events", zap.Int("count", n))
		}
	}
}
