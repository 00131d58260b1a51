package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/events"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

type callEvent struct {
	typ     domain.EventType
	payload events.CallPayload
}

// effects collects the side effects of one critical section.
type effects struct {
	saves    []*domain.Call
	attempts []domain.CallAttempt
	events   []callEvent
	stats    map[uuid.UUID]repository.StatsDelta
	jobs     []dialJob
}

func (fx *effects) save(call *domain.Call) {
	fx.saves = append(fx.saves, call.Clone())
}

func (fx *effects) emit(t domain.EventType, call *domain.Call, at time.Time) {
	fx.events = append(fx.events, callEvent{typ: t, payload: events.NewCallPayload(call, at)})
}

func (fx *effects) count(campaignID uuid.UUID, delta repository.StatsDelta) {
	if fx.stats == nil {
		fx.stats = make(map[uuid.UUID]repository.StatsDelta)
	}
	cur := fx.stats[campaignID]
	cur.Add(delta)
	fx.stats[campaignID] = cur
}

// finish must be called with d.mu held. It releases the lock, applies fx and
// hands admitted attempts to the dial workers. applyMu is taken before mu is
// released so effects land in critical-section order.
func (d *Dispatcher) finish(ctx context.Context, fx *effects) {
	d.applyMu.Lock()
	d.mu.Unlock()
	d.apply(context.WithoutCancel(ctx), fx)
	d.applyMu.Unlock()
	d.submit(ctx, fx.jobs)
}

func (d *Dispatcher) apply(ctx context.Context, fx *effects) {
	for _, call := range fx.saves {
		if err := d.calls.SaveCall(ctx, call); err != nil {
			d.logger.Error("dispatcher: save call",
				zap.String("call_id", call.ID.String()),
				zap.String("status", string(call.Status)),
				zap.Error(err),
			)
		}
	}
	for _, attempt := range fx.attempts {
		if err := d.calls.AppendAttempt(ctx, attempt); err != nil {
			d.logger.Error("dispatcher: append attempt",
				zap.String("call_id", attempt.CallID.String()),
				zap.Int("attempt", attempt.AttemptNum),
				zap.Error(err),
			)
		}
	}
	for campaignID, delta := range fx.stats {
		if delta.IsZero() {
			continue
		}
		if err := d.stats.ApplyDelta(ctx, campaignID, delta); err != nil {
			d.logger.Warn("dispatcher: apply stats delta", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		}
	}
	for _, ev := range fx.events {
		if _, err := d.events.Emit(ctx, ev.typ, ev.payload); err != nil {
			d.logger.Error("dispatcher: emit event",
				zap.String("type", string(ev.typ)),
				zap.String("call_id", ev.payload.CallID.String()),
				zap.Error(err),
			)
		}
	}
}
