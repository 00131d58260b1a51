package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/retry"
	"github.com/acme/outbound-orchestrator/internal/telephony"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// startLocked moves a call to dialing and queues its gateway invocation.
// The caller has already reserved the slot. A non-zero attempt must be the
// number the call's next attempt would get.
func (d *Dispatcher) startLocked(st *campaignState, id uuid.UUID, kind string, attempt int, now time.Time, fx *effects) error {
	call, ok := st.calls[id]
	if !ok {
		return fmt.Errorf("%w: call %s is not tracked", apperrors.ErrInvariant, id)
	}
	if call.Status.Live() {
		return fmt.Errorf("%w: call %s admitted twice", apperrors.ErrInvariant, id)
	}
	if attempt != 0 && attempt != call.AttemptCount+1 {
		return fmt.Errorf("%w: call %s retry scheduled for attempt %d after %d attempts", apperrors.ErrInvariant, id, attempt, call.AttemptCount)
	}
	if call.AttemptCount >= st.policy.MaxAttempts {
		return fmt.Errorf("%w: call %s would exceed %d attempts", apperrors.ErrInvariant, id, st.policy.MaxAttempts)
	}

	started := now
	call.AttemptCount++
	call.Status = domain.CallStatusDialing
	call.Outcome = ""
	call.StartedAt = &started
	call.EndedAt = nil
	call.RetryAt = nil
	call.UpdatedAt = now
	st.live[call.ID] = struct{}{}

	fx.save(call)
	fx.emit(domain.EventCallStarted, call, now)
	fx.count(st.id, repository.StatsDelta{QueuedCallsDelta: -1, InProgressCallsDelta: 1, DispatchesDelta: 1})
	fx.jobs = append(fx.jobs, dialJob{
		kind: kind,
		req: telephony.PlaceCallRequest{
			CallID:          call.ID,
			CampaignID:      call.CampaignID,
			Attempt:         call.AttemptCount,
			PhoneNumber:     call.PhoneNumber,
			TemplateContext: call.Clone().Variables,
		},
	})
	d.metrics.CallsDispatched.WithLabelValues(kind).Inc()
	return nil
}

// OnAnswered implements telephony.OutcomeSink.
func (d *Dispatcher) OnAnswered(ctx context.Context, h telephony.Handle) error {
	fx := &effects{}

	d.mu.Lock()
	_, call, err := d.lookupLocked(h.CallID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if call.Status != domain.CallStatusDialing || call.AttemptCount != h.Attempt {
		d.mu.Unlock()
		d.logger.Info("dispatcher: ignoring stale answer",
			zap.String("call_id", h.CallID.String()),
			zap.Int("attempt", h.Attempt),
			zap.String("status", string(call.Status)),
		)
		return nil
	}

	now := d.clock.Now()
	call.Status = domain.CallStatusInProgress
	call.UpdatedAt = now
	fx.save(call)
	fx.emit(domain.EventCallAnswered, call, now)
	d.finish(ctx, fx)
	return nil
}

// OnOutcome implements telephony.OutcomeSink.
func (d *Dispatcher) OnOutcome(ctx context.Context, h telephony.Handle, outcome domain.Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, outcome)
	}
	return d.resolve(ctx, h, outcome, "")
}

func (d *Dispatcher) resolve(ctx context.Context, h telephony.Handle, outcome domain.Outcome, errMsg string) error {
	tracer := otel.Tracer("outbound.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.outcome", trace.WithAttributes(
		attribute.String("call.id", h.CallID.String()),
		attribute.Int("attempt", h.Attempt),
		attribute.String("outcome", string(outcome)),
	))
	defer span.End()

	fx := &effects{}

	d.mu.Lock()
	st, call, err := d.lookupLocked(h.CallID)
	if err != nil {
		d.mu.Unlock()
		span.RecordError(err)
		return err
	}
	if !call.Status.Live() || call.AttemptCount != h.Attempt {
		d.mu.Unlock()
		d.logger.Info("dispatcher: ignoring stale outcome",
			zap.String("call_id", h.CallID.String()),
			zap.Int("attempt", h.Attempt),
			zap.Int("current_attempt", call.AttemptCount),
			zap.String("status", string(call.Status)),
			zap.String("outcome", string(outcome)),
		)
		return nil
	}

	d.resolveLocked(st, call, outcome, errMsg, d.clock.Now(), fx)
	d.metrics.CallsInFlight.Set(float64(d.counters.Global()))
	d.finish(ctx, fx)

	d.Wake()
	return nil
}

// resolveLocked records the outcome of the call's current attempt, frees its
// slot and either schedules the next attempt or finishes the call.
func (d *Dispatcher) resolveLocked(st *campaignState, call *domain.Call, outcome domain.Outcome, errMsg string, now time.Time, fx *effects) {
	started := now
	if call.StartedAt != nil {
		started = *call.StartedAt
	}
	fx.attempts = append(fx.attempts, domain.CallAttempt{
		CallID:     call.ID,
		AttemptNum: call.AttemptCount,
		Outcome:    outcome,
		Error:      errMsg,
		StartedAt:  started,
		EndedAt:    now,
	})

	delete(st.live, call.ID)
	if err := d.counters.Release(st.id); err != nil {
		d.logger.DPanic("dispatcher: release slot", zap.String("call_id", call.ID.String()), zap.Error(err))
	}
	d.metrics.CallOutcomes.WithLabelValues(string(outcome)).Inc()

	decision := retry.Decide(call, outcome, st.policy, now)
	call.Outcome = outcome
	call.Status = decision.Status
	call.UpdatedAt = now
	if errMsg != "" {
		call.LastError = &errMsg
	}

	delta := repository.StatsDelta{InProgressCallsDelta: -1}
	if decision.Retry && !st.stopped() {
		at := decision.RetryAt
		call.RetryAt = &at
		call.ScheduledAt = at
		st.retries.Push(at, domain.NextAttempt(call))
		delta.QueuedCallsDelta = 1
		delta.RetriesScheduledDelta = 1
		d.metrics.RetriesScheduled.Inc()
		fx.emit(domain.EventCallRetryScheduled, call, now)
	} else {
		if decision.Retry {
			// campaign stopped while the attempt was live
			call.Status = domain.CallStatusFailed
		}
		ended := now
		call.RetryAt = nil
		call.EndedAt = &ended
		switch call.Status {
		case domain.CallStatusCompleted:
			delta.CompletedCallsDelta = 1
			fx.emit(domain.EventCallCompleted, call, now)
		case domain.CallStatusCancelled:
			delta.CancelledCallsDelta = 1
			fx.emit(domain.EventCallCancelled, call, now)
		default:
			delta.FailedCallsDelta = 1
			fx.emit(domain.EventCallFailed, call, now)
		}
	}
	fx.save(call)
	fx.count(st.id, delta)

	if st.cancelled && len(st.live) == 0 && st.pending() == 0 {
		d.forgetLocked(st)
	}
}

// sweepLocked treats attempts left dialing past the dial timeout as a
// retryable timeout outcome.
func (d *Dispatcher) sweepLocked(now time.Time, fx *effects) {
	if d.cfg.DialTimeout <= 0 {
		return
	}
	for _, st := range d.campaigns {
		for id := range st.live {
			call := st.calls[id]
			if call.Status != domain.CallStatusDialing || call.StartedAt == nil {
				continue
			}
			if now.Sub(*call.StartedAt) < d.cfg.DialTimeout {
				continue
			}
			d.logger.Warn("dispatcher: dial timed out",
				zap.String("call_id", id.String()),
				zap.Int("attempt", call.AttemptCount),
				zap.Duration("dial_timeout", d.cfg.DialTimeout),
			)
			d.metrics.DialTimeouts.Inc()
			d.resolveLocked(st, call, domain.OutcomeTimeout, "dial timeout", now, fx)
		}
	}
}
