package dispatch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/retry"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

type campaignState struct {
	id      uuid.UUID
	limit   int
	policy  domain.RetryPolicy
	calls   map[uuid.UUID]*domain.Call
	queued  []uuid.UUID
	retries retry.Queue[domain.RetryTask]
	live    map[uuid.UUID]struct{}

	paused    bool
	cancelled bool
	draining  bool
}

func newCampaignState(c *domain.Campaign) *campaignState {
	return &campaignState{
		id:     c.ID,
		limit:  c.MaxConcurrentCalls,
		policy: c.RetryPolicy,
		calls:  make(map[uuid.UUID]*domain.Call),
		live:   make(map[uuid.UUID]struct{}),
		paused: c.Status == domain.CampaignStatusPaused,
	}
}

func (st *campaignState) stopped() bool {
	return st.cancelled || st.draining
}

func (st *campaignState) pending() int {
	return len(st.queued) + st.retries.Len()
}

// Progress summarises a campaign's remaining work.
type Progress struct {
	Registered bool
	Total      int
	Pending    int
	InFlight   int
}

// Idle reports whether nothing is queued, awaiting retry or in flight.
func (p Progress) Idle() bool {
	return p.Pending == 0 && p.InFlight == 0
}

func newCall(campaignID uuid.UUID, contact domain.Contact, now time.Time) *domain.Call {
	return &domain.Call{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		ContactID:   contact.ID,
		PhoneNumber: contact.PhoneNumber,
		Variables:   contact.Variables,
		Status:      domain.CallStatusQueued,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Register starts tracking a campaign. Calls already persisted for it are
// restored by status, and every contact without a call gets a queued call.
// Live calls found here keep their concurrency slot until they resolve.
func (d *Dispatcher) Register(ctx context.Context, c *domain.Campaign, contacts []domain.Contact, existing []domain.Call) error {
	fx := &effects{}

	d.mu.Lock()
	if _, ok := d.campaigns[c.ID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: register %s: %w", c.ID, apperrors.ErrConflict)
	}

	st := newCampaignState(c)
	now := d.clock.Now()

	byContact := make(map[uuid.UUID]*domain.Call, len(existing))
	for i := range existing {
		call := existing[i].Clone()
		byContact[call.ContactID] = call
		d.trackLocked(st, call)
		switch {
		case call.Status.Live():
			st.live[call.ID] = struct{}{}
			d.counters.Restore(c.ID)
		case call.RetryAt != nil:
			st.retries.Push(*call.RetryAt, domain.NextAttempt(call))
		}
	}

	queued := make(map[uuid.UUID]bool)
	created := 0
	for _, contact := range contacts {
		if call, ok := byContact[contact.ID]; ok {
			if call.Status == domain.CallStatusQueued && call.RetryAt == nil && !queued[call.ID] {
				st.queued = append(st.queued, call.ID)
				queued[call.ID] = true
			}
			continue
		}
		call := newCall(c.ID, contact, now)
		d.trackLocked(st, call)
		byContact[contact.ID] = call
		st.queued = append(st.queued, call.ID)
		queued[call.ID] = true
		fx.save(call)
		created++
	}
	for i := range existing {
		call := st.calls[existing[i].ID]
		if call.Status == domain.CallStatusQueued && call.RetryAt == nil && !queued[call.ID] {
			st.queued = append(st.queued, call.ID)
			queued[call.ID] = true
		}
	}

	fx.count(c.ID, repository.StatsDelta{TotalCallsDelta: int64(created), QueuedCallsDelta: int64(created)})
	d.campaigns[c.ID] = st
	d.metrics.CallsInFlight.Set(float64(d.counters.Global()))
	d.finish(ctx, fx)

	d.logger.Info("dispatcher: campaign registered",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("calls_created", created),
		zap.Int("calls_restored", len(existing)),
	)
	d.Wake()
	return nil
}

func (d *Dispatcher) trackLocked(st *campaignState, call *domain.Call) {
	st.calls[call.ID] = call
	d.index[call.ID] = st.id
}

// AddContacts queues calls for contacts appended to a registered campaign.
// It returns nothing for a campaign that is not registered yet; those
// contacts are picked up when the campaign is registered.
func (d *Dispatcher) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) ([]*domain.Call, error) {
	fx := &effects{}

	d.mu.Lock()
	st, ok := d.campaigns[campaignID]
	if !ok {
		d.mu.Unlock()
		return nil, nil
	}
	if st.stopped() {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher: campaign %s no longer accepts calls: %w", campaignID, apperrors.ErrConflict)
	}

	known := make(map[uuid.UUID]bool, len(st.calls))
	for _, call := range st.calls {
		known[call.ContactID] = true
	}

	now := d.clock.Now()
	var out []*domain.Call
	for _, contact := range contacts {
		if known[contact.ID] {
			continue
		}
		known[contact.ID] = true
		call := newCall(campaignID, contact, now)
		d.trackLocked(st, call)
		st.queued = append(st.queued, call.ID)
		fx.save(call)
		out = append(out, call.Clone())
	}
	fx.count(campaignID, repository.StatsDelta{TotalCallsDelta: int64(len(out)), QueuedCallsDelta: int64(len(out))})
	d.finish(ctx, fx)

	if len(out) > 0 {
		d.Wake()
	}
	return out, nil
}

// Pause stops admission for the campaign. In-flight calls finish and their
// retries are queued but not admitted until Resume.
func (d *Dispatcher) Pause(campaignID uuid.UUID) {
	d.mu.Lock()
	if st, ok := d.campaigns[campaignID]; ok {
		st.paused = true
	}
	d.mu.Unlock()
}

// Resume re-enables admission for the campaign.
func (d *Dispatcher) Resume(campaignID uuid.UUID) {
	d.mu.Lock()
	if st, ok := d.campaigns[campaignID]; ok {
		st.paused = false
	}
	d.mu.Unlock()
	d.Wake()
}

// Cancel stops the campaign and cancels its queued calls and pending retries
// in the same critical section, so no admission can observe them afterwards.
// In-flight calls finish; the campaign is forgotten once they have.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uuid.UUID) int {
	return d.stop(ctx, campaignID, true)
}

// Drain cancels the campaign's remaining queued work, leaving in-flight calls
// to finish, without cancelling the campaign itself.
func (d *Dispatcher) Drain(ctx context.Context, campaignID uuid.UUID) int {
	return d.stop(ctx, campaignID, false)
}

func (d *Dispatcher) stop(ctx context.Context, campaignID uuid.UUID, cancel bool) int {
	fx := &effects{}

	d.mu.Lock()
	st, ok := d.campaigns[campaignID]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	if cancel {
		st.cancelled = true
	} else {
		st.draining = true
	}

	now := d.clock.Now()
	var ids []uuid.UUID
	for _, task := range st.retries.Drain() {
		ids = append(ids, task.CallID)
	}
	ids = append(ids, st.queued...)
	st.queued = nil
	for _, id := range ids {
		d.cancelCallLocked(st, st.calls[id], now, fx)
	}
	if st.cancelled && len(st.live) == 0 {
		d.forgetLocked(st)
	}
	d.finish(ctx, fx)

	d.logger.Info("dispatcher: campaign stopped",
		zap.String("campaign_id", campaignID.String()),
		zap.Bool("cancelled", cancel),
		zap.Int("calls_cancelled", len(ids)),
	)
	return len(ids)
}

func (d *Dispatcher) cancelCallLocked(st *campaignState, call *domain.Call, now time.Time, fx *effects) {
	ended := now
	call.Status = domain.CallStatusCancelled
	call.RetryAt = nil
	call.EndedAt = &ended
	call.UpdatedAt = now
	fx.save(call)
	fx.emit(domain.EventCallCancelled, call, now)
	fx.count(st.id, repository.StatsDelta{QueuedCallsDelta: -1, CancelledCallsDelta: 1})
}

// CancelCall cancels one queued call or pending retry. Calls in flight or
// already finished cannot be cancelled.
func (d *Dispatcher) CancelCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	fx := &effects{}

	d.mu.Lock()
	st, call, err := d.lookupLocked(callID)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	switch {
	case call.Status.Live():
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher: call %s is in flight: %w", callID, apperrors.ErrConflict)
	case call.Done():
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher: call %s already finished: %w", callID, apperrors.ErrConflict)
	case call.RetryAt != nil:
		st.retries.Remove(func(task domain.RetryTask) bool { return task.CallID == callID })
	default:
		st.queued = slices.DeleteFunc(st.queued, func(id uuid.UUID) bool { return id == callID })
	}

	d.cancelCallLocked(st, call, d.clock.Now(), fx)
	out := call.Clone()
	d.finish(ctx, fx)
	return out, nil
}

// Progress reports the campaign's remaining work.
func (d *Dispatcher) Progress(campaignID uuid.UUID) Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.campaigns[campaignID]
	if !ok {
		return Progress{}
	}
	return Progress{
		Registered: true,
		Total:      len(st.calls),
		Pending:    st.pending(),
		InFlight:   len(st.live),
	}
}

// Forget drops an idle campaign from memory.
func (d *Dispatcher) Forget(campaignID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.campaigns[campaignID]
	if !ok {
		return nil
	}
	if st.pending() > 0 || len(st.live) > 0 {
		return fmt.Errorf("dispatcher: forget %s with work outstanding: %w", campaignID, apperrors.ErrConflict)
	}
	d.forgetLocked(st)
	return nil
}

func (d *Dispatcher) forgetLocked(st *campaignState) {
	for id := range st.calls {
		delete(d.index, id)
	}
	delete(d.campaigns, st.id)
}

func (d *Dispatcher) lookupLocked(callID uuid.UUID) (*campaignState, *domain.Call, error) {
	campaignID, ok := d.index[callID]
	if !ok {
		return nil, nil, fmt.Errorf("dispatcher: call %s: %w", callID, apperrors.ErrNotFound)
	}
	st := d.campaigns[campaignID]
	return st, st.calls[callID], nil
}
