package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/dispatch"
	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/events"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

const callPageSize = 500

// Scheduler drives campaign status transitions and feeds the dispatcher the
// active campaign set. It is the only writer of Campaign.Status.
type Scheduler struct {
	cfg        config.SchedulerConfig
	campaigns  repository.CampaignRepository
	contacts   repository.ContactRepository
	calls      repository.CallStore
	dispatcher *dispatch.Dispatcher
	events     events.Emitter
	clock      window.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// serialises transitions so that operator actions and the tick never
	// interleave on one campaign
	mu sync.Mutex
}

// New constructs a scheduler.
func New(
	cfg config.SchedulerConfig,
	campaigns repository.CampaignRepository,
	contacts repository.ContactRepository,
	calls repository.CallStore,
	dispatcher *dispatch.Dispatcher,
	emitter events.Emitter,
	clock window.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		campaigns:  campaigns,
		contacts:   contacts,
		calls:      calls,
		dispatcher: dispatcher,
		events:     emitter,
		clock:      clock,
		logger:     logger,
		metrics:    m,
	}
}

// ActiveCampaigns yields the active campaigns oldest first. The query runs
// again every time the sequence is ranged over.
func (s *Scheduler) ActiveCampaigns(ctx context.Context) iter.Seq2[*domain.Campaign, error] {
	return s.campaignsIn(ctx, domain.CampaignStatusActive)
}

// campaignsIn pages through every campaign in the statuses, oldest first,
// fetching CampaignFetchLimit rows per query.
func (s *Scheduler) campaignsIn(ctx context.Context, statuses ...domain.CampaignStatus) iter.Seq2[*domain.Campaign, error] {
	return func(yield func(*domain.Campaign, error) bool) {
		limit := s.fetchLimit()
		var after *uuid.UUID
		for {
			page, err := s.campaigns.ListByStatus(ctx, statuses, after, limit)
			if err != nil {
				yield(nil, fmt.Errorf("scheduler: list %v campaigns: %w", statuses, err))
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if len(page) < limit {
				return
			}
			last := page[len(page)-1].ID
			after = &last
		}
	}
}

// Restore registers every active and paused campaign with the dispatcher,
// including the calls already persisted for it.
func (s *Scheduler) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for c, err := range s.campaignsIn(ctx, domain.CampaignStatusActive, domain.CampaignStatusPaused) {
		if err != nil {
			return fmt.Errorf("scheduler: restore: %w", err)
		}
		if err := s.register(ctx, c); err != nil {
			return err
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("scheduler: restored campaigns", zap.Int("count", restored))
	}
	return nil
}

// Run restores state and then executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Restore(ctx); err != nil {
		return err
	}

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick activates due campaigns and completes finished ones.
func (s *Scheduler) Tick(ctx context.Context) error {
	tracer := otel.Tracer("outbound.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	scheduled := 0
	for c, err := range s.campaignsIn(ctx, domain.CampaignStatusScheduled) {
		if err != nil {
			span.RecordError(err)
			return err
		}
		scheduled++
		if err := s.activateIfDue(ctx, c.ID); err != nil {
			span.RecordError(err)
			s.logger.Error("scheduler: activate campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		}
	}

	running := 0
	for c, err := range s.campaignsIn(ctx, domain.CampaignStatusActive, domain.CampaignStatusPaused) {
		if err != nil {
			span.RecordError(err)
			return err
		}
		running++
		if err := s.completeIfDone(ctx, c.ID); err != nil {
			span.RecordError(err)
			s.logger.Error("scheduler: complete campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.Int("campaigns.scheduled", scheduled),
		attribute.Int("campaigns.running", running),
	)
	return nil
}

func (s *Scheduler) activateIfDue(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: get campaign %s: %w", id, err)
	}
	if c.Status != domain.CampaignStatusScheduled {
		return nil
	}

	now := s.clock.Now()
	if window.Expired(c.Schedule, now) {
		return s.transition(ctx, c, domain.CampaignStatusCompleted, domain.EventCampaignCompleted, "schedule ended before activation")
	}
	if !window.IsWithinWindow(c.Schedule, now) {
		return nil
	}

	if err := s.register(ctx, c); err != nil {
		return err
	}
	if err := s.transition(ctx, c, domain.CampaignStatusActive, domain.EventCampaignStarted, ""); err != nil {
		return err
	}
	s.dispatcher.Wake()
	return nil
}

func (s *Scheduler) completeIfDone(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: get campaign %s: %w", id, err)
	}
	if c.Status != domain.CampaignStatusActive && c.Status != domain.CampaignStatusPaused {
		return nil
	}

	expired := window.Expired(c.Schedule, s.clock.Now())
	if expired {
		if n := s.dispatcher.Drain(ctx, c.ID); n > 0 {
			s.logger.Info("scheduler: schedule ended, drained queued calls",
				zap.String("campaign_id", c.ID.String()),
				zap.Int("calls_cancelled", n),
			)
		}
	}

	p := s.dispatcher.Progress(c.ID)
	if !p.Registered {
		if err := s.register(ctx, c); err != nil {
			return err
		}
		return nil
	}
	if !p.Idle() {
		return nil
	}

	reason := ""
	switch {
	case expired:
		reason = "schedule ended"
	case c.Status == domain.CampaignStatusActive && p.Total > 0:
		reason = "all calls finished"
	default:
		return nil
	}

	if err := s.transition(ctx, c, domain.CampaignStatusCompleted, domain.EventCampaignCompleted, reason); err != nil {
		return err
	}
	if err := s.dispatcher.Forget(c.ID); err != nil {
		s.logger.Warn("scheduler: forget completed campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
	}
	return nil
}

// Pause stops admission for an active campaign.
func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignStatusActive {
		return nil, fmt.Errorf("scheduler: pause campaign in status %s: %w", c.Status, apperrors.ErrConflict)
	}

	s.dispatcher.Pause(c.ID)
	if err := s.transition(ctx, c, domain.CampaignStatusPaused, domain.EventCampaignPaused, "operator"); err != nil {
		s.dispatcher.Resume(c.ID)
		return nil, err
	}
	return c, nil
}

// Resume reactivates a paused campaign.
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignStatusPaused {
		return nil, fmt.Errorf("scheduler: resume campaign in status %s: %w", c.Status, apperrors.ErrConflict)
	}

	if err := s.transition(ctx, c, domain.CampaignStatusActive, domain.EventCampaignResumed, "operator"); err != nil {
		return nil, err
	}
	s.dispatcher.Resume(c.ID)
	return c, nil
}

// Cancel ends a campaign. Queued calls and pending retries are cancelled
// before the status changes; calls already in flight finish.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("scheduler: cancel campaign in status %s: %w", c.Status, apperrors.ErrConflict)
	}

	n := s.dispatcher.Cancel(ctx, c.ID)
	if err := s.transition(ctx, c, domain.CampaignStatusCancelled, domain.EventCampaignCancelled, "operator"); err != nil {
		return nil, err
	}
	s.logger.Info("scheduler: campaign cancelled", zap.String("campaign_id", c.ID.String()), zap.Int("calls_cancelled", n))
	return c, nil
}

// AddContacts appends contacts to a campaign that has not finished. The
// contacts are placed after the existing list; when the campaign is already
// registered with the dispatcher their calls are queued right away.
func (s *Scheduler) AddContacts(ctx context.Context, id uuid.UUID, contacts []domain.Contact) ([]domain.Contact, []*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status.Terminal() {
		return nil, nil, fmt.Errorf("scheduler: add contacts to %s campaign: %w", c.Status, apperrors.ErrConflict)
	}

	offset, err := s.contacts.Count(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: count contacts of %s: %w", id, err)
	}
	now := s.clock.Now()
	out := make([]domain.Contact, len(contacts))
	for i, contact := range contacts {
		if contact.ID == uuid.Nil {
			contact.ID = uuid.New()
		}
		contact.CampaignID = id
		contact.Position = offset + i
		contact.CreatedAt = now
		out[i] = contact
	}
	if err := s.contacts.BulkInsert(ctx, id, out); err != nil {
		return nil, nil, fmt.Errorf("scheduler: insert contacts of %s: %w", id, err)
	}

	calls, err := s.dispatcher.AddContacts(ctx, id, out)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: queue contacts of %s: %w", id, err)
	}
	return out, calls, nil
}

func (s *Scheduler) load(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get campaign %s: %w", id, err)
	}
	return c, nil
}

// register hands the campaign, its contacts and its persisted calls to the
// dispatcher. An already registered campaign is left alone.
func (s *Scheduler) register(ctx context.Context, c *domain.Campaign) error {
	contacts, err := s.contacts.ListByCampaign(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("scheduler: list contacts of %s: %w", c.ID, err)
	}

	var existing []domain.Call
	var page []byte
	for {
		calls, next, err := s.calls.ListCallsByCampaign(ctx, c.ID, callPageSize, page)
		if err != nil {
			return fmt.Errorf("scheduler: list calls of %s: %w", c.ID, err)
		}
		existing = append(existing, calls...)
		if len(next) == 0 {
			break
		}
		page = next
	}

	if err := s.dispatcher.Register(ctx, c, contacts, existing); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		return fmt.Errorf("scheduler: register %s: %w", c.ID, err)
	}
	return nil
}

func (s *Scheduler) transition(ctx context.Context, c *domain.Campaign, to domain.CampaignStatus, ev domain.EventType, reason string) error {
	tracer := otel.Tracer("outbound.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.transition", trace.WithAttributes(
		attribute.String("campaign.id", c.ID.String()),
		attribute.String("from", string(c.Status)),
		attribute.String("to", string(to)),
	))
	defer span.End()

	now := s.clock.Now()
	from := c.Status
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case domain.CampaignStatusActive:
		if c.StartedAt == nil {
			started := now
			c.StartedAt = &started
		}
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
		ended := now
		c.EndedAt = &ended
	}

	if err := s.campaigns.Update(ctx, c); err != nil {
		c.Status = from
		span.RecordError(err)
		return fmt.Errorf("scheduler: update campaign %s: %w", c.ID, err)
	}
	s.metrics.CampaignTransitions.WithLabelValues(string(to)).Inc()

	payload := events.CampaignPayload{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     to,
		Reason:     reason,
		OccurredAt: now,
	}
	if _, err := s.events.Emit(ctx, ev, payload); err != nil {
		span.RecordError(err)
		s.logger.Error("scheduler: emit campaign event", zap.String("campaign_id", c.ID.String()), zap.String("type", string(ev)), zap.Error(err))
	}

	s.logger.Info("scheduler: campaign transition",
		zap.String("campaign_id", c.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Scheduler) fetchLimit() int {
	if s.cfg.CampaignFetchLimit > 0 {
		return s.cfg.CampaignFetchLimit
	}
	return 500
}
