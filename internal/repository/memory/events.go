package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

// EventLog implements repository.EventLog.
type EventLog struct {
	mu     sync.RWMutex
	events []*domain.Event
	byID   map[uuid.UUID]*domain.Event
}

// NewEventLog constructs an empty log.
func NewEventLog() *EventLog {
	return &EventLog{byID: make(map[uuid.UUID]*domain.Event)}
}

func cloneEvent(e *domain.Event) *domain.Event {
	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	if e.DispatchedAt != nil {
		v := *e.DispatchedAt
		cp.DispatchedAt = &v
	}
	return &cp
}

// Append records an event. Appending an id twice is a conflict.
func (l *EventLog) Append(_ context.Context, event *domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[event.ID]; ok {
		return repository.ErrConflict
	}
	e := cloneEvent(event)
	l.events = append(l.events, e)
	l.byID[e.ID] = e
	return nil
}

// Get returns an event by id.
func (l *EventLog) Get(_ context.Context, id uuid.UUID) (*domain.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEvent(e), nil
}

// MarkDispatched records that fan-out finished.
func (l *EventLog) MarkDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.DispatchedAt = &at
	return nil
}

// ListUndispatched returns undispatched events created before the cutoff.
func (l *EventLog) ListUndispatched(_ context.Context, createdBefore time.Time, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*domain.Event
	for _, e := range l.events {
		if e.DispatchedAt == nil && e.CreatedAt.Before(createdBefore) {
			out = append(out, cloneEvent(e))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// All returns every event in append order.
func (l *EventLog) All() []*domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*domain.Event, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, cloneEvent(e))
	}
	return out
}

// SubscriptionRepository implements repository.SubscriptionRepository.
type SubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*domain.WebhookSubscription
}

// NewSubscriptionRepository constructs an empty repository.
func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{subs: make(map[uuid.UUID]*domain.WebhookSubscription)}
}

func cloneSubscription(s *domain.WebhookSubscription) *domain.WebhookSubscription {
	cp := *s
	cp.EventTypes = slices.Clone(s.EventTypes)
	cp.Headers = maps.Clone(s.Headers)
	if s.LastTriggeredAt != nil {
		v := *s.LastTriggeredAt
		cp.LastTriggeredAt = &v
	}
	return &cp
}

// Create stores a subscription.
func (r *SubscriptionRepository) Create(_ context.Context, sub *domain.WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return repository.ErrConflict
	}
	r.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

// Get returns a subscription by id.
func (r *SubscriptionRepository) Get(_ context.Context, id uuid.UUID) (*domain.WebhookSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSubscription(s), nil
}

// Delete removes a subscription.
func (r *SubscriptionRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

// List returns all subscriptions, oldest first.
func (r *SubscriptionRepository) List(_ context.Context) ([]*domain.WebhookSubscription, error) {
	r.mu.RLock()
	out := make([]*domain.WebhookSubscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, cloneSubscription(s))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Touch records the last time the subscription was delivered to.
func (r *SubscriptionRepository) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.LastTriggeredAt = &at
	return nil
}
