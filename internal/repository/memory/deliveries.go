package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

type deliveryKey struct {
	event, subscription uuid.UUID
}

// DeliveryRepository implements repository.DeliveryRepository.
type DeliveryRepository struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*domain.DeliveryAttempt
	pairs    map[deliveryKey]uuid.UUID
}

// NewDeliveryRepository constructs an empty repository.
func NewDeliveryRepository() *DeliveryRepository {
	return &DeliveryRepository{
		attempts: make(map[uuid.UUID]*domain.DeliveryAttempt),
		pairs:    make(map[deliveryKey]uuid.UUID),
	}
}

func cloneDelivery(d *domain.DeliveryAttempt) *domain.DeliveryAttempt {
	cp := *d
	if d.ClaimedAt != nil {
		v := *d.ClaimedAt
		cp.ClaimedAt = &v
	}
	if d.DeliveredAt != nil {
		v := *d.DeliveredAt
		cp.DeliveredAt = &v
	}
	return &cp
}

// CreateBatch inserts attempts, skipping known (event, subscription) pairs.
func (r *DeliveryRepository) CreateBatch(_ context.Context, attempts []*domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range attempts {
		key := deliveryKey{a.EventID, a.SubscriptionID}
		if _, ok := r.pairs[key]; ok {
			continue
		}
		r.pairs[key] = a.ID
		r.attempts[a.ID] = cloneDelivery(a)
	}
	return nil
}

// ClaimDue moves up to limit due pending attempts to in-flight.
func (r *DeliveryRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*domain.DeliveryAttempt
	for _, a := range r.attempts {
		if a.Status == domain.DeliveryPending && !a.NextAttemptAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.DeliveryAttempt, 0, len(due))
	for _, a := range due {
		claimed := now
		a.Status = domain.DeliveryInFlight
		a.ClaimedAt = &claimed
		a.UpdatedAt = now
		out = append(out, cloneDelivery(a))
	}
	return out, nil
}

func (r *DeliveryRepository) inFlight(id uuid.UUID) (*domain.DeliveryAttempt, error) {
	a, ok := r.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if a.Status != domain.DeliveryInFlight {
		return nil, fmt.Errorf("%w: delivery %s is %s", repository.ErrConflict, id, a.Status)
	}
	return a, nil
}

// MarkDelivered finishes an in-flight attempt successfully.
func (r *DeliveryRepository) MarkDelivered(_ context.Context, id uuid.UUID, statusCode int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.inFlight(id)
	if err != nil {
		return err
	}
	a.Status = domain.DeliveryDelivered
	a.LastStatusCode = statusCode
	a.LastError = ""
	a.DeliveredAt = &at
	a.ClaimedAt = nil
	a.UpdatedAt = at
	return nil
}

// Reschedule returns an in-flight attempt to pending with a new attempt number.
func (r *DeliveryRepository) Reschedule(_ context.Context, id uuid.UUID, attempt int, next time.Time, statusCode int, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.inFlight(id)
	if err != nil {
		return err
	}
	a.Status = domain.DeliveryPending
	a.Attempt = attempt
	a.NextAttemptAt = next
	a.LastStatusCode = statusCode
	a.LastError = lastErr
	a.ClaimedAt = nil
	return nil
}

// MarkFailed finishes an in-flight attempt permanently.
func (r *DeliveryRepository) MarkFailed(_ context.Context, id uuid.UUID, statusCode int, lastErr string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.inFlight(id)
	if err != nil {
		return err
	}
	a.Status = domain.DeliveryFailed
	a.LastStatusCode = statusCode
	a.LastError = lastErr
	a.ClaimedAt = nil
	a.UpdatedAt = at
	return nil
}

// ReleaseStale returns abandoned claims to pending.
func (r *DeliveryRepository) ReleaseStale(_ context.Context, claimedBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.Status == domain.DeliveryInFlight && a.ClaimedAt != nil && a.ClaimedAt.Before(claimedBefore) {
			a.Status = domain.DeliveryPending
			a.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// Redrive returns a failed attempt to pending.
func (r *DeliveryRepository) Redrive(_ context.Context, id uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if a.Status != domain.DeliveryFailed {
		return fmt.Errorf("%w: delivery %s is %s", repository.ErrConflict, id, a.Status)
	}
	a.Status = domain.DeliveryPending
	a.NextAttemptAt = now
	a.UpdatedAt = now
	return nil
}

// Get returns an attempt by id.
func (r *DeliveryRepository) Get(_ context.Context, id uuid.UUID) (*domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDelivery(a), nil
}

// List returns attempts with the given status, or all when status is empty.
func (r *DeliveryRepository) List(_ context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	var out []*domain.DeliveryAttempt
	for _, a := range r.attempts {
		if status == "" || a.Status == status {
			out = append(out, cloneDelivery(a))
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
