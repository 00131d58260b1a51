package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	// ListByStatus returns campaigns in any of the statuses ordered by
	// (created_at, id), starting after the campaign afterID.
	ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
}

// ContactRepository stores the ordered contact list of each campaign.
type ContactRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Contact, error)
	Count(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// CallStore persists call execution data.
type CallStore interface {
	// SaveCall upserts the full call snapshot.
	SaveCall(ctx context.Context, call *domain.Call) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	ListCallsByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.Call, []byte, error)
	AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error
	ListAttempts(ctx context.Context, callID uuid.UUID) ([]domain.CallAttempt, error)
}

// EventLog is the durable, append-only record of emitted events.
type EventLog interface {
	Append(ctx context.Context, event *domain.Event) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListUndispatched returns events created before the cutoff whose fan-out
	// never completed, oldest first.
	ListUndispatched(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Event, error)
}

// SubscriptionRepository stores webhook subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.WebhookSubscription) error
	Get(ctx context.Context, id uuid.UUID) (*domain.WebhookSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*domain.WebhookSubscription, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DeliveryRepository stores webhook delivery attempts. ClaimDue moves due
// pending attempts to in-flight atomically so that no two workers hold the
// same attempt.
type DeliveryRepository interface {
	// CreateBatch inserts attempts, skipping (event, subscription) pairs that
	// already exist.
	CreateBatch(ctx context.Context, attempts []*domain.DeliveryAttempt) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryAttempt, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, attempt int, next time.Time, statusCode int, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, statusCode int, lastErr string, at time.Time) error
	// ReleaseStale returns in-flight attempts claimed before the cutoff to pending.
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error)
	// Redrive returns a failed attempt to pending, due at now.
	Redrive(ctx context.Context, id uuid.UUID, now time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*domain.DeliveryAttempt, error)
	List(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryAttempt, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	TotalCallsDelta       int64
	QueuedCallsDelta      int64
	InProgressCallsDelta  int64
	CompletedCallsDelta   int64
	FailedCallsDelta      int64
	CancelledCallsDelta   int64
	DispatchesDelta       int64
	RetriesScheduledDelta int64
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}

// Add accumulates other into d.
func (d *StatsDelta) Add(other StatsDelta) {
	d.TotalCallsDelta += other.TotalCallsDelta
	d.QueuedCallsDelta += other.QueuedCallsDelta
	d.InProgressCallsDelta += other.InProgressCallsDelta
	d.CompletedCallsDelta += other.CompletedCallsDelta
	d.FailedCallsDelta += other.FailedCallsDelta
	d.CancelledCallsDelta += other.CancelledCallsDelta
	d.DispatchesDelta += other.DispatchesDelta
	d.RetriesScheduledDelta += other.RetriesScheduledDelta
}
