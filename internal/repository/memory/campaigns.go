// Package memory holds in-process repository implementations used for local
// runs (storage.driver: memory) and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository.
type CampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]*domain.Campaign
}

// NewCampaignRepository constructs an empty repository.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{campaigns: make(map[uuid.UUID]*domain.Campaign)}
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	cp.Schedule.Weekdays = slices.Clone(c.Schedule.Weekdays)
	if c.Schedule.EndAt != nil {
		end := *c.Schedule.EndAt
		cp.Schedule.EndAt = &end
	}
	if c.StartedAt != nil {
		v := *c.StartedAt
		cp.StartedAt = &v
	}
	if c.EndedAt != nil {
		v := *c.EndedAt
		cp.EndedAt = &v
	}
	return &cp
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCampaign(c), nil
}

// Update replaces a stored campaign.
func (r *CampaignRepository) Update(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; !ok {
		return repository.ErrNotFound
	}
	r.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

// List returns campaigns in creation order, starting after afterID.
func (r *CampaignRepository) List(_ context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.page(afterID, limit, func(*domain.Campaign) bool { return true }), nil
}

// ListByStatus returns campaigns in any of the statuses, oldest first,
// starting after afterID.
func (r *CampaignRepository) ListByStatus(_ context.Context, statuses []domain.CampaignStatus, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.page(afterID, limit, func(c *domain.Campaign) bool { return slices.Contains(statuses, c.Status) }), nil
}

// page returns up to limit matching campaigns ordered by (CreatedAt, ID) and
// strictly after the cursor campaign. An unknown cursor yields nothing.
func (r *CampaignRepository) page(afterID *uuid.UUID, limit int, match func(*domain.Campaign) bool) []*domain.Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cursor *domain.Campaign
	if afterID != nil {
		var ok bool
		if cursor, ok = r.campaigns[*afterID]; !ok {
			return nil
		}
	}

	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if !match(c) || (cursor != nil && !campaignBefore(cursor, c)) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return campaignBefore(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	for i, c := range out {
		out[i] = cloneCampaign(c)
	}
	return out
}

func campaignBefore(a, b *domain.Campaign) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ContactRepository implements repository.ContactRepository.
type ContactRepository struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID][]domain.Contact
}

// NewContactRepository constructs an empty repository.
func NewContactRepository() *ContactRepository {
	return &ContactRepository{contacts: make(map[uuid.UUID][]domain.Contact)}
}

// BulkInsert appends contacts, ignoring ids already present.
func (r *ContactRepository) BulkInsert(_ context.Context, campaignID uuid.UUID, contacts []domain.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.contacts[campaignID]
	seen := make(map[uuid.UUID]struct{}, len(existing))
	for _, c := range existing {
		seen[c.ID] = struct{}{}
	}
	for _, c := range contacts {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		c.CampaignID = campaignID
		existing = append(existing, c)
	}
	sort.SliceStable(existing, func(i, j int) bool { return existing[i].Position < existing[j].Position })
	r.contacts[campaignID] = existing
	return nil
}

// ListByCampaign returns contacts in list order.
func (r *ContactRepository) ListByCampaign(_ context.Context, campaignID uuid.UUID) ([]domain.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.contacts[campaignID]), nil
}

// Count returns the number of contacts of the campaign.
func (r *ContactRepository) Count(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts[campaignID]), nil
}

// StatisticsRepository implements repository.CampaignStatisticsRepository.
type StatisticsRepository struct {
	mu    sync.Mutex
	stats map[uuid.UUID]*domain.CampaignStats
}

// NewStatisticsRepository constructs an empty repository.
func NewStatisticsRepository() *StatisticsRepository {
	return &StatisticsRepository{stats: make(map[uuid.UUID]*domain.CampaignStats)}
}

// Ensure ensures a row exists for the campaign.
func (r *StatisticsRepository) Ensure(_ context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stats[campaignID]; !ok {
		r.stats[campaignID] = &domain.CampaignStats{}
	}
	return nil
}

// Get retrieves statistics.
func (r *StatisticsRepository) Get(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ApplyDelta applies counter deltas.
func (r *StatisticsRepository) ApplyDelta(_ context.Context, campaignID uuid.UUID, d repository.StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[campaignID]
	if !ok {
		return repository.ErrNotFound
	}
	s.TotalCalls += d.TotalCallsDelta
	s.QueuedCalls += d.QueuedCallsDelta
	s.InProgressCalls += d.InProgressCallsDelta
	s.CompletedCalls += d.CompletedCallsDelta
	s.FailedCalls += d.FailedCallsDelta
	s.CancelledCalls += d.CancelledCallsDelta
	s.Dispatches += d.DispatchesDelta
	s.RetriesScheduled += d.RetriesScheduledDelta
	return nil
}
