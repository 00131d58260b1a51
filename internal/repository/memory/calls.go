package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// CallStore implements repository.CallStore.
type CallStore struct {
	mu         sync.RWMutex
	calls      map[uuid.UUID]*domain.Call
	byCampaign map[uuid.UUID][]uuid.UUID
	attempts   map[uuid.UUID][]domain.CallAttempt
}

// NewCallStore constructs an empty store.
func NewCallStore() *CallStore {
	return &CallStore{
		calls:      make(map[uuid.UUID]*domain.Call),
		byCampaign: make(map[uuid.UUID][]uuid.UUID),
		attempts:   make(map[uuid.UUID][]domain.CallAttempt),
	}
}

// SaveCall upserts the call snapshot.
func (s *CallStore) SaveCall(_ context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; !ok {
		s.byCampaign[call.CampaignID] = append(s.byCampaign[call.CampaignID], call.ID)
	}
	s.calls[call.ID] = call.Clone()
	return nil
}

// GetCall retrieves a call by id.
func (s *CallStore) GetCall(_ context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

// ListCallsByCampaign lists calls in creation order. The paging state is the
// decimal offset of the next page.
func (s *CallStore) ListCallsByCampaign(_ context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.Call, []byte, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if len(pagingState) > 0 {
		n, err := strconv.Atoi(string(pagingState))
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("%w: invalid paging state", apperrors.ErrValidation)
		}
		offset = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCampaign[campaignID]
	if offset >= len(ids) {
		return []domain.Call{}, nil, nil
	}
	end := min(offset+limit, len(ids))
	out := make([]domain.Call, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, *s.calls[id].Clone())
	}
	var next []byte
	if end < len(ids) {
		next = []byte(strconv.Itoa(end))
	}
	return out, next, nil
}

// AppendAttempt records a finished attempt.
func (s *CallStore) AppendAttempt(_ context.Context, attempt domain.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.CallID] = append(s.attempts[attempt.CallID], attempt)
	return nil
}

// ListAttempts returns the attempt history of a call.
func (s *CallStore) ListAttempts(_ context.Context, callID uuid.UUID) ([]domain.CallAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attempts[callID]), nil
}
