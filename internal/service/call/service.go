package call

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/service/campaign"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Canceller cancels a single queued call or pending retry.
type Canceller interface {
	CancelCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// ContactAdder appends contacts to a campaign.
type ContactAdder interface {
	AddContacts(ctx context.Context, campaignID uuid.UUID, inputs []campaign.ContactInput) (*campaign.AddContactsResult, error)
}

// Service coordinates call lifecycle operations.
type Service struct {
	calls     repository.CallStore
	campaigns repository.CampaignRepository
	canceller Canceller
	contacts  ContactAdder
}

// NewService builds the call management service.
func NewService(
	store repository.CallStore,
	campaignRepo repository.CampaignRepository,
	canceller Canceller,
	contacts ContactAdder,
) *Service {
	return &Service{
		calls:     store,
		campaigns: campaignRepo,
		canceller: canceller,
		contacts:  contacts,
	}
}

// CreateCallInput adds one contact to a campaign.
type CreateCallInput struct {
	CampaignID  uuid.UUID
	PhoneNumber string
	Variables   map[string]any
}

// CreateCallResult holds the stored contact and, when the campaign is
// already running, the call queued for it.
type CreateCallResult struct {
	Contact domain.Contact
	Call    *domain.Call
}

// Create appends a contact to the campaign. A call is queued immediately for
// a running campaign and at activation for a scheduled one.
func (s *Service) Create(ctx context.Context, input CreateCallInput) (*CreateCallResult, error) {
	if input.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("%w: campaign id is required", apperrors.ErrValidation)
	}
	res, err := s.contacts.AddContacts(ctx, input.CampaignID, []campaign.ContactInput{{
		PhoneNumber: input.PhoneNumber,
		Variables:   input.Variables,
	}})
	if err != nil {
		return nil, fmt.Errorf("call service: add contact: %w", err)
	}
	if len(res.Contacts) == 0 {
		return nil, fmt.Errorf("%w: contact was not stored", apperrors.ErrInvariant)
	}
	out := &CreateCallResult{Contact: res.Contacts[0]}
	if len(res.Calls) > 0 {
		out.Call = res.Calls[0]
	}
	return out, nil
}

// GetCall retrieves a call by id.
func (s *Service) GetCall(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetCall(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: get %s: %w", id, err)
	}
	return call, nil
}

// Attempts returns the finished attempts of a call, oldest first.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID) ([]domain.CallAttempt, error) {
	attempts, err := s.calls.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: attempts of %s: %w", id, err)
	}
	return attempts, nil
}

// Cancel cancels a call that is queued or waiting for a retry.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	call, err := s.canceller.CancelCall(ctx, id)
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("call service: cancel %s: %w", id, err)
	}

	// the dispatcher forgets finished campaigns; their calls are final
	if _, getErr := s.calls.GetCall(ctx, id); getErr == nil {
		return nil, fmt.Errorf("call service: call %s already finished: %w", id, apperrors.ErrConflict)
	}
	return nil, fmt.Errorf("call service: cancel %s: %w", id, err)
}

// ListCallsByCampaignResult is one page of calls.
type ListCallsByCampaignResult struct {
	Calls     []domain.Call
	NextToken string
}

// ListCallsByCampaign lists calls with an opaque page token.
func (s *Service) ListCallsByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, token string) (*ListCallsByCampaignResult, error) {
	if _, err := s.campaigns.Get(ctx, campaignID); err != nil {
		return nil, fmt.Errorf("call service: get campaign %s: %w", campaignID, err)
	}
	pagingState, err := DecodePagingState(token)
	if err != nil {
		return nil, err
	}
	calls, next, err := s.calls.ListCallsByCampaign(ctx, campaignID, limit, pagingState)
	if err != nil {
		return nil, fmt.Errorf("call service: list calls of %s: %w", campaignID, err)
	}
	return &ListCallsByCampaignResult{Calls: calls, NextToken: EncodePagingState(next)}, nil
}

// EncodePagingState converts the paging state to base64 for API responses.
func EncodePagingState(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePagingState decodes a base64 token to paging state bytes.
func DecodePagingState(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page token", apperrors.ErrValidation)
	}
	return data, nil
}
