package campaign

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ttacon/libphonenumber"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Lifecycle performs the status transitions operators may request. The
// scheduler implements it.
type Lifecycle interface {
	Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	AddContacts(ctx context.Context, id uuid.UUID, contacts []domain.Contact) ([]domain.Contact, []*domain.Call, error)
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo      repository.CampaignRepository
	contacts  repository.ContactRepository
	statsRepo repository.CampaignStatisticsRepository
	lifecycle Lifecycle
	defaults  Defaults
	clock     window.Clock
	logger    *zap.Logger
}

// Defaults are applied to fields a create request leaves empty.
type Defaults struct {
	MaxConcurrentCalls int
	Retry              domain.RetryPolicy
	Region             string
}

// DefaultsFromConfig builds Defaults from the loaded configuration.
func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		MaxConcurrentCalls: cfg.Campaign.DefaultMaxConcurrentCalls,
		Retry: domain.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			BaseInterval: cfg.Retry.BaseInterval,
		},
		Region: cfg.Campaign.DefaultRegion,
	}
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	contacts repository.ContactRepository,
	stats repository.CampaignStatisticsRepository,
	lifecycle Lifecycle,
	defaults Defaults,
	clock window.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		contacts:  contacts,
		statsRepo: stats,
		lifecycle: lifecycle,
		defaults:  defaults,
		clock:     clock,
		logger:    logger,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name               string
	Description        string
	Schedule           domain.Schedule
	MaxConcurrentCalls int
	RetryPolicy        *domain.RetryPolicy
	Contacts           []ContactInput
}

// ContactInput expresses one callee.
type ContactInput struct {
	PhoneNumber string
	Variables   map[string]any
}

// Create provisions a new scheduled campaign with its contact list.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	now := s.clock.Now()
	if input.Schedule.StartAt.IsZero() {
		input.Schedule.StartAt = now
	}
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	policy := s.defaults.Retry
	if input.RetryPolicy != nil {
		policy = *input.RetryPolicy
	}
	if err := validateRetry(policy); err != nil {
		return nil, err
	}

	contacts, err := s.normalizeContacts(input.Contacts)
	if err != nil {
		return nil, err
	}

	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               strings.TrimSpace(input.Name),
		Description:        input.Description,
		Schedule:           input.Schedule,
		MaxConcurrentCalls: s.resolveConcurrency(input.MaxConcurrentCalls),
		RetryPolicy:        policy,
		Status:             domain.CampaignStatusScheduled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	if err := s.statsRepo.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}

	if len(contacts) > 0 {
		for i := range contacts {
			contacts[i].ID = uuid.New()
			contacts[i].CampaignID = campaign.ID
			contacts[i].Position = i
			contacts[i].CreatedAt = now
		}
		if err := s.contacts.BulkInsert(ctx, campaign.ID, contacts); err != nil {
			return nil, fmt.Errorf("campaign service: store contacts: %w", err)
		}
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("name", campaign.Name),
		zap.Int("contacts", len(contacts)),
		zap.Time("start_at", campaign.Schedule.StartAt),
	)
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: get %s: %w", id, err)
	}
	return campaign, nil
}

// List returns campaigns in creation order, starting after afterID.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	campaigns, err := s.repo.List(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list: %w", err)
	}
	return campaigns, nil
}

// ListByStatus returns campaigns filtered by status in creation order,
// starting after afterID.
func (s *Service) ListByStatus(ctx context.Context, status domain.CampaignStatus, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	switch status {
	case domain.CampaignStatusScheduled, domain.CampaignStatusActive, domain.CampaignStatusPaused,
		domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown campaign status %q", apperrors.ErrValidation, status)
	}
	campaigns, err := s.repo.ListByStatus(ctx, []domain.CampaignStatus{status}, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list by status: %w", err)
	}
	return campaigns, nil
}

// Pause stops admission of new calls for an active campaign.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.lifecycle.Pause(ctx, id)
}

// Resume reactivates a paused campaign.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.lifecycle.Resume(ctx, id)
}

// Cancel ends a campaign that has not finished.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.lifecycle.Cancel(ctx, id)
}

// Stats retrieves aggregated statistics.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	stats, err := s.statsRepo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: stats %s: %w", id, err)
	}
	return stats, nil
}

// AddContactsResult reports appended contacts and the calls queued for them.
// Calls is empty while the campaign has not started.
type AddContactsResult struct {
	Contacts []domain.Contact
	Calls    []*domain.Call
}

// AddContacts appends contacts to a campaign.
func (s *Service) AddContacts(ctx context.Context, campaignID uuid.UUID, inputs []ContactInput) (*AddContactsResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one contact is required", apperrors.ErrValidation)
	}
	contacts, err := s.normalizeContacts(inputs)
	if err != nil {
		return nil, err
	}

	added, calls, err := s.lifecycle.AddContacts(ctx, campaignID, contacts)
	if err != nil {
		return nil, err
	}
	return &AddContactsResult{Contacts: added, Calls: calls}, nil
}

func (s *Service) resolveConcurrency(value int) int {
	if value <= 0 {
		return s.defaults.MaxConcurrentCalls
	}
	return value
}

func (s *Service) normalizeContacts(inputs []ContactInput) ([]domain.Contact, error) {
	out := make([]domain.Contact, 0, len(inputs))
	for i, in := range inputs {
		number, err := NormalizePhoneNumber(in.PhoneNumber, s.defaults.Region)
		if err != nil {
			return nil, fmt.Errorf("contact %d: %w", i, err)
		}
		out = append(out, domain.Contact{PhoneNumber: number, Variables: in.Variables})
	}
	return out, nil
}

// NormalizePhoneNumber parses raw, interpreting national numbers in region,
// and returns it in E.164 form.
func NormalizePhoneNumber(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}
	number, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: phone number %q: %v", apperrors.ErrValidation, raw, err)
	}
	if !libphonenumber.IsValidNumber(number) {
		return "", fmt.Errorf("%w: phone number %q is not valid", apperrors.ErrValidation, raw)
	}
	return libphonenumber.Format(number, libphonenumber.E164), nil
}

func validateRetry(policy domain.RetryPolicy) error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry max attempts must be positive", apperrors.ErrValidation)
	}
	if policy.BaseInterval < 0 {
		return fmt.Errorf("%w: retry base interval must not be negative", apperrors.ErrValidation)
	}
	return nil
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.MaxConcurrentCalls < 0 {
		return fmt.Errorf("%w: max concurrent calls must be positive", apperrors.ErrValidation)
	}
	return window.Validate(input.Schedule)
}
