package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/events"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/window"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Service manages webhook subscriptions and exposes delivery state to operators.
type Service struct {
	subs       repository.SubscriptionRepository
	deliveries repository.DeliveryRepository
	events     events.Emitter
	clock      window.Clock
	logger     *zap.Logger
	notify     func()
}

// NewService constructs the webhook service. notify, when set, wakes the
// delivery workers after a redrive.
func NewService(
	subs repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	emitter events.Emitter,
	clock window.Clock,
	logger *zap.Logger,
	notify func(),
) *Service {
	return &Service{
		subs:       subs,
		deliveries: deliveries,
		events:     emitter,
		clock:      clock,
		logger:     logger,
		notify:     notify,
	}
}

// RegisterInput describes a new subscription.
type RegisterInput struct {
	URL         string
	EventTypes  []domain.EventType
	Secret      string
	Description string
	Headers     map[string]string
	Active      *bool
}

// EventInfo is one entry of the event catalogue.
type EventInfo struct {
	Type        domain.EventType `json:"type"`
	Description string           `json:"description"`
}

// Register validates and stores a subscription. An empty event list
// subscribes to every event type; a missing secret is generated.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.WebhookSubscription, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}

	types := in.EventTypes
	if len(types) == 0 {
		types = domain.EventTypes()
	}
	seen := make(map[domain.EventType]bool, len(types))
	unique := make([]domain.EventType, 0, len(types))
	for _, t := range types {
		if !t.Known() {
			return nil, fmt.Errorf("%w: unknown event type %q", apperrors.ErrValidation, t)
		}
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}

	for name := range in.Headers {
		if slices.ContainsFunc(reservedHeaders, func(h string) bool { return strings.EqualFold(h, name) }) {
			return nil, fmt.Errorf("%w: header %q is set by the delivery worker", apperrors.ErrValidation, name)
		}
		if http.CanonicalHeaderKey(name) == "" || strings.ContainsAny(name, " :\r\n") {
			return nil, fmt.Errorf("%w: invalid header name %q", apperrors.ErrValidation, name)
		}
	}

	secret := in.Secret
	if secret == "" {
		var err error
		if secret, err = newSecret(); err != nil {
			return nil, err
		}
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}

	now := s.clock.Now()
	sub := &domain.WebhookSubscription{
		ID:          uuid.New(),
		URL:         in.URL,
		EventTypes:  unique,
		Secret:      secret,
		Active:      active,
		Description: in.Description,
		Headers:     in.Headers,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("webhook service: create subscription: %w", err)
	}

	s.logger.Info("webhook registered",
		zap.String("webhook_id", sub.ID.String()),
		zap.String("url", sub.URL),
		zap.Int("event_types", len(sub.EventTypes)),
	)
	return sub, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", apperrors.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url: %v", apperrors.ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must use http or https", apperrors.ErrValidation)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url must include a host", apperrors.ErrValidation)
	}
	return nil
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.WebhookSubscription, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("webhook service: get %s: %w", id, err)
	}
	return sub, nil
}

// List returns subscriptions, optionally only those subscribed to event.
func (s *Service) List(ctx context.Context, event domain.EventType) ([]*domain.WebhookSubscription, error) {
	if event != "" && !event.Known() {
		return nil, fmt.Errorf("%w: unknown event type %q", apperrors.ErrValidation, event)
	}
	subs, err := s.subs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhook service: list: %w", err)
	}
	if event == "" {
		return subs, nil
	}
	return slices.DeleteFunc(subs, func(sub *domain.WebhookSubscription) bool {
		return !slices.Contains(sub.EventTypes, event)
	}), nil
}

// Delete removes a subscription. Pending deliveries to it fail on their next attempt.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.subs.Delete(ctx, id); err != nil {
		return fmt.Errorf("webhook service: delete %s: %w", id, err)
	}
	s.logger.Info("webhook deleted", zap.String("webhook_id", id.String()))
	return nil
}

// Catalogue lists every event type a subscription can select.
func (s *Service) Catalogue() []EventInfo {
	types := domain.EventTypes()
	out := make([]EventInfo, 0, len(types))
	for _, t := range types {
		desc, _ := t.Describe()
		out = append(out, EventInfo{Type: t, Description: desc})
	}
	return out
}

// Trigger emits an event on demand so operators can test their endpoints.
func (s *Service) Trigger(ctx context.Context, t domain.EventType, payload json.RawMessage) (*domain.Event, error) {
	if t == "" {
		t = domain.EventWebhookTest
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{"message":"test event"}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload must be valid JSON", apperrors.ErrValidation)
	}

	ev, err := s.events.Emit(ctx, t, payload)
	if err != nil {
		return nil, fmt.Errorf("webhook service: trigger %s: %w", t, err)
	}
	return ev, nil
}

// ListDeliveries returns delivery attempts, optionally filtered by status.
func (s *Service) ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryAttempt, error) {
	switch status {
	case "", domain.DeliveryPending, domain.DeliveryInFlight, domain.DeliveryDelivered, domain.DeliveryFailed:
	default:
		return nil, fmt.Errorf("%w: unknown delivery status %q", apperrors.ErrValidation, status)
	}
	list, err := s.deliveries.List(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook service: list deliveries: %w", err)
	}
	return list, nil
}

// Redrive gives a permanently failed delivery one more attempt.
func (s *Service) Redrive(ctx context.Context, id uuid.UUID) (*domain.DeliveryAttempt, error) {
	if err := s.deliveries.Redrive(ctx, id, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("webhook service: redrive %s: %w", id, err)
	}
	if s.notify != nil {
		s.notify()
	}
	a, err := s.deliveries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("webhook service: get delivery %s: %w", id, err)
	}
	return a, nil
}
