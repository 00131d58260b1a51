package telephony

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
)

// PlaceCallRequest is everything a provider needs to dial one attempt.
type PlaceCallRequest struct {
	CallID          uuid.UUID
	CampaignID      uuid.UUID
	Attempt         int
	PhoneNumber     string
	TemplateContext map[string]any
}

// Handle identifies a dialed attempt in provider callbacks.
type Handle struct {
	CallID      uuid.UUID `json:"call_id"`
	Attempt     int       `json:"attempt"`
	ProviderRef string    `json:"provider_ref"`
}

// Gateway abstracts the telephony integration. PlaceCall returns once the
// provider accepted the request; progress is reported to an OutcomeSink.
type Gateway interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (Handle, error)
}

// OutcomeSink receives asynchronous call progress from a provider.
type OutcomeSink interface {
	OnAnswered(ctx context.Context, h Handle) error
	OnOutcome(ctx context.Context, h Handle, outcome domain.Outcome) error
}
