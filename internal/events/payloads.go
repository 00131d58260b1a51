package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
)

// CallPayload is the body of every call.* event.
type CallPayload struct {
	CallID      uuid.UUID         `json:"call_id"`
	CampaignID  uuid.UUID         `json:"campaign_id"`
	ContactID   uuid.UUID         `json:"contact_id"`
	PhoneNumber string            `json:"phone_number"`
	Status      domain.CallStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	Outcome     domain.Outcome    `json:"outcome,omitempty"`
	RetryAt     *time.Time        `json:"retry_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewCallPayload snapshots a call for an event.
func NewCallPayload(call *domain.Call, at time.Time) CallPayload {
	p := CallPayload{
		CallID:      call.ID,
		CampaignID:  call.CampaignID,
		ContactID:   call.ContactID,
		PhoneNumber: call.PhoneNumber,
		Status:      call.Status,
		Attempt:     call.AttemptCount,
		Outcome:     call.Outcome,
		RetryAt:     call.RetryAt,
		OccurredAt:  at,
	}
	if call.LastError != nil {
		p.Error = *call.LastError
	}
	return p
}

// CampaignPayload is the body of every campaign.* event.
type CampaignPayload struct {
	CampaignID uuid.UUID             `json:"campaign_id"`
	Name       string                `json:"name"`
	Status     domain.CampaignStatus `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}
