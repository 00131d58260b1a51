package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventCallStarted        EventType = "call.started"
	EventCallAnswered       EventType = "call.answered"
	EventCallRetryScheduled EventType = "call.retry_scheduled"
	EventCallCompleted      EventType = "call.completed"
	EventCallFailed         EventType = "call.failed"
	EventCallCancelled      EventType = "call.cancelled"
	EventCampaignStarted    EventType = "campaign.started"
	EventCampaignPaused     EventType = "campaign.paused"
	EventCampaignResumed    EventType = "campaign.resumed"
	EventCampaignCompleted  EventType = "campaign.completed"
	EventCampaignCancelled  EventType = "campaign.cancelled"
	EventWebhookTest        EventType = "webhook.test"
)

var eventCatalogue = []struct {
	Type        EventType
	Description string
}{
	{EventCallStarted, "A call attempt was handed to the telephony provider"},
	{EventCallAnswered, "The callee answered"},
	{EventCallRetryScheduled, "An attempt ended with a retryable outcome and another attempt was scheduled"},
	{EventCallCompleted, "The call completed successfully"},
	{EventCallFailed, "The call failed permanently"},
	{EventCallCancelled, "The call was cancelled before completion"},
	{EventCampaignStarted, "The campaign became active"},
	{EventCampaignPaused, "The campaign was paused by an operator"},
	{EventCampaignResumed, "The campaign was resumed by an operator"},
	{EventCampaignCompleted, "Every contact of the campaign reached a terminal state"},
	{EventCampaignCancelled, "The campaign was cancelled by an operator"},
	{EventWebhookTest, "Manually triggered test event"},
}

// EventTypes returns every known event type in catalogue order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventCatalogue))
	for _, e := range eventCatalogue {
		out = append(out, e.Type)
	}
	return out
}

// Describe returns the catalogue description for t, if known.
func (t EventType) Describe() (string, bool) {
	for _, e := range eventCatalogue {
		if e.Type == t {
			return e.Description, true
		}
	}
	return "", false
}

// Known reports whether t belongs to the catalogue.
func (t EventType) Known() bool {
	_, ok := t.Describe()
	return ok
}

// Event is an immutable lifecycle notification. ID is the subscriber dedup key.
type Event struct {
	ID           uuid.UUID
	Type         EventType
	Payload      json.RawMessage
	CreatedAt    time.Time
	DispatchedAt *time.Time
}
