package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSubscription registers an endpoint for a set of event types.
type WebhookSubscription struct {
	ID              uuid.UUID
	URL             string
	EventTypes      []EventType
	Secret          string
	Active          bool
	Description     string
	Headers         map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt *time.Time
}

// Subscribes reports whether the subscription wants events of type t.
func (s *WebhookSubscription) Subscribes(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// DeliveryStatus enumerates the states of a delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in-flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt tracks delivery of one event to one subscription.
type DeliveryAttempt struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	SubscriptionID uuid.UUID
	Attempt        int
	Status         DeliveryStatus
	NextAttemptAt  time.Time
	ClaimedAt      *time.Time
	DeliveredAt    *time.Time
	LastError      string
	LastStatusCode int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
