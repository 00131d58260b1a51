package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusDialing    CallStatus = "dialing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusVoicemail  CallStatus = "voicemail"
	CallStatusCancelled  CallStatus = "cancelled"
)

// Live reports whether the call currently occupies a concurrency slot.
func (s CallStatus) Live() bool {
	return s == CallStatusDialing || s == CallStatusInProgress
}

// Outcome is the result code reported for a finished attempt.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeNoAnswer      Outcome = "no-answer"
	OutcomeVoicemail     Outcome = "voicemail"
	OutcomeProviderError Outcome = "provider-error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
)

// Valid reports whether o is a known outcome code.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeNoAnswer, OutcomeVoicemail, OutcomeProviderError, OutcomeTimeout, OutcomeCancelled:
		return true
	}
	return false
}

// Retryable reports whether another attempt may follow this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeNoAnswer, OutcomeVoicemail, OutcomeProviderError, OutcomeTimeout:
		return true
	}
	return false
}

// CallStatus maps an outcome to the status recorded on the call.
func (o Outcome) CallStatus() CallStatus {
	switch o {
	case OutcomeCompleted:
		return CallStatusCompleted
	case OutcomeNoAnswer:
		return CallStatusNoAnswer
	case OutcomeVoicemail:
		return CallStatusVoicemail
	case OutcomeCancelled:
		return CallStatusCancelled
	default:
		return CallStatusFailed
	}
}

// Call represents one contact's dialing lifecycle within a campaign.
type Call struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	ContactID    uuid.UUID
	PhoneNumber  string
	Variables    map[string]any
	Status       CallStatus
	AttemptCount int
	Outcome      Outcome
	ScheduledAt  time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	RetryAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastError    *string
}

// Done reports whether the call has reached a terminal state with nothing pending.
func (c *Call) Done() bool {
	if c.RetryAt != nil {
		return false
	}
	switch c.Status {
	case CallStatusQueued, CallStatusDialing, CallStatusInProgress:
		return false
	}
	return true
}

// Clone returns a copy safe to hand to another goroutine.
func (c *Call) Clone() *Call {
	cp := *c
	if c.Variables != nil {
		cp.Variables = make(map[string]any, len(c.Variables))
		for k, v := range c.Variables {
			cp.Variables[k] = v
		}
	}
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.EndedAt = cloneTime(c.EndedAt)
	cp.RetryAt = cloneTime(c.RetryAt)
	if c.LastError != nil {
		msg := *c.LastError
		cp.LastError = &msg
	}
	return &cp
}

// RetryTask schedules the next attempt of a call.
type RetryTask struct {
	CallID    uuid.UUID
	NotBefore time.Time
	Attempt   int
}

// NextAttempt returns the retry task for a call whose RetryAt is set.
func NextAttempt(c *Call) RetryTask {
	t := RetryTask{CallID: c.ID, Attempt: c.AttemptCount + 1}
	if c.RetryAt != nil {
		t.NotBefore = *c.RetryAt
	}
	return t
}

// CallAttempt captures individual call attempts for observability.
type CallAttempt struct {
	CallID     uuid.UUID
	AttemptNum int
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Duration is the wall time between dialing and the outcome.
func (a CallAttempt) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
