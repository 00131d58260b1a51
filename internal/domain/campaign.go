package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID                 uuid.UUID
	Name               string
	Description        string
	Schedule           Schedule
	MaxConcurrentCalls int
	RetryPolicy        RetryPolicy
	Status             CampaignStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
}

// Schedule bounds when a campaign may place calls.
type Schedule struct {
	StartAt   time.Time
	EndAt     *time.Time
	TimeZone  string
	Weekdays  []time.Weekday
	CallHours CallHours
}

// AllowsWeekday reports whether calls may be placed on the given local weekday.
func (s Schedule) AllowsWeekday(day time.Weekday) bool {
	for _, d := range s.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// WeekdayMask packs the allowed weekdays into a bitmask, Sunday being bit 0.
func (s Schedule) WeekdayMask() int {
	mask := 0
	for _, d := range s.Weekdays {
		mask |= 1 << uint(d)
	}
	return mask
}

// WeekdaysFromMask is the inverse of Schedule.WeekdayMask.
func WeekdaysFromMask(mask int) []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if mask&(1<<uint(d)) != 0 {
			days = append(days, d)
		}
	}
	return days
}

// CallHours is the daily [Start, End) calling range in campaign local time.
type CallHours struct {
	Start ClockTime
	End   ClockTime
}

// ClockTime is a time of day expressed in minutes after midnight.
type ClockTime int

// MinutesPerDay is the exclusive upper bound for a ClockTime.
const MinutesPerDay ClockTime = 24 * 60

// ParseClockTime parses "HH:MM". "24:00" is accepted as end of day.
func ParseClockTime(value string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(value, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("clock time %q: %w", value, err)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock time %q out of range", value)
	}
	return ClockTime(h*60 + m), nil
}

// String formats the clock time as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// RetryPolicy defines retry rules for calls with a retryable outcome.
type RetryPolicy struct {
	MaxAttempts  int
	BaseInterval time.Duration
}

// Contact is a callee referenced by a campaign. Contacts are append-only.
type Contact struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	PhoneNumber string
	Variables   map[string]any
	Position    int
	CreatedAt   time.Time
}

// CampaignStats aggregates campaign counters.
type CampaignStats struct {
	TotalCalls       int64
	QueuedCalls      int64
	InProgressCalls  int64
	CompletedCalls   int64
	FailedCalls      int64
	CancelledCalls   int64
	Dispatches       int64
	RetriesScheduled int64
}
