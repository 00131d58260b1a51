package window

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/acme/outbound-orchestrator/internal/domain"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

var locations sync.Map // name -> *time.Location

func location(name string) (*time.Location, error) {
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}

// IsWithinWindow reports whether a call may be admitted at now. The weekday and
// time of day are evaluated in the schedule's time zone; the hour range is
// half-open so the end minute itself is outside the window.
func IsWithinWindow(s domain.Schedule, now time.Time) bool {
	if !s.StartAt.IsZero() && now.Before(s.StartAt) {
		return false
	}
	if s.EndAt != nil && !now.Before(*s.EndAt) {
		return false
	}

	loc, err := location(s.TimeZone)
	if err != nil {
		return false
	}

	local := now.In(loc)
	if !s.AllowsWeekday(local.Weekday()) {
		return false
	}

	minuteOfDay := domain.ClockTime(local.Hour()*60 + local.Minute())
	return minuteOfDay >= s.CallHours.Start && minuteOfDay < s.CallHours.End
}

// Expired reports whether the schedule's end has passed.
func Expired(s domain.Schedule, now time.Time) bool {
	return s.EndAt != nil && !now.Before(*s.EndAt)
}

// Validate rejects schedules the evaluator cannot answer for.
func Validate(s domain.Schedule) error {
	if s.TimeZone == "" {
		return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
	}
	if _, err := location(s.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, s.TimeZone, err)
	}
	if len(s.Weekdays) == 0 {
		return fmt.Errorf("%w: at least one weekday is required", apperrors.ErrValidation)
	}
	for _, d := range s.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", apperrors.ErrValidation, d)
		}
	}
	if s.CallHours.Start < 0 || s.CallHours.End > domain.MinutesPerDay {
		return fmt.Errorf("%w: call hours out of range", apperrors.ErrValidation)
	}
	if s.CallHours.End <= s.CallHours.Start {
		return fmt.Errorf("%w: call hours must have positive duration", apperrors.ErrValidation)
	}
	if s.EndAt != nil && !s.EndAt.After(s.StartAt) {
		return fmt.Errorf("%w: end must be after start", apperrors.ErrValidation)
	}
	return nil
}
