package retry

import (
	"time"

	"github.com/acme/outbound-orchestrator/internal/domain"
)

// Policy computes the wait before the attempt following a failed one.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Linear waits Base multiplied by the failed attempt number.
type Linear struct {
	Base time.Duration
}

// Delay implements Policy.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return l.Base * time.Duration(attempt)
}

// Exponential waits min(2^attempt * Base, Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Policy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := e.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
		if delay <= 0 {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// Next returns when the attempt after `attempt` may run, or false once
// maxAttempts have been used.
func Next(p Policy, maxAttempts, attempt int, now time.Time) (time.Time, bool) {
	if attempt >= maxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempt)), true
}

// Decision is the verdict for a finished call attempt.
type Decision struct {
	Status  domain.CallStatus
	Retry   bool
	RetryAt time.Time
}

// Decide applies the campaign retry policy to the outcome of the call's
// latest attempt. Retries back off linearly from the policy base interval;
// a retryable outcome on the last allowed attempt fails the call.
func Decide(call *domain.Call, outcome domain.Outcome, policy domain.RetryPolicy, now time.Time) Decision {
	if !outcome.Retryable() {
		return Decision{Status: outcome.CallStatus()}
	}
	at, ok := Next(Linear{Base: policy.BaseInterval}, policy.MaxAttempts, call.AttemptCount, now)
	if !ok {
		return Decision{Status: domain.CallStatusFailed}
	}
	return Decision{Status: outcome.CallStatus(), Retry: true, RetryAt: at}
}
