package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// allowScript increments a fixed-window counter and reports whether the
// request fits. It returns {allowed, count, ttl_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = redis.call('INCR', key)
if current == 1 then
  redis.call('PEXPIRE', key, window)
end
local ttl = redis.call('PTTL', key)
if current > limit then
  return {0, current, ttl}
end
return {1, current, ttl}
`)

// Limiter enforces per-key request quotas using Redis fixed windows.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewLimiter constructs a request limiter allowing limit requests per window.
func NewLimiter(client *redis.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, limit: limit, window: window, prefix: "outbound:ratelimit"}
}

// Decision describes a rate limit verdict.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow consumes one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	res, err := allowScript.Run(ctx, l.client, []string{l.key(key)}, l.limit, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit allow: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit allow: unexpected reply %v", res)
	}

	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: max(l.limit-int(res[1]), 0),
	}
	if !d.Allowed && res[2] > 0 {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

func (l *Limiter) key(k string) string {
	return fmt.Sprintf("%s:%s", l.prefix, k)
}
