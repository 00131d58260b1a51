package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/concurrency"
	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/metrics"
)

const localsAPIKey = "api_key"

// RateLimiter decides whether a caller may issue another request.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (concurrency.Decision, error)
}

// apiKeyAuth accepts requests carrying one of the configured keys and stores
// the matched key in the request locals.
func apiKeyAuth(cfg config.AuthConfig) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup: "header:" + cfg.Header,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			for _, k := range cfg.Keys {
				if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
					c.Locals(localsAPIKey, k)
					return true, nil
				}
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(_ *fiber.Ctx, _ error) error {
			return fiber.NewError(fiber.StatusUnauthorized, "missing or invalid api key")
		},
	})
}

// readOnlyGuard rejects mutations made with a read-only key.
func readOnlyGuard(c *fiber.Ctx) error {
	key, ok := c.Locals(localsAPIKey).(config.APIKeyConfig)
	if !ok || !key.ReadOnly {
		return c.Next()
	}
	switch c.Method() {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return c.Next()
	}
	return fiber.NewError(fiber.StatusForbidden, "api key is read-only")
}

// rateLimit applies the limiter per API key, or per client address for
// unauthenticated deployments. Limiter failures let the request through.
func rateLimit(limiter RateLimiter, m *metrics.Metrics, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if k, ok := c.Locals(localsAPIKey).(config.APIKeyConfig); ok {
			key = "key:" + k.Name
		}

		decision, err := limiter.Allow(c.UserContext(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			m.RateLimitExceeded.Inc()
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(seconds, 1)))
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

// requestMetrics counts requests by method and final status.
func requestMetrics(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}
		m.APIRequestsTotal.WithLabelValues(c.Method(), strconv.Itoa(status)).Inc()
		return err
	}
}
