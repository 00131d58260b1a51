package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/api/handlers"
	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/metrics"
)

// Server wraps the Fiber application.
type Server struct {
	app    *fiber.App
	cfg    config.HTTPConfig
	logger *zap.Logger
}

// Options collects what the server needs besides its handlers.
type Options struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	// Limiter is consulted when rate limiting is enabled.
	Limiter RateLimiter
	Logger  *zap.Logger
}

// NewServer constructs a new HTTP server.
func NewServer(h *handlers.HandlerSet, opts Options) *Server {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		IdleTimeout:           cfg.HTTP.IdleTimeout,
		ErrorHandler:          h.ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(otelfiber.Middleware())
	app.Use(requestMetrics(opts.Metrics))

	app.Get("/healthz", h.Health)
	if cfg.Metrics.Enabled {
		app.Get(cfg.Metrics.Path, adaptor.HTTPHandler(opts.Metrics.Handler()))
	}

	v1 := app.Group("/api/v1")
	if len(cfg.Auth.Keys) > 0 {
		v1.Use(apiKeyAuth(cfg.Auth), readOnlyGuard)
	}
	if cfg.RateLimit.Enabled && opts.Limiter != nil {
		v1.Use(rateLimit(opts.Limiter, opts.Metrics, opts.Logger))
	}
	h.Register(v1)

	return &Server{app: app, cfg: cfg.HTTP, logger: opts.Logger}
}

// App exposes the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving HTTP traffic until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
