package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	callsvc "github.com/acme/outbound-orchestrator/internal/service/call"
	campaignsvc "github.com/acme/outbound-orchestrator/internal/service/campaign"
	"github.com/acme/outbound-orchestrator/internal/telephony"
	"github.com/acme/outbound-orchestrator/internal/webhook"
)

// HealthCheck probes one backing dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services behind the admin API.
type Deps struct {
	Campaigns *campaignsvc.Service
	Calls     *callsvc.Service
	Webhooks  *webhook.Service
	Outcomes  telephony.OutcomeSink
	Health    []HealthCheck
	Logger    *zap.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	calls     *callsvc.Service
	webhooks  *webhook.Service
	outcomes  telephony.OutcomeSink
	health    []HealthCheck
	logger    *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandlerSet{
		campaigns: deps.Campaigns,
		calls:     deps.Calls,
		webhooks:  deps.Webhooks,
		outcomes:  deps.Outcomes,
		health:    deps.Health,
		logger:    logger,
	}
}

// Register wires the versioned API routes onto router.
func (h *HandlerSet) Register(router fiber.Router) {
	campaigns := router.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Post("/:id/contacts", h.addContacts)
	campaigns.Get("/:id/calls", h.listCampaignCalls)

	calls := router.Group("/calls")
	calls.Post("/", h.createCall)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/attempts", h.callAttempts)
	calls.Post("/:id/cancel", h.cancelCall)

	webhooks := router.Group("/webhooks")
	webhooks.Post("/", h.registerWebhook)
	webhooks.Get("/", h.listWebhooks)
	webhooks.Get("/events", h.eventCatalogue)
	webhooks.Post("/trigger", h.triggerEvent)
	webhooks.Get("/:id", h.getWebhook)
	webhooks.Delete("/:id", h.deleteWebhook)

	deliveries := router.Group("/deliveries")
	deliveries.Get("/", h.listDeliveries)
	deliveries.Post("/:id/retry", h.redriveDelivery)

	router.Post("/provider/callbacks", h.providerCallback)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal error"

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": traceID(ctx),
	})
}

func traceID(ctx *fiber.Ctx) string {
	sc := trace.SpanContextFromContext(ctx.UserContext())
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Health reports the reachability of every configured dependency.
func (h *HandlerSet) Health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for _, hc := range h.health {
		if err := hc.Check(healthCtx); err != nil {
			errs[hc.Name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
