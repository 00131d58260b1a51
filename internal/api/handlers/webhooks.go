package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/webhook"
)

type registerWebhookRequest struct {
	URL         string            `json:"url"`
	EventTypes  []string          `json:"event_types"`
	Secret      string            `json:"secret"`
	Description string            `json:"description"`
	Headers     map[string]string `json:"headers"`
	Active      *bool             `json:"active"`
}

type webhookResponse struct {
	ID              uuid.UUID          `json:"id"`
	URL             string             `json:"url"`
	EventTypes      []domain.EventType `json:"event_types"`
	Secret          string             `json:"secret,omitempty"`
	Active          bool               `json:"active"`
	Description     string             `json:"description,omitempty"`
	Headers         map[string]string  `json:"headers,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at,omitempty"`
}

type triggerRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type deliveryResponse struct {
	ID             uuid.UUID             `json:"id"`
	EventID        uuid.UUID             `json:"event_id"`
	SubscriptionID uuid.UUID             `json:"subscription_id"`
	Attempt        int                   `json:"attempt"`
	Status         domain.DeliveryStatus `json:"status"`
	NextAttemptAt  time.Time             `json:"next_attempt_at"`
	DeliveredAt    *time.Time            `json:"delivered_at,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	LastStatusCode int                   `json:"last_status_code,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (h *HandlerSet) registerWebhook(ctx *fiber.Ctx) error {
	var req registerWebhookRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	types := make([]domain.EventType, 0, len(req.EventTypes))
	for _, t := range req.EventTypes {
		types = append(types, domain.EventType(t))
	}

	sub, err := h.webhooks.Register(ctx.UserContext(), webhook.RegisterInput{
		URL:         req.URL,
		EventTypes:  types,
		Secret:      req.Secret,
		Description: req.Description,
		Headers:     req.Headers,
		Active:      req.Active,
	})
	if err != nil {
		return translateError(err)
	}

	// the secret is only ever returned here
	resp := toWebhookResponse(sub)
	resp.Secret = sub.Secret
	return ctx.Status(http.StatusCreated).JSON(resp)
}

func (h *HandlerSet) listWebhooks(ctx *fiber.Ctx) error {
	subs, err := h.webhooks.List(ctx.UserContext(), domain.EventType(ctx.Query("event")))
	if err != nil {
		return translateError(err)
	}

	resp := make([]webhookResponse, 0, len(subs))
	for _, s := range subs {
		resp = append(resp, toWebhookResponse(s))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"webhooks": resp})
}

func (h *HandlerSet) getWebhook(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "webhook")
	if err != nil {
		return err
	}
	sub, err := h.webhooks.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toWebhookResponse(sub))
}

func (h *HandlerSet) deleteWebhook(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "webhook")
	if err != nil {
		return err
	}
	if err := h.webhooks.Delete(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) eventCatalogue(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"events": h.webhooks.Catalogue()})
}

func (h *HandlerSet) triggerEvent(ctx *fiber.Ctx) error {
	var req triggerRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}

	ev, err := h.webhooks.Trigger(ctx.UserContext(), domain.EventType(req.EventType), req.Payload)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"created_at": ev.CreatedAt,
	})
}

func (h *HandlerSet) listDeliveries(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	attempts, err := h.webhooks.ListDeliveries(ctx.UserContext(), domain.DeliveryStatus(ctx.Query("status")), limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]deliveryResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, toDeliveryResponse(a))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"deliveries": resp})
}

func (h *HandlerSet) redriveDelivery(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "delivery")
	if err != nil {
		return err
	}
	attempt, err := h.webhooks.Redrive(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toDeliveryResponse(attempt))
}

func toWebhookResponse(s *domain.WebhookSubscription) webhookResponse {
	return webhookResponse{
		ID:              s.ID,
		URL:             s.URL,
		EventTypes:      s.EventTypes,
		Active:          s.Active,
		Description:     s.Description,
		Headers:         s.Headers,
		CreatedAt:       s.CreatedAt,
		LastTriggeredAt: s.LastTriggeredAt,
	}
}

func toDeliveryResponse(a *domain.DeliveryAttempt) deliveryResponse {
	return deliveryResponse{
		ID:             a.ID,
		EventID:        a.EventID,
		SubscriptionID: a.SubscriptionID,
		Attempt:        a.Attempt,
		Status:         a.Status,
		NextAttemptAt:  a.NextAttemptAt,
		DeliveredAt:    a.DeliveredAt,
		LastError:      a.LastError,
		LastStatusCode: a.LastStatusCode,
		UpdatedAt:      a.UpdatedAt,
	}
}
