package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/telephony"
)

// statusAnswered is the callback status reported when the callee picks up.
const statusAnswered = "answered"

type providerCallbackRequest struct {
	CallID      string `json:"call_id"`
	Attempt     int    `json:"attempt"`
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"`
}

func (h *HandlerSet) providerCallback(ctx *fiber.Ctx) error {
	var req providerCallbackRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	callID, err := uuid.Parse(req.CallID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	if req.Attempt <= 0 {
		return fiber.NewError(http.StatusBadRequest, "attempt must be positive")
	}

	handle := telephony.Handle{CallID: callID, Attempt: req.Attempt, ProviderRef: req.ProviderRef}
	if req.Status == statusAnswered {
		err = h.outcomes.OnAnswered(ctx.UserContext(), handle)
	} else {
		err = h.outcomes.OnOutcome(ctx.UserContext(), handle, domain.Outcome(req.Status))
	}
	if err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
