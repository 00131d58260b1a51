package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	callsvc "github.com/acme/outbound-orchestrator/internal/service/call"
)

type createCallRequest struct {
	CampaignID  string         `json:"campaign_id"`
	PhoneNumber string         `json:"phone_number"`
	Variables   map[string]any `json:"variables"`
}

type callResponse struct {
	ID           uuid.UUID         `json:"id"`
	CampaignID   uuid.UUID         `json:"campaign_id"`
	ContactID    uuid.UUID         `json:"contact_id"`
	PhoneNumber  string            `json:"phone_number"`
	Status       domain.CallStatus `json:"status"`
	Outcome      domain.Outcome    `json:"outcome,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	RetryAt      *time.Time        `json:"retry_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastError    *string           `json:"last_error,omitempty"`
}

type createCallResponse struct {
	Contact contactResponse `json:"contact"`
	Call    *callResponse   `json:"call,omitempty"`
}

type attemptResponse struct {
	Attempt    int            `json:"attempt"`
	Outcome    domain.Outcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
}

func (h *HandlerSet) createCall(ctx *fiber.Ctx) error {
	var req createCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	result, err := h.calls.Create(ctx.UserContext(), callsvc.CreateCallInput{
		CampaignID:  campaignID,
		PhoneNumber: req.PhoneNumber,
		Variables:   req.Variables,
	})
	if err != nil {
		return translateError(err)
	}

	resp := createCallResponse{Contact: toContactResponse(result.Contact)}
	if result.Call != nil {
		call := toCallResponse(result.Call)
		resp.Call = &call
	}
	return ctx.Status(http.StatusAccepted).JSON(resp)
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	record, err := h.calls.GetCall(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) callAttempts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	attempts, err := h.calls.Attempts(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			Attempt:    a.AttemptNum,
			Outcome:    a.Outcome,
			Error:      a.Error,
			StartedAt:  a.StartedAt,
			EndedAt:    a.EndedAt,
			DurationMS: a.Duration().Milliseconds(),
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"attempts": resp})
}

func (h *HandlerSet) cancelCall(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	record, err := h.calls.Cancel(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func toCallResponse(call *domain.Call) callResponse {
	return callResponse{
		ID:           call.ID,
		CampaignID:   call.CampaignID,
		ContactID:    call.ContactID,
		PhoneNumber:  call.PhoneNumber,
		Status:       call.Status,
		Outcome:      call.Outcome,
		AttemptCount: call.AttemptCount,
		ScheduledAt:  call.ScheduledAt,
		StartedAt:    call.StartedAt,
		EndedAt:      call.EndedAt,
		RetryAt:      call.RetryAt,
		CreatedAt:    call.CreatedAt,
		UpdatedAt:    call.UpdatedAt,
		LastError:    call.LastError,
	}
}
