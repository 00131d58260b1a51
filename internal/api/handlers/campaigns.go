package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	campaignsvc "github.com/acme/outbound-orchestrator/internal/service/campaign"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

type createCampaignRequest struct {
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Schedule           scheduleRequest     `json:"schedule"`
	MaxConcurrentCalls int                 `json:"max_concurrent_calls"`
	RetryPolicy        *retryPolicyRequest `json:"retry_policy"`
	Contacts           []contactRequest    `json:"contacts"`
}

type scheduleRequest struct {
	StartAt   *time.Time       `json:"start_at"`
	EndAt     *time.Time       `json:"end_at"`
	TimeZone  string           `json:"time_zone"`
	Weekdays  []string         `json:"weekdays"`
	CallHours callHoursRequest `json:"call_hours"`
}

type callHoursRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type retryPolicyRequest struct {
	MaxAttempts  int    `json:"max_attempts"`
	BaseInterval string `json:"base_interval"`
}

type contactRequest struct {
	PhoneNumber string         `json:"phone_number"`
	Variables   map[string]any `json:"variables"`
}

type campaignResponse struct {
	ID                 uuid.UUID             `json:"id"`
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	Status             domain.CampaignStatus `json:"status"`
	Schedule           scheduleResponse      `json:"schedule"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	RetryPolicy        retryPolicyResponse   `json:"retry_policy"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	StartedAt          *time.Time            `json:"started_at,omitempty"`
	EndedAt            *time.Time            `json:"ended_at,omitempty"`
}

type scheduleResponse struct {
	StartAt   time.Time        `json:"start_at"`
	EndAt     *time.Time       `json:"end_at,omitempty"`
	TimeZone  string           `json:"time_zone"`
	Weekdays  []string         `json:"weekdays"`
	CallHours callHoursRequest `json:"call_hours"`
}

type retryPolicyResponse struct {
	MaxAttempts  int    `json:"max_attempts"`
	BaseInterval string `json:"base_interval"`
}

type campaignStatsResponse struct {
	TotalCalls       int64 `json:"total_calls"`
	QueuedCalls      int64 `json:"queued_calls"`
	InProgressCalls  int64 `json:"in_progress_calls"`
	CompletedCalls   int64 `json:"completed_calls"`
	FailedCalls      int64 `json:"failed_calls"`
	CancelledCalls   int64 `json:"cancelled_calls"`
	Dispatches       int64 `json:"dispatches"`
	RetriesScheduled int64 `json:"retries_scheduled"`
}

type contactResponse struct {
	ID          uuid.UUID      `json:"id"`
	CampaignID  uuid.UUID      `json:"campaign_id"`
	PhoneNumber string         `json:"phone_number"`
	Variables   map[string]any `json:"variables,omitempty"`
	Position    int            `json:"position"`
}

type addContactsResponse struct {
	Contacts []contactResponse `json:"contacts"`
	Calls    []callResponse    `json:"calls"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type listCallsResponse struct {
	Calls    []callResponse `json:"calls"`
	NextPage string         `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	var (
		campaigns []*domain.Campaign
		err       error
	)
	var afterID *uuid.UUID
	if after := ctx.Query("after_id"); after != "" {
		id, perr := uuid.Parse(after)
		if perr != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = &id
	}
	if status := ctx.Query("status"); status != "" {
		campaigns, err = h.campaigns.ListByStatus(ctx.UserContext(), domain.CampaignStatus(status), afterID, limit)
	} else {
		campaigns, err = h.campaigns.List(ctx.UserContext(), afterID, limit)
	}
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Pause(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Resume(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Cancel(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		TotalCalls:       stats.TotalCalls,
		QueuedCalls:      stats.QueuedCalls,
		InProgressCalls:  stats.InProgressCalls,
		CompletedCalls:   stats.CompletedCalls,
		FailedCalls:      stats.FailedCalls,
		CancelledCalls:   stats.CancelledCalls,
		Dispatches:       stats.Dispatches,
		RetriesScheduled: stats.RetriesScheduled,
	})
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.campaigns.AddContacts(ctx.UserContext(), id, toContactInputs(req.Contacts))
	if err != nil {
		return translateError(err)
	}

	resp := addContactsResponse{
		Contacts: make([]contactResponse, 0, len(result.Contacts)),
		Calls:    make([]callResponse, 0, len(result.Calls)),
	}
	for _, c := range result.Contacts {
		resp.Contacts = append(resp.Contacts, toContactResponse(c))
	}
	for _, c := range result.Calls {
		resp.Calls = append(resp.Calls, toCallResponse(c))
	}
	return ctx.Status(http.StatusAccepted).JSON(resp)
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	result, err := h.calls.ListCallsByCampaign(ctx.UserContext(), id, limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(result.Calls)), NextPage: result.NextToken}
	for i := range result.Calls {
		resp.Calls = append(resp.Calls, toCallResponse(&result.Calls[i]))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	weekdays := make([]string, 0, len(campaign.Schedule.Weekdays))
	for _, d := range campaign.Schedule.Weekdays {
		weekdays = append(weekdays, strings.ToLower(d.String()))
	}

	return campaignResponse{
		ID:          campaign.ID,
		Name:        campaign.Name,
		Description: campaign.Description,
		Status:      campaign.Status,
		Schedule: scheduleResponse{
			StartAt:  campaign.Schedule.StartAt,
			EndAt:    campaign.Schedule.EndAt,
			TimeZone: campaign.Schedule.TimeZone,
			Weekdays: weekdays,
			CallHours: callHoursRequest{
				Start: campaign.Schedule.CallHours.Start.String(),
				End:   campaign.Schedule.CallHours.End.String(),
			},
		},
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		RetryPolicy: retryPolicyResponse{
			MaxAttempts:  campaign.RetryPolicy.MaxAttempts,
			BaseInterval: campaign.RetryPolicy.BaseInterval.String(),
		},
		CreatedAt: campaign.CreatedAt,
		UpdatedAt: campaign.UpdatedAt,
		StartedAt: campaign.StartedAt,
		EndedAt:   campaign.EndedAt,
	}
}

func toContactResponse(c domain.Contact) contactResponse {
	return contactResponse{
		ID:          c.ID,
		CampaignID:  c.CampaignID,
		PhoneNumber: c.PhoneNumber,
		Variables:   c.Variables,
		Position:    c.Position,
	}
}

func toContactInputs(req []contactRequest) []campaignsvc.ContactInput {
	out := make([]campaignsvc.ContactInput, 0, len(req))
	for _, c := range req {
		out = append(out, campaignsvc.ContactInput{PhoneNumber: c.PhoneNumber, Variables: c.Variables})
	}
	return out
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	schedule, err := parseSchedule(req.Schedule)
	if err != nil {
		return campaignsvc.CreateCampaignInput{}, err
	}

	input := campaignsvc.CreateCampaignInput{
		Name:               req.Name,
		Description:        req.Description,
		Schedule:           schedule,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		Contacts:           toContactInputs(req.Contacts),
	}

	if req.RetryPolicy != nil {
		policy := domain.RetryPolicy{MaxAttempts: req.RetryPolicy.MaxAttempts}
		if req.RetryPolicy.BaseInterval != "" {
			d, err := time.ParseDuration(req.RetryPolicy.BaseInterval)
			if err != nil {
				return campaignsvc.CreateCampaignInput{}, fmt.Errorf("%w: invalid base_interval", apperrors.ErrValidation)
			}
			policy.BaseInterval = d
		}
		input.RetryPolicy = &policy
	}

	return input, nil
}

func parseSchedule(req scheduleRequest) (domain.Schedule, error) {
	schedule := domain.Schedule{EndAt: req.EndAt, TimeZone: req.TimeZone}
	if req.StartAt != nil {
		schedule.StartAt = *req.StartAt
	}

	for _, raw := range req.Weekdays {
		day, err := parseWeekday(raw)
		if err != nil {
			return domain.Schedule{}, err
		}
		schedule.Weekdays = append(schedule.Weekdays, day)
	}

	start, err := domain.ParseClockTime(req.CallHours.Start)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: call_hours.start: %v", apperrors.ErrValidation, err)
	}
	end, err := domain.ParseClockTime(req.CallHours.End)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: call_hours.end: %v", apperrors.ErrValidation, err)
	}
	schedule.CallHours = domain.CallHours{Start: start, End: end}

	return schedule, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if value == name || value == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid weekday %q", apperrors.ErrValidation, raw)
}
