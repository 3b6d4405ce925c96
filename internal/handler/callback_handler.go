package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/callback-engine/internal/auth"
	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/observability"
	"github.com/kursadbilgin/callback-engine/internal/service"
)

type CallbackService interface {
	Schedule(ctx context.Context, in service.ScheduleInput) (domain.CallbackRequest, error)
	Execute(ctx context.Context, id string) (domain.CallbackRequest, error)
	ExecuteNext(ctx context.Context) (domain.CallbackRequest, error)
	Cancel(ctx context.Context, id string, reason string) (domain.CallbackRequest, error)
	Reschedule(ctx context.Context, id string, at time.Time) (domain.CallbackRequest, error)
	UpdatePriority(ctx context.Context, id string, priority string) (domain.CallbackRequest, error)
	AddNotes(ctx context.Context, id string, text string, author string) (domain.CallbackRequest, error)
	MarkCompleted(ctx context.Context, id string, disposition string, handledBy string) (domain.CallbackRequest, error)
	ClearCompleted(ctx context.Context) int
	ClearFailed(ctx context.Context) int
	LoadFromStorage(ctx context.Context) int
	SaveToStorage(ctx context.Context) int
	ClearStorage(ctx context.Context)
	GetStats() service.Stats
	Get(id string) (domain.CallbackRequest, error)
	List(status string) ([]domain.CallbackRequest, error)
	Due() []domain.CallbackRequest
	Attempts(ctx context.Context, id string) ([]domain.CallbackAttempt, error)
}

var _ CallbackService = (*service.CallbackService)(nil)

type CallbackHandler struct {
	service CallbackService
}

func NewCallbackHandler(service CallbackService) (*CallbackHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("callback service is required")
	}
	return &CallbackHandler{service: service}, nil
}

func RegisterCallbackRoutes(router fiber.Router, service CallbackService) error {
	h, err := NewCallbackHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/callbacks", h.Schedule)
	v1.Get("/callbacks", h.List)
	v1.Get("/callbacks/due", h.Due)
	v1.Post("/callbacks/execute-next", h.ExecuteNext)
	v1.Delete("/callbacks/completed", h.ClearCompleted)
	v1.Delete("/callbacks/failed", h.ClearFailed)
	v1.Get("/callbacks/:id", h.Get)
	v1.Get("/callbacks/:id/attempts", h.Attempts)
	v1.Post("/callbacks/:id/execute", h.Execute)
	v1.Post("/callbacks/:id/cancel", h.Cancel)
	v1.Post("/callbacks/:id/reschedule", h.Reschedule)
	v1.Put("/callbacks/:id/priority", h.UpdatePriority)
	v1.Post("/callbacks/:id/notes", h.AddNotes)
	v1.Post("/callbacks/:id/complete", h.Complete)

	v1.Post("/storage/load", h.LoadStorage)
	v1.Post("/storage/save", h.SaveStorage)
	v1.Delete("/storage", h.ClearStorage)

	v1.Get("/stats", h.Stats)

	return nil
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type rescheduleRequest struct {
	ScheduledAt string `json:"scheduledAt"`
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

type notesRequest struct {
	Text   string `json:"text"`
	Author string `json:"author"`
}

type completeRequest struct {
	Disposition string `json:"disposition"`
	HandledBy   string `json:"handledBy"`
}

type listCallbacksResponse struct {
	Data []domain.CallbackRequest `json:"data"`
	Meta listMeta                 `json:"meta"`
}

type listMeta struct {
	Total int `json:"total"`
}

func (h *CallbackHandler) Schedule(c *fiber.Ctx) error {
	var in service.ScheduleInput
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	rec, err := h.service.Schedule(requestContext(c), in)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(rec)
}

func (h *CallbackHandler) List(c *fiber.Ctx) error {
	records, err := h.service.List(strings.TrimSpace(c.Query("status")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(newListResponse(records))
}

func (h *CallbackHandler) Due(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(newListResponse(h.service.Due()))
}

func (h *CallbackHandler) Get(c *fiber.Ctx) error {
	rec, err := h.service.Get(callbackID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *CallbackHandler) Attempts(c *fiber.Ctx) error {
	attempts, err := h.service.Attempts(requestContext(c), callbackID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": attempts,
		"meta": listMeta{Total: len(attempts)},
	})
}

func (h *CallbackHandler) Execute(c *fiber.Ctx) error {
	rec, err := h.service.Execute(requestContext(c), callbackID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(rec)
}

func (h *CallbackHandler) ExecuteNext(c *fiber.Ctx) error {
	rec, err := h.service.ExecuteNext(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(rec)
}

func (h *CallbackHandler) Cancel(c *fiber.Ctx) error {
	var req cancelRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}

	rec, err := h.service.Cancel(requestContext(c), callbackID(c), req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *CallbackHandler) Reschedule(c *fiber.Ctx) error {
	var req rescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	at, err := parseRFC3339(req.ScheduledAt, "scheduledAt")
	if err != nil {
		return toHTTPError(err)
	}

	rec, err := h.service.Reschedule(requestContext(c), callbackID(c), at)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *CallbackHandler) UpdatePriority(c *fiber.Ctx) error {
	var req priorityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	rec, err := h.service.UpdatePriority(requestContext(c), callbackID(c), req.Priority)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *CallbackHandler) AddNotes(c *fiber.Ctx) error {
	var req notesRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = auth.Operator(c)
	}

	rec, err := h.service.AddNotes(requestContext(c), callbackID(c), req.Text, author)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *CallbackHandler) Complete(c *fiber.Ctx) error {
	var req completeRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}

	handledBy := strings.TrimSpace(req.HandledBy)
	if handledBy == "" {
		handledBy = auth.Operator(c)
	}

	rec, err := h.service.MarkCompleted(requestContext(c), callbackID(c), req.Disposition, handledBy)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *CallbackHandler) ClearCompleted(c *fiber.Ctx) error {
	removed := h.service.ClearCompleted(requestContext(c))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"removed": removed})
}

func (h *CallbackHandler) ClearFailed(c *fiber.Ctx) error {
	removed := h.service.ClearFailed(requestContext(c))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"removed": removed})
}

func (h *CallbackHandler) LoadStorage(c *fiber.Ctx) error {
	loaded := h.service.LoadFromStorage(requestContext(c))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"loaded": loaded})
}

func (h *CallbackHandler) SaveStorage(c *fiber.Ctx) error {
	saved := h.service.SaveToStorage(requestContext(c))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"saved": saved})
}

func (h *CallbackHandler) ClearStorage(c *fiber.Ctx) error {
	h.service.ClearStorage(requestContext(c))
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CallbackHandler) Stats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.service.GetStats())
}

func newListResponse(records []domain.CallbackRequest) listCallbacksResponse {
	if records == nil {
		records = []domain.CallbackRequest{}
	}
	return listCallbacksResponse{
		Data: records,
		Meta: listMeta{Total: len(records)},
	}
}

// callbackID copies the route param; fiber reuses its buffer after the request.
func callbackID(c *fiber.Ctx) string {
	return strings.Clone(strings.TrimSpace(c.Params("id")))
}

// parseOptionalBody decodes the body only when one was sent.
func parseOptionalBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

func parseRFC3339(value string, field string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return t, nil
}

func requestContext(c *fiber.Ctx) context.Context {
	return observability.RequestContext(c)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConcurrency), errors.Is(err, domain.ErrInvalidState):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPersistence):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrOrigination):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return err
	}
}
