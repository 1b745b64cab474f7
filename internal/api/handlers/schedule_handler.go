package handlers

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/service"
	"github.com/postpilothq/postpilot/internal/transfer"
)

type ScheduleHandler struct {
	s service.ScheduleService
}

func NewScheduleHandler(service service.ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{s: service}
}

// CreateSchedule accepts a recurrence config plus target accounts and returns
// one created schedule per account. Validation failures are 400, unknown or
// unowned resources 404, and calendar conflicts 409 with the colliding
// schedule in the body.
func (h *ScheduleHandler) CreateSchedule(c *fiber.Ctx) error {
	userID := GetUserID(c)

	var sc transfer.ScheduleCreation
	if err := c.BodyParser(&sc); err != nil {
		slog.Error(err.Error())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unable to parse request body",
		})
	}

	schedules, err := h.s.Schedule(c.Context(), userID, &sc)
	if err != nil {
		return serviceError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"schedules": toScheduleCreated(schedules),
	})
}

// CreateBulkSchedule spreads a batch of posts over one-shot slots starting at
// start_at, one interval apart, optionally skipping weekends.
func (h *ScheduleHandler) CreateBulkSchedule(c *fiber.Ctx) error {
	userID := GetUserID(c)

	var bc transfer.BulkScheduleCreation
	if err := c.BodyParser(&bc); err != nil {
		slog.Error(err.Error())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unable to parse request body",
		})
	}

	schedules, err := h.s.ScheduleBulk(c.Context(), userID, &bc)
	if err != nil {
		return serviceError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"schedules": toScheduleCreated(schedules),
	})
}

func (h *ScheduleHandler) CancelSchedule(c *fiber.Ctx) error {
	userID := GetUserID(c)
	scheduleID := c.QueryInt("id", 0)
	if scheduleID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "schedule id is required",
		})
	}

	if err := h.s.Cancel(c.Context(), userID, int64(scheduleID)); err != nil {
		return serviceError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *ScheduleHandler) ListSchedules(c *fiber.Ctx) error {
	userID := GetUserID(c)
	scheduleID := c.QueryInt("id", 0)

	if scheduleID != 0 {
		sched, err := h.s.Get(c.Context(), userID, int64(scheduleID))
		if err != nil {
			return serviceError(c, err)
		}
		return c.Status(fiber.StatusOK).JSON(sched)
	}

	schedules, err := h.s.List(c.Context(), userID, c.Query("status"), c.Query("platform"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(schedules)
}

func toScheduleCreated(schedules []*models.Schedule) []transfer.ScheduleCreated {
	out := make([]transfer.ScheduleCreated, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, transfer.ScheduleCreated{
			ScheduleID:  s.ID,
			JobID:       s.JobID,
			Platform:    s.Platform,
			AccountID:   s.AccountID,
			ScheduledAt: s.ScheduledAt.Format(time.RFC3339),
		})
	}
	return out
}
