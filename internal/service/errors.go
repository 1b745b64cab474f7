package service

import (
	"fmt"
	"time"

	"github.com/postpilothq/postpilot/internal/models"
)

// ValidationError rejects a request before anything is persisted or queued.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConflictError means the candidate schedule collides with an existing one.
// It carries the colliding schedule and instant so the caller can decide
// whether to override and resubmit.
type ConflictError struct {
	Schedule *models.Schedule
	Instant  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule conflicts with schedule %d at %s",
		e.Schedule.ID, e.Instant.Format(time.RFC3339))
}

// NotFoundError covers resources that do not exist or are not owned by the
// requesting user; both look identical to the caller.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}
