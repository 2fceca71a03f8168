package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/dispatch"
	"github.com/Gizmo3030/lgsm-hub/internal/logrelay"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
	"github.com/Gizmo3030/lgsm-hub/internal/services"
)

// ErrorResponse is the JSON error body returned by every handler
type ErrorResponse struct {
	Error string `json:"error"`
}

// fail maps domain errors to HTTP status codes so every rejected action
// returns a distinguishable reason.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status = fiber.StatusUnauthorized
	case errors.Is(err, auth.ErrUnauthorized):
		status = fiber.StatusForbidden
	case errors.Is(err, auth.ErrForbiddenSourceIP):
		status = fiber.StatusForbidden
	case errors.Is(err, auth.ErrTooManyAttempts):
		status = fiber.StatusTooManyRequests
	case errors.Is(err, db.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, logrelay.ErrNoSpoke):
		status = fiber.StatusNotFound
	case errors.Is(err, dispatch.ErrSpokeUnreachable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrQueueFull):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrInvalidVerb), errors.Is(err, services.ErrInvalidDescriptor):
		status = fiber.StatusBadRequest
	case errors.Is(err, db.ErrStateNotAdvanced):
		status = fiber.StatusConflict
	}

	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}
