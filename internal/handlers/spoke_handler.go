package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/services"
)

const defaultHistoryLimit = 100

type SpokeHandler struct {
	spokeService *services.SpokeService
	eventRepo    db.EventRepository
}

func NewSpokeHandler(spokeService *services.SpokeService, eventRepo db.EventRepository) *SpokeHandler {
	return &SpokeHandler{
		spokeService: spokeService,
		eventRepo:    eventRepo,
	}
}

type RegisterSpokeRequest struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	APIKey          string `json:"api_key"`
	AllowedSourceIP string `json:"allowed_source_ip,omitempty"`
}

type RegisterSpokeResponse struct {
	SpokeID string `json:"spoke_id"`
	Status  string `json:"status"`
}

// Register adds a spoke to the fleet. Re-registering an existing
// (name, address) pair updates its credentials instead of duplicating it.
func (h *SpokeHandler) Register(c *fiber.Ctx) error {
	var req RegisterSpokeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	spoke, created, err := h.spokeService.Register(req.Name, req.Address, req.APIKey, req.AllowedSourceIP)
	if err != nil {
		return fail(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(RegisterSpokeResponse{
		SpokeID: spoke.ID,
		Status:  string(spoke.Status),
	})
}

// List returns the fleet in registration order
func (h *SpokeHandler) List(c *fiber.Ctx) error {
	return c.JSON(h.spokeService.List())
}

// Get returns one spoke with its liveness state
func (h *SpokeHandler) Get(c *fiber.Ctx) error {
	spoke, err := h.spokeService.Get(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(spoke)
}

// Remove deletes a spoke and everything attached to it
func (h *SpokeHandler) Remove(c *fiber.Ctx) error {
	if err := h.spokeService.Remove(c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "spoke removed"})
}

// History returns the spoke's recent heartbeat samples
func (h *SpokeHandler) History(c *fiber.Ctx) error {
	samples, err := h.spokeService.History(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(samples)
}

// Events returns the spoke's status transition history, newest first
func (h *SpokeHandler) Events(c *fiber.Ctx) error {
	spokeID := c.Params("id")
	if _, err := h.spokeService.Get(spokeID); err != nil {
		return fail(c, err)
	}

	events, err := h.eventRepo.GetEventsBySpokeID(spokeID, c.QueryInt("limit", defaultHistoryLimit))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(events)
}

// RecentEvents returns the newest transitions across the fleet
func (h *SpokeHandler) RecentEvents(c *fiber.Ctx) error {
	events, err := h.eventRepo.GetRecentEvents(c.QueryInt("limit", defaultHistoryLimit))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(events)
}
