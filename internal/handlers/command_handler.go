package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/dispatch"
)

type CommandHandler struct {
	dispatcher  *dispatch.Dispatcher
	commandRepo db.CommandRepository
	gate        *auth.Gate
}

func NewCommandHandler(dispatcher *dispatch.Dispatcher, commandRepo db.CommandRepository, gate *auth.Gate) *CommandHandler {
	return &CommandHandler{
		dispatcher:  dispatcher,
		commandRepo: commandRepo,
		gate:        gate,
	}
}

type DispatchRequest struct {
	Verb     string `json:"verb"`
	Instance string `json:"instance"`
}

type DispatchResponse struct {
	CommandID string `json:"command_id"`
	State     string `json:"state"`
}

// Dispatch queues a command for delivery to a spoke. The caller gets the
// command id back immediately; delivery and completion are tracked
// asynchronously through the command's state.
func (h *CommandHandler) Dispatch(c *fiber.Ctx) error {
	principal := principalFrom(c)
	if principal.Username == "" {
		return fail(c, auth.ErrUnauthenticated)
	}

	var req DispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	commandID, err := h.dispatcher.Dispatch(c.Params("id"), req.Verb, req.Instance, principal)
	if err != nil {
		return fail(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(DispatchResponse{
		CommandID: commandID,
		State:     "sent",
	})
}

// GetCommand returns a single command row
func (h *CommandHandler) GetCommand(c *fiber.Ctx) error {
	cmd, err := h.commandRepo.GetCommandByID(c.Params("cid"))
	if err != nil {
		return fail(c, err)
	}
	if cmd.SpokeID != c.Params("id") {
		return fail(c, db.ErrNotFound)
	}
	return c.JSON(cmd)
}

// ListCommands returns a spoke's dispatch history, newest first
func (h *CommandHandler) ListCommands(c *fiber.Ctx) error {
	commands, err := h.commandRepo.GetCommandsBySpokeID(c.Params("id"), c.QueryInt("limit", defaultHistoryLimit))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(commands)
}

// Result is the callback a spoke posts when a command finishes running.
// It is authenticated with the spoke's own credential, not a session token.
func (h *CommandHandler) Result(c *fiber.Ctx) error {
	spokeID := c.Params("id")
	if err := h.gate.AuthenticateSpokeCall(c.Get(agentapi.APIKeyHeader), c.IP(), spokeID); err != nil {
		return fail(c, err)
	}

	var result agentapi.CommandResult
	if err := c.BodyParser(&result); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	result.CommandID = c.Params("cid")

	if err := h.dispatcher.HandleResult(spokeID, result); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "result recorded"})
}
