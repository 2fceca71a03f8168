package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Gizmo3030/lgsm-hub/internal/auth"
)

const principalKey = "principal"

type AuthHandler struct {
	gate *auth.Gate
}

func NewAuthHandler(gate *auth.Gate) *AuthHandler {
	return &AuthHandler{gate: gate}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login verifies dashboard credentials and returns a session token
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	token, err := h.gate.Login(req.Username, req.Password, c.IP())
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(LoginResponse{AccessToken: token})
}

// Logout revokes the presented session token
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return fail(c, auth.ErrUnauthenticated)
	}

	if err := h.gate.Revoke(token); err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{"message": "logged out"})
}

// RequireSession is the middleware guarding dashboard routes. The session
// token comes from the Authorization header, or from a token query
// parameter for websocket upgrades, where browsers cannot set headers.
func (h *AuthHandler) RequireSession(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return fail(c, auth.ErrUnauthenticated)
	}

	principal, err := h.gate.AuthenticateDashboard(token)
	if err != nil {
		return fail(c, err)
	}

	c.Locals(principalKey, *principal)
	return c.Next()
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func principalFrom(c *fiber.Ctx) auth.Principal {
	if p, ok := c.Locals(principalKey).(auth.Principal); ok {
		return p
	}
	return auth.Principal{}
}
