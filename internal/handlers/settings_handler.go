package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

type SettingsHandler struct {
	settingRepo db.SettingRepository
	userRepo    db.UserRepository
}

func NewSettingsHandler(settingRepo db.SettingRepository, userRepo db.UserRepository) *SettingsHandler {
	return &SettingsHandler{
		settingRepo: settingRepo,
		userRepo:    userRepo,
	}
}

// RequireAdmin restricts a route group to admin sessions
func RequireAdmin(c *fiber.Ctx) error {
	principal := principalFrom(c)
	if principal.Username == "" {
		return fail(c, auth.ErrUnauthenticated)
	}
	if principal.Role != models.RoleAdmin {
		return fail(c, auth.ErrUnauthorized)
	}
	return c.Next()
}

func (h *SettingsHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.settingRepo.GetAllSettings()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(settings)
}

type PutSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *SettingsHandler) PutSetting(c *fiber.Ctx) error {
	var req PutSettingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.Key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "setting key is required"})
	}

	if err := h.settingRepo.SetSetting(req.Key, req.Value); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "setting updated"})
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *SettingsHandler) CreateUser(c *fiber.Ctx) error {
	var req CreateUserRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.Username == "" || len(req.Password) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "username and a password of at least 8 characters are required"})
	}

	role := req.Role
	if role != models.RoleAdmin && role != models.RoleOperator {
		role = models.RoleOperator
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return fail(c, err)
	}

	user := &models.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.userRepo.CreateUser(user); err != nil {
		return fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"username": user.Username, "role": user.Role})
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword lets a logged-in user rotate their own password
func (h *SettingsHandler) ChangePassword(c *fiber.Ctx) error {
	principal := principalFrom(c)
	if principal.Username == "" {
		return fail(c, auth.ErrUnauthenticated)
	}

	var req ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if len(req.NewPassword) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "new password must be at least 8 characters"})
	}

	user, err := h.userRepo.GetUserByUsername(principal.Username)
	if err != nil {
		return fail(c, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)) != nil {
		return fail(c, auth.ErrUnauthenticated)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fail(c, err)
	}
	if err := h.userRepo.UpdatePasswordHash(user.Username, string(hash)); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "password updated"})
}
