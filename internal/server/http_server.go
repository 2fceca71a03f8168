package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/handlers"
)

type HTTPServer struct {
	app             *fiber.App
	authHandler     *handlers.AuthHandler
	spokeHandler    *handlers.SpokeHandler
	commandHandler  *handlers.CommandHandler
	logHandler      *handlers.LogHandler
	settingsHandler *handlers.SettingsHandler
	logger          *zap.Logger
	port            int
}

type HTTPServerConfig struct {
	AuthHandler     *handlers.AuthHandler
	SpokeHandler    *handlers.SpokeHandler
	CommandHandler  *handlers.CommandHandler
	LogHandler      *handlers.LogHandler
	SettingsHandler *handlers.SettingsHandler
	Logger          *zap.Logger
	Port            int
}

func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	app := fiber.New(fiber.Config{
		AppName: "LGSM Hub API",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Api-Key",
	}))

	return &HTTPServer{
		app:             app,
		authHandler:     config.AuthHandler,
		spokeHandler:    config.SpokeHandler,
		commandHandler:  config.CommandHandler,
		logHandler:      config.LogHandler,
		settingsHandler: config.SettingsHandler,
		logger:          config.Logger,
		port:            config.Port,
	}
}

func (s *HTTPServer) RegisterRoutes() {
	api := s.app.Group("/api")

	// Session management
	api.Post("/login", s.authHandler.Login)
	api.Post("/logout", s.authHandler.RequireSession, s.authHandler.Logout)

	// Spoke result callbacks carry spoke credentials, not session tokens
	api.Post("/spokes/:id/commands/:cid/result", s.commandHandler.Result)

	// Everything below requires a dashboard session
	session := api.Group("", s.authHandler.RequireSession)

	// Fleet
	spokes := session.Group("/spokes")
	spokes.Get("/", s.spokeHandler.List)
	spokes.Post("/", s.spokeHandler.Register)
	spokes.Get("/:id", s.spokeHandler.Get)
	spokes.Delete("/:id", s.spokeHandler.Remove)
	spokes.Get("/:id/history", s.spokeHandler.History)
	spokes.Get("/:id/events", s.spokeHandler.Events)

	// Commands
	spokes.Post("/:id/commands", s.commandHandler.Dispatch)
	spokes.Get("/:id/commands", s.commandHandler.ListCommands)
	spokes.Get("/:id/commands/:cid", s.commandHandler.GetCommand)

	// Live log streaming
	spokes.Get("/:id/logs/:instance", s.logHandler.Upgrade, s.logHandler.Stream())

	// Fleet-wide transition feed
	session.Get("/events", s.spokeHandler.RecentEvents)

	// Account
	session.Post("/password", s.settingsHandler.ChangePassword)

	// Admin only
	admin := session.Group("", handlers.RequireAdmin)
	admin.Get("/settings", s.settingsHandler.GetSettings)
	admin.Put("/settings", s.settingsHandler.PutSetting)
	admin.Post("/users", s.settingsHandler.CreateUser)

	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
}

func (s *HTTPServer) Start() error {
	s.RegisterRoutes()

	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	return s.app.Listen(addr)
}

func (s *HTTPServer) Shutdown() error {
	s.logger.Info("shutting down http server")
	return s.app.Shutdown()
}
