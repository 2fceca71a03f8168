package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// DefaultRunTimeout bounds a single control action. Updates and backups can
// take a long time, so this stays generous.
const DefaultRunTimeout = 10 * time.Minute

// Server is the spoke-side HTTP surface the hub talks to
type Server struct {
	app        *fiber.App
	manager    GameServerManager
	reporter   *Reporter
	keyDigest  string
	runTimeout time.Duration
	logger     *zap.Logger
	port       int
}

type ServerConfig struct {
	Manager    GameServerManager
	Reporter   *Reporter
	KeyDigest  string
	RunTimeout time.Duration
	Logger     *zap.Logger
	Port       int
}

func NewServer(config ServerConfig) *Server {
	app := fiber.New(fiber.Config{
		AppName: "LGSM Spoke Agent",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	runTimeout := config.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}

	return &Server{
		app:        app,
		manager:    config.Manager,
		reporter:   config.Reporter,
		keyDigest:  config.KeyDigest,
		runTimeout: runTimeout,
		logger:     config.Logger,
		port:       config.Port,
	}
}

// requireKey rejects any call not carrying the provisioned credential
func (s *Server) requireKey(c *fiber.Ctx) error {
	if !auth.DigestsEqual(c.Get(agentapi.APIKeyHeader), s.keyDigest) {
		return c.Status(fiber.StatusUnauthorized).JSON(agentapi.ErrorResponse{Error: "invalid api key"})
	}
	return c.Next()
}

func (s *Server) RegisterRoutes() {
	s.app.Use(s.requireKey)

	s.app.Get("/status", s.handleStatus)
	s.app.Get("/telemetry", s.handleTelemetry)
	s.app.Post("/commands", s.handleCommand)

	s.app.Get("/logs/:instance", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(s.handleLogs))
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	instances, err := s.manager.Instances(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(agentapi.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(agentapi.StatusReport{
		Status:    "ok",
		Instances: instances,
	})
}

func (s *Server) handleTelemetry(c *fiber.Ctx) error {
	metrics, err := s.manager.Telemetry(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(agentapi.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(metrics)
}

// handleCommand acknowledges the request immediately and runs the action in
// the background; the outcome goes back through the hub's result callback
func (s *Server) handleCommand(c *fiber.Ctx) error {
	var req agentapi.ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(agentapi.ErrorResponse{Error: "invalid request body"})
	}

	if !models.ValidVerb(req.Verb) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(agentapi.ErrorResponse{
			Error: fmt.Sprintf("unsupported verb %q", req.Verb),
		})
	}
	if req.Instance == "" || req.CommandID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(agentapi.ErrorResponse{Error: "command_id and instance are required"})
	}

	go s.run(req)

	return c.Status(fiber.StatusAccepted).JSON(agentapi.ExecuteAck{
		CommandID: req.CommandID,
		Accepted:  true,
	})
}

func (s *Server) run(req agentapi.ExecuteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	s.logger.Info("running command",
		zap.String("command_id", req.CommandID),
		zap.String("instance", req.Instance),
		zap.String("verb", req.Verb))

	output, err := s.manager.Run(ctx, req.Instance, req.Verb)

	result := agentapi.CommandResult{
		CommandID: req.CommandID,
		Success:   err == nil,
	}
	if err != nil {
		result.Detail = err.Error()
		s.logger.Warn("command failed",
			zap.String("command_id", req.CommandID),
			zap.Error(err))
	} else {
		result.Detail = tailOf(output, 1024)
	}

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()
	if err := s.reporter.Report(reportCtx, result); err != nil {
		s.logger.Error("failed to report command result",
			zap.String("command_id", req.CommandID),
			zap.Error(err))
	}
}

// handleLogs streams the instance console log over the established websocket
func (s *Server) handleLogs(conn *websocket.Conn) {
	instance := conn.Params("instance")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc, err := s.manager.OpenLog(ctx, instance)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("error: "+err.Error()))
		return
	}
	defer rc.Close()

	// Client disconnects surface as read errors
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lines := ReadLines(rc)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// tailOf keeps the last n bytes of script output for the result detail
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (s *Server) Start() error {
	s.RegisterRoutes()

	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting agent server", zap.String("addr", addr))

	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	s.logger.Info("shutting down agent server")
	return s.app.Shutdown()
}
