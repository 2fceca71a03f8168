package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/logrelay"
)

type LogHandler struct {
	relay  *logrelay.Relay
	logger *zap.Logger
}

func NewLogHandler(relay *logrelay.Relay, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		relay:  relay,
		logger: logger,
	}
}

// Upgrade rejects plain HTTP requests on the log streaming route
func (h *LogHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream forwards live log lines for one instance to the client until
// either side disconnects. Multiple clients watching the same instance
// share a single connection to the spoke.
func (h *LogHandler) Stream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		spokeID := conn.Params("id")
		instance := conn.Params("instance")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub, err := h.relay.Subscribe(ctx, spokeID, instance)
		if err != nil {
			_ = conn.WriteJSON(ErrorResponse{Error: err.Error()})
			return
		}
		defer h.relay.Unsubscribe(sub)

		// Client disconnects surface as read errors
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			line, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
					h.logger.Warn("log stream ended",
						zap.String("spoke_id", spokeID),
						zap.String("instance", instance),
						zap.Error(err))
				}
				return
			}
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		}
	})
}
