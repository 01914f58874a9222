package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/internal/middleware"
	"github.com/noah-isme/gema-grading/internal/service"
)

// GradingStreamHandler pushes task transitions of one submission over a websocket.
type GradingStreamHandler struct {
	events       service.GradingEvents
	logger       zerolog.Logger
	pingInterval time.Duration
}

// NewGradingStreamHandler creates the stream handler.
func NewGradingStreamHandler(events service.GradingEvents, pingInterval time.Duration, logger zerolog.Logger) *GradingStreamHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &GradingStreamHandler{
		events:       events,
		logger:       logger.With().Str("component", "grading_stream_handler").Logger(),
		pingInterval: pingInterval,
	}
}

// Register binds the websocket route.
func (h *GradingStreamHandler) Register(router fiber.Router) {
	router.Get("/submissions/:id/stream", h.upgrade, websocket.New(h.stream))
}

func (h *GradingStreamHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid submission id")
	}
	c.Locals("submission_id", id)
	c.Locals("correlation_id", middleware.GetCorrelationID(c))
	return c.Next()
}

func (h *GradingStreamHandler) stream(conn *websocket.Conn) {
	submissionID, _ := conn.Locals("submission_id").(uint)
	correlation, _ := conn.Locals("correlation_id").(string)
	logger := h.logger.With().Uint("submission_id", submissionID).Str("correlation_id", correlation).Logger()

	events, cleanup := h.events.Subscribe(submissionID)
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	logger.Info().Msg("grading stream connected")
	defer logger.Info().Msg("grading stream disconnected")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("failed to write grading event")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
