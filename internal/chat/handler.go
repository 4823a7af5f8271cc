package chat

import (
	"log/slog"

	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	service *Service
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewHandler(service *Service, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		metrics: metrics,
		logger:  logger.With("component", "chat_handler"),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/chat", h.ServeWS)
}

// @Summary      Open a chat session
// @Description  Upgrades to a websocket carrying chat, playback and speech messages
// @Tags         chat
// @Param        session_id  query  string  false  "Session to resume; a new id is generated when empty"
// @Param        user_id     query  string  true   "User whose channel preferences apply"
// @Success      101  "Switching Protocols"
// @Failure      400  {object}  shared.APIError
// @Router       /ws/chat [get]
func (h *Handler) ServeWS(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return shared.BadRequest("missing_user", "user_id is required")
	}
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	conn := NewConn(ws, sessionID, userID, h.metrics, h.logger)
	ctx := c.Request().Context()

	if err := h.service.Connect(ctx, conn); err != nil {
		h.logger.Error("failed to open session", "session_id", sessionID, "error", err)
		_ = ws.Close()
		return nil
	}

	h.logger.Info("client connected", "session_id", sessionID, "user_id", userID)

	go conn.writePump(ctx)
	conn.readPump(ctx, h.service.Handle)

	h.service.Disconnect(conn)
	return nil
}
