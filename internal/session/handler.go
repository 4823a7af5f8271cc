package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/labstack/echo/v4"
)

const maxMetricsHours = 7 * 24

type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  store,
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/sessions/:id", h.GetSession)
	g.GET("/sessions/metrics", h.GetMetrics)
}

// @Summary      Get chat session
// @Tags         sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  Session
// @Failure      404  {object}  shared.APIError
// @Router       /sessions/{id} [get]
func (h *Handler) GetSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("session_not_found", "session not found")
		}
		h.logger.Error("failed to get session", "error", err, "session_id", id)
		return shared.InternalError("get_failed", "failed to get session")
	}
	return c.JSON(http.StatusOK, sess)
}

// @Summary      Get hourly chat counters
// @Tags         sessions
// @Produce      json
// @Param        hours  query     int  false  "Hours to look back (default 24, max 168)"
// @Success      200    {array}   Metrics
// @Failure      400    {object}  shared.APIError
// @Router       /sessions/metrics [get]
func (h *Handler) GetMetrics(c echo.Context) error {
	hours := 24
	if v := c.QueryParam("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMetricsHours {
			return shared.BadRequest("invalid_hours", "hours must be between 1 and 168")
		}
		hours = n
	}

	metrics, err := h.store.GetMetrics(c.Request().Context(), hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err)
		return shared.InternalError("metrics_failed", "failed to get metrics")
	}
	if metrics == nil {
		metrics = []*Metrics{}
	}
	return c.JSON(http.StatusOK, metrics)
}
