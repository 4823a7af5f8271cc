package preferences

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/labstack/echo/v4"
)

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
		logger: logger.With("component", "preferences_handler"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/preferences/:user_id", h.Get)
	g.PUT("/preferences/:user_id", h.Update)
	g.DELETE("/preferences/:user_id", h.Delete)
}

// @Summary      Get channel preferences
// @Description  Returns the delivery channels enabled for a user, or the defaults
// @Tags         preferences
// @Produce      json
// @Param        user_id  path      string  true  "User ID"
// @Success      200      {object}  ChannelPreference
// @Failure      500      {object}  shared.APIError
// @Router       /preferences/{user_id} [get]
func (h *Handler) Get(c echo.Context) error {
	userID := c.Param("user_id")
	p, err := h.store.Lookup(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("failed to load preferences", "error", err, "user_id", userID)
		return shared.InternalError("lookup_failed", "failed to load preferences")
	}
	return c.JSON(http.StatusOK, p)
}

// @Summary      Update channel preferences
// @Tags         preferences
// @Accept       json
// @Produce      json
// @Param        user_id  path      string         true  "User ID"
// @Param        body     body      UpdateRequest  true  "Fields to change"
// @Success      200      {object}  ChannelPreference
// @Failure      400      {object}  shared.APIError
// @Failure      500      {object}  shared.APIError
// @Router       /preferences/{user_id} [put]
func (h *Handler) Update(c echo.Context) error {
	userID := c.Param("user_id")
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_body", "invalid request body")
	}
	if req.SpeechSpeed != nil && (*req.SpeechSpeed <= 0 || *req.SpeechSpeed > 4) {
		return shared.BadRequest("invalid_speed", "speech_speed must be in (0, 4]")
	}

	p, err := h.store.Update(c.Request().Context(), userID, req)
	if err != nil {
		h.logger.Error("failed to update preferences", "error", err, "user_id", userID)
		return shared.InternalError("update_failed", "failed to update preferences")
	}
	return c.JSON(http.StatusOK, p)
}

// @Summary      Reset channel preferences
// @Tags         preferences
// @Param        user_id  path  string  true  "User ID"
// @Success      204  "No Content"
// @Failure      404  {object}  shared.APIError
// @Router       /preferences/{user_id} [delete]
func (h *Handler) Delete(c echo.Context) error {
	userID := c.Param("user_id")
	if err := h.store.Delete(c.Request().Context(), userID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("preferences_not_found", "no stored preferences")
		}
		h.logger.Error("failed to delete preferences", "error", err, "user_id", userID)
		return shared.InternalError("delete_failed", "failed to delete preferences")
	}
	return c.NoContent(http.StatusNoContent)
}
