package bootstrap

import (
	"log/slog"

	_ "github.com/eleven-am/companion-backend/docs"
	"github.com/eleven-am/companion-backend/internal/chat"
	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/session"
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	PreferenceHandler *preferences.Handler
	SessionHandler    *session.Handler
	ChatHandler       *chat.Handler
	Metrics           *observability.Metrics
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")
	params.PreferenceHandler.RegisterRoutes(api)
	params.SessionHandler.RegisterRoutes(api)

	params.ChatHandler.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(params.Metrics.Handler()))
	e.GET("/swagger/*", echoSwagger.EchoWrapHandler())
}

func ProvidePreferenceHandler(store *preferences.Store, logger *slog.Logger) *preferences.Handler {
	return preferences.NewHandler(store, logger.With("handler", "preferences"))
}

func ProvideSessionHandler(store *session.Store, logger *slog.Logger) *session.Handler {
	return session.NewHandler(store, logger.With("handler", "session"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvidePreferenceHandler,
		ProvideSessionHandler,
	),
	fx.Invoke(RegisterRoutes),
)
