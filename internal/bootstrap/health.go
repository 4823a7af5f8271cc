package bootstrap

import (
	"github.com/eleven-am/companion-backend/internal/asr"
	"github.com/eleven-am/companion-backend/internal/chat"
	"github.com/eleven-am/companion-backend/internal/delivery"
	"github.com/eleven-am/companion-backend/internal/health"
	"github.com/eleven-am/companion-backend/internal/synthesis"
	"github.com/eleven-am/companion-backend/internal/tasks"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const version = "1.0.0"

type HealthParams struct {
	fx.In

	DB         *gorm.DB
	Redis      *redis.Client
	TTS        *synthesis.Client
	Gateway    *asr.Gateway
	Registry   *tasks.Registry
	Dispatcher *delivery.Dispatcher
	Hub        *chat.Hub
}

func ProvideHealthHandler(p HealthParams) *health.Handler {
	return health.NewHandler(health.Dependencies{
		DB:          p.DB,
		Redis:       p.Redis,
		Synthesis:   p.TTS,
		Recognition: p.Gateway,
		Tasks:       p.Registry,
		Delivery:    p.Dispatcher,
		Connections: p.Hub,
		Version:     version,
	})
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
