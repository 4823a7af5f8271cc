package bootstrap

import (
	"log/slog"

	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvidePreferenceStore(db *gorm.DB) *preferences.Store {
	return preferences.NewStore(db)
}

func ProvideSessionStore(redisClient *redis.Client) *session.Store {
	return session.NewStore(redisClient)
}

func RunMigrations(cfg *Config, prefStore *preferences.Store, logger *slog.Logger) error {
	if !cfg.AutoMigrate {
		logger.Info("skipping migrations")
		return nil
	}
	return prefStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvidePreferenceStore,
		ProvideSessionStore,
	),
	fx.Invoke(RunMigrations),
)
