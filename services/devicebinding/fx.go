package devicebinding

import (
	"fmt"

	"devicetrust-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("devicebinding.module",
	fx.Provide(NewService),
	fx.Invoke(migrate),
)

var HTTPModule = fx.Module("devicebinding.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var WorkerModule = fx.Module("devicebinding.worker",
	fx.Provide(NewTask),
	fx.Invoke(RegisterHandlers, registerScheduler),
)

func migrate(cfg *config.Config, db *gorm.DB) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("failed to migrate device binding tables", zap.Error(err))
		return fmt.Errorf("migrate device binding tables: %w", err)
	}
	return nil
}
