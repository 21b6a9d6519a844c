package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"devicetrust-controlplane/pkg/config"
	"devicetrust-controlplane/pkg/db"
	"devicetrust-controlplane/pkg/gen"
	"devicetrust-controlplane/pkg/hashistack/secretmanager"
	"devicetrust-controlplane/pkg/health"
	"devicetrust-controlplane/pkg/logger"
	"devicetrust-controlplane/pkg/otelcol"
	"devicetrust-controlplane/pkg/redis"
	"devicetrust-controlplane/pkg/server"
	"devicetrust-controlplane/pkg/task"
	"devicetrust-controlplane/services/autobind"
	"devicetrust-controlplane/services/devicebinding"
	"devicetrust-controlplane/services/notification"
	"devicetrust-controlplane/services/trust"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		task.Client,
		gen.Module,
		trust.Module,
		notification.Module,
		devicebinding.Module,
		devicebinding.HTTPModule,
		autobind.Module,
		health.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(newFxLogger)

// newFxLogger silences fx lifecycle events in production.
func newFxLogger(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
}
