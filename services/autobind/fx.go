package autobind

import (
	"devicetrust-controlplane/pkg/config"
	"devicetrust-controlplane/services/devicebinding"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("autobind",
	fx.Provide(
		ProvideGuard,
		ProvideCoordinator,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

type GuardParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

// ProvideGuard prefers Redis so every node shares session claims.
func ProvideGuard(p GuardParams) SessionGuard {
	if p.Redis == nil {
		zap.L().Warn("redis not configured, auto-bind sessions are guarded per process")
		return NewMemoryGuard(p.Config.Session.GuardTTL)
	}
	return NewRedisGuard(p.Redis, p.Config.Session.GuardTTL)
}

func ProvideCoordinator(svc *devicebinding.Service, guard SessionGuard) *Coordinator {
	return NewCoordinator(svc, guard)
}
