package trust

import (
	"devicetrust-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("trust",
	fx.Provide(
		ProvideTable,
		ProvideThresholds,
	),
)

// ProvideTable starts from the default table and applies TRUST.POLICIES
// overrides. An invalid override fails startup.
func ProvideTable(cfg *config.Config) (*Table, error) {
	policies := DefaultPolicies()
	for name, override := range cfg.Trust.Policies {
		policies[Level(name)] = Policy{
			MaxDevices:      override.MaxDevices,
			UnbindsPerMonth: override.UnbindsPerMonth,
			CooldownHours:   override.CooldownHours,
		}
	}

	table, err := NewTable(policies)
	if err != nil {
		zap.L().Error("invalid trust policy configuration", zap.Error(err))
		return nil, err
	}
	return table, nil
}

func ProvideThresholds(cfg *config.Config) Thresholds {
	th := DefaultThresholds()
	if cfg.Trust.TrustedThresholdMonths > 0 {
		th.TrustedAfterMonths = cfg.Trust.TrustedThresholdMonths
	}
	if cfg.Trust.MaxAllowedLimitHits > 0 {
		th.MaxAllowedLimitHits = cfg.Trust.MaxAllowedLimitHits
	}
	if cfg.Trust.MaxRegionsPerWeek > 0 {
		th.MaxRegionsPerWeek = cfg.Trust.MaxRegionsPerWeek
	}
	return th
}
