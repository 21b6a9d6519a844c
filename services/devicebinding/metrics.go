package devicebinding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bindsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicetrust",
		Name:      "device_binds_total",
		Help:      "Bind attempts by result (created, existing, denied).",
	}, []string{"result"})

	unbindDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicetrust",
		Name:      "unbind_denials_total",
		Help:      "Unbind eligibility denials by reason.",
	}, []string{"reason"})

	unbindChallengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicetrust",
		Name:      "unbind_challenges_total",
		Help:      "Unbind verification challenges by outcome.",
	}, []string{"outcome"})

	unbindsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicetrust",
		Name:      "unbinds_completed_total",
		Help:      "Finalized unbinds by trigger (explicit, sweep).",
	}, []string{"trigger"})

	trustLevelChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicetrust",
		Name:      "trust_level_changes_total",
		Help:      "Trust level transitions.",
	}, []string{"from", "to"})
)
