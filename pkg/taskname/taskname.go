package taskname

const (
	// Device binding tasks
	DeviceUnbindComplete = "devicebinding:unbind:complete"
	DeviceUnbindSweepAll = "devicebinding:unbind:sweep_all"

	// Trust tasks
	TrustRecomputeAll = "trust:recompute:all"
)
