package main

import (
	"testing"

	"devicetrust-controlplane/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func TestNewFxLogger(t *testing.T) {
	log := zap.NewNop()

	require.Equal(t, fxevent.NopLogger, newFxLogger(&config.Config{AppEnv: "production"}, log))

	l, ok := newFxLogger(&config.Config{AppEnv: "development"}, log).(*fxevent.ZapLogger)
	require.True(t, ok)
	require.NotNil(t, l.Logger)
}
