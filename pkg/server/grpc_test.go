package server

import (
	"context"
	"testing"

	"devicetrust-controlplane/pkg/config"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWithOption(t *testing.T) {
	cfg := &config.Config{}

	opts, err := WithOption(OptionParams{
		Config:         cfg,
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  noop.NewMeterProvider(),
	})
	require.NoError(t, err)
	require.Len(t, opts, 3)

	cfg.TLS.Enable = true
	cfg.TLS.CertPath = "missing.crt"
	cfg.TLS.KeyPath = "missing.key"
	_, err = WithOption(OptionParams{
		Config:         cfg,
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  noop.NewMeterProvider(),
	})
	require.Error(t, err)
}

func TestRecoverPanic(t *testing.T) {
	st, ok := status.FromError(recoverPanic(context.Background(), "boom"))
	require.True(t, ok)
	require.Equal(t, codes.Internal, st.Code())
}
