package otelcol

import (
	"testing"

	"dropproof/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestTracerProviderDisabledWithoutAddr(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	tp, err := ProvideTracerProvider(lc, &config.Config{AppName: "dropproof"})
	require.NoError(t, err)
	require.NotNil(t, tp.Tracer("test"))
}

func TestExporterRejectsUnknownProtocol(t *testing.T) {
	cfg := &config.Config{}
	cfg.Otel.Addr = "collector:4317"
	cfg.Otel.Protocol = "udp"

	_, err := NewExporter(cfg)
	require.Error(t, err)
}
