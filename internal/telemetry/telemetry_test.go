package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"github.com/PipeLaneLabs/ordo-ai/config"
)

// restoreGlobals 在测试结束时恢复全局 provider
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func shutdownQuickly(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// 没有 collector 时导出可能失败，这里只关心能否返回
		_ = p.Shutdown(ctx)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(context.Background(), config.TelemetryConfig{}, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Same(t, before, otel.GetTracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledInstallsSDKProviders(t *testing.T) {
	restoreGlobals(t)

	for _, insecure := range []bool{true, false} {
		cfg := config.TelemetryConfig{
			Enabled:      true,
			OTLPEndpoint: "localhost:4317",
			Insecure:     insecure,
			ServiceName:  "ordo-test",
			SampleRate:   0.5,
		}
		p, err := Init(context.Background(), cfg, "v1.2.3", zaptest.NewLogger(t))
		require.NoError(t, err)
		shutdownQuickly(t, p)

		assert.True(t, p.Enabled())
		_, isSDKTracer := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		_, isSDKMeter := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
		assert.True(t, isSDKTracer)
		assert.True(t, isSDKMeter)
	}
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的主模块版本是 (devel)
	assert.Equal(t, "dev", buildVersion())
}
