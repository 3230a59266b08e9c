package observability

import (
	"testing"

	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigPrefersOtelTraceProtocol(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", " HTTP ")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")

	cfg := LoadConfig(config.Config{AppName: "meter", Environment: "production", OTLPEndpoint: "collector:4317"})

	assert.Equal(t, "meter", cfg.ServiceName)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())

	tracingCfg := cfg.TracingConfig()
	metricsCfg := cfg.MetricsConfig()
	assert.Equal(t, "collector:4317", tracingCfg.ExporterEndpoint)
	assert.Equal(t, tracingCfg.ExporterEndpoint, metricsCfg.ExporterEndpoint)
	assert.Equal(t, tracingCfg.ExporterProtocol, metricsCfg.ExporterProtocol)
}

func TestDebugLoggingInLocalEnvironments(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: "local"})
	assert.True(t, cfg.Debug())

	logCfg := cfg.LoggerConfig()
	assert.True(t, logCfg.Debug)
	assert.True(t, logCfg.IncludeStackOnError)
	assert.Equal(t, "tokenmeter", logCfg.ServiceName)
}
