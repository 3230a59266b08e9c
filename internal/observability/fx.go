package observability

import (
	"github.com/smallbiznis/tokenmeter/internal/observability/logger"
	"github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	"github.com/smallbiznis/tokenmeter/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.LoggerConfig,
		Config.TracingConfig,
		Config.MetricsConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.SchedulerWithConfig,
		func(cfg Config, log *zap.Logger) gormlogger.Interface {
			return logger.NewGormLogger(log, logger.DefaultGormLoggerConfig(cfg.Debug()))
		},
	),
	fx.Invoke(logStartup),
)

// logStartup also forces the tracer provider to be built so the global
// propagator is installed before the first request.
func logStartup(cfg Config, log *zap.Logger, _ *sdktrace.TracerProvider) {
	log.Info("observability configured",
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.String("otel_protocol", cfg.OtelExporterProtocol),
		zap.Float64("otel_sampling_ratio", cfg.OtelSamplingRatio),
	)
}
