package observability

import (
	"github.com/smallbiznis/manuscript/internal/observability/logger"
	"github.com/smallbiznis/manuscript/internal/observability/metrics"
	"github.com/smallbiznis/manuscript/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the logger, tracer provider, meter provider and the
// prometheus collectors every process shares.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(func(_ *sdktrace.TracerProvider, cfg metrics.Config) {
		// Labels are bound on first use, so register before any job runs.
		metrics.SchedulerWithConfig(cfg)
		metrics.WorkerWithConfig(cfg)
	}),
)

type componentConfigs struct {
	fx.Out

	Logger  logger.Config
	Tracing tracing.Config
	Metrics metrics.Config
}

func splitConfig(cfg Config) componentConfigs {
	debug := cfg.Debug()
	return componentConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               debug,
			IncludeCaller:       true,
			IncludeStackOnError: debug,
		},
		Tracing: tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}
