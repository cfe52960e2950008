package observability

import (
	"strings"

	"github.com/smallbiznis/manuscript/internal/config"
)

// Config is the slice of application config the logger, tracer and meter
// providers need.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "manuscript"
	}
	ratio := cfg.Telemetry.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}
	protocol := "grpc"
	if strings.HasPrefix(strings.TrimSpace(cfg.Telemetry.OtelProtocol), "http") {
		protocol = "http"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             strings.TrimSpace(cfg.Telemetry.LogLevel),
		LogFormat:            strings.TrimSpace(cfg.Telemetry.LogFormat),
		OtelEnabled:          cfg.Telemetry.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on verbose logging for debug level and local environments.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
