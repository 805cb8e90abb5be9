package config

import (
	"fmt"
	"os"
	"strings"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED"`
	ServiceName        string            `yaml:"serviceName" json:"serviceName" env:"OTEL_SERVICE_NAME" env-default:"office-status"`
	ServiceVersion     string            `yaml:"serviceVersion" json:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" json:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            map[string]string `yaml:"headers" json:"headers"`
	Traces             OTelTracesConfig  `yaml:"traces" json:"traces"`
	Metrics            OTelMetricsConfig `yaml:"metrics" json:"metrics"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes" json:"resourceAttributes"`
}

// OTelTracesConfig contains OpenTelemetry traces configuration
type OTelTracesConfig struct {
	Disabled      bool              `yaml:"disabled" json:"disabled" env:"OTEL_TRACES_DISABLED"`
	Endpoint      string            `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers       map[string]string `yaml:"headers" json:"headers"`
	SamplingRatio float64           `yaml:"samplingRatio" json:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
}

// OTelMetricsConfig contains OpenTelemetry metrics configuration
type OTelMetricsConfig struct {
	Disabled             bool              `yaml:"disabled" json:"disabled" env:"OTEL_METRICS_DISABLED"`
	Endpoint             string            `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	Headers              map[string]string `yaml:"headers" json:"headers"`
	IntervalMillis       int               `yaml:"intervalMillis" json:"intervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"60000"`
	DisableRuntimeMetric bool              `yaml:"disableRuntimeMetrics" json:"disableRuntimeMetrics" env:"OTEL_DISABLE_RUNTIME_METRICS"`
}

// ValidateOpenTelemetry validates OpenTelemetry configuration if enabled
func ValidateOpenTelemetry(cfg *OpenTelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ServiceName == "" {
		return fmt.Errorf("opentelemetry service name is required when OpenTelemetry is enabled")
	}

	if !cfg.Traces.Disabled {
		if cfg.TracesEndpoint() == "" {
			return fmt.Errorf("opentelemetry traces endpoint is required when traces are enabled")
		}
		if cfg.Traces.SamplingRatio < 0 || cfg.Traces.SamplingRatio > 1 {
			return fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", cfg.Traces.SamplingRatio)
		}
	}

	if !cfg.Metrics.Disabled {
		if cfg.MetricsEndpoint() == "" {
			return fmt.Errorf("opentelemetry metrics endpoint is required when metrics are enabled")
		}
		if cfg.Metrics.IntervalMillis < 1000 {
			return fmt.Errorf("opentelemetry metrics interval must be at least 1000ms (1 second)")
		}
	}

	return nil
}

// TracesEndpoint resolves the traces endpoint: specific config, specific env,
// shared config, shared env.
func (c *OpenTelemetryConfig) TracesEndpoint() string {
	return firstNonEmpty(c.Traces.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"), c.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// MetricsEndpoint resolves the metrics endpoint the same way as TracesEndpoint.
func (c *OpenTelemetryConfig) MetricsEndpoint() string {
	return firstNonEmpty(c.Metrics.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"), c.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// TracesHeaders returns exporter headers for traces.
func (c *OpenTelemetryConfig) TracesHeaders() map[string]string {
	return pickHeaders(c.Traces.Headers, "OTEL_EXPORTER_OTLP_TRACES_HEADERS", c.Headers)
}

// MetricsHeaders returns exporter headers for metrics.
func (c *OpenTelemetryConfig) MetricsHeaders() map[string]string {
	return pickHeaders(c.Metrics.Headers, "OTEL_EXPORTER_OTLP_METRICS_HEADERS", c.Headers)
}

func pickHeaders(specific map[string]string, specificEnv string, shared map[string]string) map[string]string {
	if len(specific) > 0 {
		return specific
	}
	if v := os.Getenv(specificEnv); v != "" {
		return ParseHeaders(v)
	}
	if len(shared) > 0 {
		return shared
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		return ParseHeaders(v)
	}
	return nil
}

// ParseHeaders parses "key1=value1,key2=value2".
func ParseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
