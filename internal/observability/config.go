// Package observability wires tracing and metrics: an OpenTelemetry tracer
// with pluggable exporters, an otel meter backed by a Prometheus exporter,
// and promauto counters for the outbound queue and pipeline hot paths.
package observability

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the observability section of the server configuration. It lives
// in its own file so operators can tune exporters without touching server
// settings.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// DefaultConfig returns the default observability configuration: metrics on,
// tracing off until an exporter endpoint is configured.
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled:        true,
			PrometheusPort: 9090,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "myagent-server",
			ServiceVersion: "1.0.0",
		},
	}
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".myagent", "observability.yaml")
}

// LoadConfig reads observability settings from configPath, overlaying them
// on the defaults. A missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}
	if configPath == "" {
		return config, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("read observability config: %w", err)
	}

	var fileConfig struct {
		Observability Config `yaml:"observability"`
	}
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return config, fmt.Errorf("parse observability config: %w", err)
	}
	loaded := fileConfig.Observability

	// Booleans always come from the file; other fields only override when
	// set, so a sparse file keeps working defaults.
	config.Metrics.Enabled = loaded.Metrics.Enabled
	if loaded.Metrics.PrometheusPort > 0 {
		config.Metrics.PrometheusPort = loaded.Metrics.PrometheusPort
	}

	config.Tracing.Enabled = loaded.Tracing.Enabled
	if loaded.Tracing.Exporter != "" {
		config.Tracing.Exporter = loaded.Tracing.Exporter
	}
	if loaded.Tracing.OTLPEndpoint != "" {
		config.Tracing.OTLPEndpoint = loaded.Tracing.OTLPEndpoint
	}
	if loaded.Tracing.ZipkinEndpoint != "" {
		config.Tracing.ZipkinEndpoint = loaded.Tracing.ZipkinEndpoint
	}
	if loaded.Tracing.JaegerEndpoint != "" {
		config.Tracing.JaegerEndpoint = loaded.Tracing.JaegerEndpoint
	}
	if loaded.Tracing.SampleRate > 0 && loaded.Tracing.SampleRate <= 1.0 {
		config.Tracing.SampleRate = loaded.Tracing.SampleRate
	}
	if loaded.Tracing.ServiceName != "" {
		config.Tracing.ServiceName = loaded.Tracing.ServiceName
	}
	if loaded.Tracing.ServiceVersion != "" {
		config.Tracing.ServiceVersion = loaded.Tracing.ServiceVersion
	}

	return config, nil
}

// SaveConfig persists observability settings to configPath.
func SaveConfig(config Config, configPath string) error {
	if configPath == "" {
		configPath = defaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("resolve observability config path: no home directory")
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data := struct {
		Observability Config `yaml:"observability"`
	}{Observability: config}

	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal observability config: %w", err)
	}
	if err := os.WriteFile(configPath, yamlData, 0o644); err != nil {
		return fmt.Errorf("write observability config: %w", err)
	}
	return nil
}
