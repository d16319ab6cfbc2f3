// Package config loads the server configuration from myagent-config.yaml
// (searched in the working directory and $HOME/.myagent) with MYAGENT_* env
// overrides layered on top via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/observability"
)

// ServerConfig is the WebSocket server section.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	EventNamespace    string        `mapstructure:"event_namespace"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SessionHistory    int           `mapstructure:"session_history"`
}

// OutboundConfig tunes per-connection outbound channels.
type OutboundConfig struct {
	MaxQueueSize     int      `mapstructure:"max_queue_size"`
	CoalesceWindowMS int      `mapstructure:"coalesce_window_ms"`
	CoalesceEvents   []string `mapstructure:"coalesce_events"`
}

// CoalesceWindow converts the configured window to a duration understood by
// the outbound channel; zero or negative disables coalescing. The default
// window comes from Default(), so a zero here was set deliberately.
func (o OutboundConfig) CoalesceWindow() time.Duration {
	if o.CoalesceWindowMS <= 0 {
		return -1
	}
	return time.Duration(o.CoalesceWindowMS) * time.Millisecond
}

// PipelineConfig tunes the default plan/solve session agent the server binds
// to new sessions.
type PipelineConfig struct {
	Name                    string        `mapstructure:"name"`
	Concurrency             int           `mapstructure:"concurrency"`
	RequirePlanConfirmation bool          `mapstructure:"require_plan_confirmation"`
	PlanConfirmationTimeout time.Duration `mapstructure:"plan_confirmation_timeout"`
	BroadcastTasks          bool          `mapstructure:"broadcast_tasks"`
	MaxRetryAttempts        int           `mapstructure:"max_retry_attempts"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig controls the logging facade.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the full server configuration.
type Config struct {
	Server        ServerConfig         `mapstructure:"server"`
	Outbound      OutboundConfig       `mapstructure:"outbound"`
	Pipeline      PipelineConfig       `mapstructure:"pipeline"`
	Logging       LoggingConfig        `mapstructure:"logging"`
	Observability observability.Config `mapstructure:"-"`
}

// Default returns the configuration used when no file or env overrides are
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8765,
			HeartbeatInterval: 60 * time.Second,
			SessionHistory:    128,
		},
		Outbound: OutboundConfig{
			MaxQueueSize:     1000,
			CoalesceWindowMS: 75,
			CoalesceEvents:   event.DefaultCoalesceNames(),
		},
		Pipeline: PipelineConfig{
			Name:                    "plan-solve",
			Concurrency:             3,
			PlanConfirmationTimeout: 300 * time.Second,
			BroadcastTasks:          true,
			MaxRetryAttempts:        2,
			RetryDelay:              2 * time.Second,
		},
		Logging:       LoggingConfig{Level: "info"},
		Observability: observability.DefaultConfig(),
	}
}

// Load reads configuration from the given path, or from the standard search
// locations when path is empty. Env vars like MYAGENT_SERVER_PORT override
// file values; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("myagent-config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".myagent"))
		}
	}
	v.SetEnvPrefix("MYAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	obs, err := observability.LoadConfig(v.GetString("observability_config"))
	if err != nil {
		return nil, fmt.Errorf("observability config: %w", err)
	}
	cfg.Observability = obs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Outbound.MaxQueueSize <= 0 {
		return fmt.Errorf("outbound.max_queue_size must be positive")
	}
	if c.Pipeline.Concurrency < 0 {
		return fmt.Errorf("pipeline.concurrency must be >= 0 (0 = unbounded)")
	}
	if c.Pipeline.PlanConfirmationTimeout <= 0 {
		return fmt.Errorf("pipeline.plan_confirmation_timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.event_namespace", cfg.Server.EventNamespace)
	v.SetDefault("server.heartbeat_interval", cfg.Server.HeartbeatInterval)
	v.SetDefault("server.session_history", cfg.Server.SessionHistory)
	v.SetDefault("outbound.max_queue_size", cfg.Outbound.MaxQueueSize)
	v.SetDefault("outbound.coalesce_window_ms", cfg.Outbound.CoalesceWindowMS)
	v.SetDefault("outbound.coalesce_events", cfg.Outbound.CoalesceEvents)
	v.SetDefault("pipeline.name", cfg.Pipeline.Name)
	v.SetDefault("pipeline.concurrency", cfg.Pipeline.Concurrency)
	v.SetDefault("pipeline.require_plan_confirmation", cfg.Pipeline.RequirePlanConfirmation)
	v.SetDefault("pipeline.plan_confirmation_timeout", cfg.Pipeline.PlanConfirmationTimeout)
	v.SetDefault("pipeline.broadcast_tasks", cfg.Pipeline.BroadcastTasks)
	v.SetDefault("pipeline.max_retry_attempts", cfg.Pipeline.MaxRetryAttempts)
	v.SetDefault("pipeline.retry_delay", cfg.Pipeline.RetryDelay)
	v.SetDefault("logging.level", cfg.Logging.Level)
}
