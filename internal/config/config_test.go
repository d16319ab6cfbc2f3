package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Outbound.MaxQueueSize)
	assert.Equal(t, 3, cfg.Pipeline.Concurrency)
	assert.True(t, cfg.Pipeline.BroadcastTasks)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myagent-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
  event_namespace: acme
outbound:
  coalesce_window_ms: -1
pipeline:
  concurrency: 7
  require_plan_confirmation: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "acme", cfg.Server.EventNamespace)
	assert.Equal(t, 7, cfg.Pipeline.Concurrency)
	assert.True(t, cfg.Pipeline.RequirePlanConfirmation)
	assert.Equal(t, time.Duration(-1), cfg.Outbound.CoalesceWindow())

	// Untouched sections keep their defaults.
	assert.Equal(t, 1000, cfg.Outbound.MaxQueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MYAGENT_SERVER_PORT", "9200")
	t.Setenv("MYAGENT_PIPELINE_CONCURRENCY", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pipeline.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"queue size zero", func(c *Config) { c.Outbound.MaxQueueSize = 0 }},
		{"negative concurrency", func(c *Config) { c.Pipeline.Concurrency = -1 }},
		{"confirmation timeout zero", func(c *Config) { c.Pipeline.PlanConfirmationTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCoalesceWindow(t *testing.T) {
	assert.Equal(t, 75*time.Millisecond, OutboundConfig{CoalesceWindowMS: 75}.CoalesceWindow())
	assert.Equal(t, time.Duration(-1), OutboundConfig{CoalesceWindowMS: -5}.CoalesceWindow())
	assert.Equal(t, time.Duration(-1), OutboundConfig{}.CoalesceWindow())
}

func TestCoalesceWindowZeroDisables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myagent-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
outbound:
  coalesce_window_ms: 0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Outbound.CoalesceWindowMS)
	assert.Equal(t, time.Duration(-1), cfg.Outbound.CoalesceWindow())
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "myagent-config.yaml")
	require.NoError(t, WriteTemplate(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)

	// Refuses to clobber an existing file.
	require.Error(t, WriteTemplate(path))
}
