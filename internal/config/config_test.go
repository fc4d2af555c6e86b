package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37780", cfg.ListenAddr())
	assert.Equal(t, 0.7, cfg.Engine.HighRiskThreshold)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Window, cfg.Window)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	data := `
window:
  capacity: 16
  min_samples: 4
  min_interval: 500ms
  staleness: 1m
engine:
  high_risk_threshold: 0.8
  backoff_base: 1s
  backoff_cap: 10s
profile:
  home_networks: ["Home-WiFi"]
  office_networks: ["Office-Net"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Window.Capacity)
	assert.Equal(t, 4, cfg.Window.MinSamples)
	assert.Equal(t, 500*time.Millisecond, cfg.Window.MinInterval)
	assert.Equal(t, time.Minute, cfg.Window.Staleness)
	assert.Equal(t, 0.8, cfg.Engine.HighRiskThreshold)
	assert.Equal(t, []string{"Office-Net"}, cfg.Profile.OfficeNetworks)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  high_risk_threshold: 1.5\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TETHER_DB", "/tmp/x.db")
	t.Setenv("TETHER_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("TETHER_PORT", "4000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, "mqtt", cfg.Radio.Driver)
	assert.Equal(t, "tcp://broker:1883", cfg.Radio.Broker)
	assert.Equal(t, 4000, cfg.Server.Port)
}

func TestValidateWindowBounds(t *testing.T) {
	cfg := Default()
	cfg.Window.MinSamples = cfg.Window.Capacity + 1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.BackoffCap = cfg.Engine.BackoffBase / 2
	assert.Error(t, cfg.Validate())
}
