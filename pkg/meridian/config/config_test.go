package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.hcl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 256, cfg.Gateway.QueueSize)
	assert.Equal(t, "30s", cfg.Gateway.PingInterval)
	assert.Equal(t, "60s", cfg.Gateway.ReadTimeout)
	assert.Equal(t, "10s", cfg.Gateway.WriteTimeout)
	assert.Equal(t, "", cfg.Publisher.RelayURL)
	assert.Equal(t, "1s", cfg.Publisher.BaseDelay)
	assert.Equal(t, "30s", cfg.Publisher.MaxDelay)
	assert.Equal(t, 10, cfg.Publisher.MaxAttempts)
	assert.Equal(t, "5m", cfg.Registry.StaleAfter)
	assert.Equal(t, "@every 1m", cfg.Registry.SweepSchedule)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":9090"

gateway {
  queue_size    = 64
  ping_interval = "15s"
}

publisher {
  relay_url    = "ws://relay.internal:7000/bus"
  base_delay   = "500ms"
  max_delay    = "10s"
  max_attempts = 5
}

registry {
  stale_after    = "2m"
  sweep_schedule = "@every 30s"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 64, cfg.Gateway.QueueSize)
	assert.Equal(t, "15s", cfg.Gateway.PingInterval)
	assert.Equal(t, "ws://relay.internal:7000/bus", cfg.Publisher.RelayURL)
	assert.Equal(t, "500ms", cfg.Publisher.BaseDelay)
	assert.Equal(t, 5, cfg.Publisher.MaxAttempts)
	assert.Equal(t, "2m", cfg.Registry.StaleAfter)
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
gateway {
  queue_size = 32
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 32, cfg.Gateway.QueueSize)
	assert.Equal(t, "30s", cfg.Gateway.PingInterval)
	assert.Equal(t, "1s", cfg.Publisher.BaseDelay)
	assert.Equal(t, "@every 1m", cfg.Registry.SweepSchedule)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
publisher {
  base_delay = "not a duration"
}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher.base_delay")
}

func TestLoadRejectsNegativeMaxAttempts(t *testing.T) {
	path := writeConfig(t, `
publisher {
  max_attempts = -1
}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedHCL(t *testing.T) {
	path := writeConfig(t, `listen_addr = `)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDurationHelper(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s"))
	assert.Equal(t, time.Duration(0), Duration("garbage"))
}
