package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  url: http://rag.lan:8000
  timeouts:
    stream: 45s
storage:
  driver: sqlite
  dsn: /tmp/tubechat.db
bus:
  driver: watermill
health_interval: 1m
retry:
  attempts: 2
  delay: 250ms
`), 0o644))
	t.Setenv("TUBECHAT_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("TUBECHAT_PROCESS_TIMEOUT", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://rag.lan:8000", cfg.Backend.URL)
	require.Equal(t, 45*time.Second, cfg.Backend.Timeouts.Stream)
	require.Equal(t, 10*time.Minute, cfg.Backend.Timeouts.Process)
	require.Equal(t, 60*time.Second, cfg.Backend.Timeouts.Question)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, BusWatermill, cfg.Bus.Driver)
	require.Equal(t, time.Minute, cfg.HealthInterval)
	require.Equal(t, 2, cfg.Retry.Attempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	require.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "TUBECHAT_HEALTH_INTERVAL" {
			return "soon", true
		}
		return "", false
	})
	require.ErrorContains(t, err, "TUBECHAT_HEALTH_INTERVAL")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Bus.Driver = "carrier-pigeon"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Driver = "postgres"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.HealthInterval = 0
	require.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Backend.URL = "http://elsewhere:8000"
	cfg.Bus.Redis.Enabled = true
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, back)
}

func TestDefaultPathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	require.Equal(t, "/xdg/tubechat/config.yaml", DefaultPath())
}
