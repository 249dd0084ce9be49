package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, 4*time.Second, cfg.Reconcile.FleetInterval)
	require.Equal(t, 300*time.Millisecond, cfg.Reconcile.Quiet)
	require.Equal(t, 5*time.Second, cfg.View.CameraInterval)
	require.Equal(t, "sim_drone_1", cfg.Feed.DefaultVehicle)
	require.Equal(t, "none", cfg.Feed.Reconnect)
	require.Equal(t, "ws://127.0.0.1:8000/ws", cfg.WebsocketURL())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleet-console.yaml"), []byte(`
http:
  port: 7000
reconcile:
  fleet_interval: 2s
log:
  level: debug
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FLEET_LOG_LEVEL=warn\n"), 0o644))
	t.Setenv("FLEET_RECONCILE_QUIET", "150ms")
	t.Cleanup(func() { os.Unsetenv("FLEET_LOG_LEVEL") })

	cfg, err := Load([]string{"--port", "9090", "--backend", "https://fleet.example.com/base/"})
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.HTTP.Port, "flag beats file")
	require.Equal(t, 2*time.Second, cfg.Reconcile.FleetInterval, "file beats default")
	require.Equal(t, 150*time.Millisecond, cfg.Reconcile.Quiet, "env beats default")
	require.Equal(t, "warn", cfg.Log.Level, ".env beats file")
	require.Equal(t, "wss://fleet.example.com/base/ws", cfg.WebsocketURL())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad reconnect", []string{"--reconnect", "forever"}},
		{"journal without dsn", []string{"--journal", "sqlite"}},
		{"unknown journal", []string{"--journal", "mongo", "--journal-dsn", "x"}},
		{"relative backend", []string{"--backend", "fleet"}},
		{"bad port", []string{"--port", "0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			_, err := Load(tc.args)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load([]string{"--config", "nope.yaml"})
	require.Error(t, err)
}

func TestValidateGtfsRtNeedsURL(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.Backend.FleetSource = "gtfsrt"
	require.Error(t, cfg.Validate())
	cfg.Backend.GtfsRtURL = "http://feeds.example.com/vp.pb"
	require.NoError(t, cfg.Validate())
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load([]string{"--port", "8181", "--journal", "sqlite", "--journal-dsn", "fleet.db"})
	require.NoError(t, err)
	path := filepath.Join(dir, "out.yaml")
	require.NoError(t, WriteFile(path, cfg))

	again, err := Load([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, 8181, again.HTTP.Port)
	require.Equal(t, "sqlite", again.Journal.Driver)
	require.Equal(t, cfg.Reconcile, again.Reconcile)
}

func TestGtfsRtFlagSelectsSource(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load([]string{"--gtfsrt-url", "https://feeds.example.com/vehicles.pb"})
	require.NoError(t, err)
	require.Equal(t, "gtfsrt", cfg.Backend.FleetSource)
	require.Equal(t, "https://feeds.example.com/vehicles.pb", cfg.Backend.GtfsRtURL)
}
