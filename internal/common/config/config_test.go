package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	if dir == "" {
		dir = t.TempDir() // empty dir so no stray ash.yaml is picked up
	}
	return LoadWithPath(dir)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(t, "")
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Port)
	assert.Equal(t, ModeStandalone, cfg.Mode)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 10, cfg.MaxSandboxes)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, 2*time.Hour, cfg.ColdCleanupTTL())
	assert.Equal(t, RuntimeProcess, cfg.Runtime)
	assert.Equal(t, 2048, cfg.Limits.MemoryMB)
	assert.Equal(t, 1024, cfg.Limits.DiskMB)
	assert.Equal(t, 64, cfg.Limits.MaxProcs)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.ShutdownGraceTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.InstallTimeout())
	assert.False(t, cfg.RunnerMode())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ASH_PORT", "5000")
	t.Setenv("ASH_MAX_SANDBOXES", "3")
	t.Setenv("ASH_IDLE_TIMEOUT_MS", "60000")
	t.Setenv("ASH_RUNNER_ID", "runner-1")
	t.Setenv("ASH_RUNNER_SERVER_URL", "http://coordinator:4100")

	cfg, err := loadFrom(t, "")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, 3, cfg.MaxSandboxes)
	assert.Equal(t, time.Minute, cfg.IdleTimeout())
	assert.True(t, cfg.RunnerMode())
	assert.Equal(t, "runner-1", cfg.Runner.ID)
	assert.Equal(t, "http://coordinator:4100", cfg.Runner.ServerURL)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "port: 4200\nmax_sandboxes: 7\nlimits:\n  memory_mb: 512\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ash.yaml"), []byte(yaml), 0644))

	cfg, err := loadFrom(t, dir)
	require.NoError(t, err)

	assert.Equal(t, 4200, cfg.Port)
	assert.Equal(t, 7, cfg.MaxSandboxes)
	assert.Equal(t, 512, cfg.Limits.MemoryMB)
}

func TestEnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ash.yaml"), []byte("port: 4200\n"), 0644))
	t.Setenv("ASH_PORT", "4300")

	cfg, err := loadFrom(t, dir)
	require.NoError(t, err)
	assert.Equal(t, 4300, cfg.Port)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"ASH_PORT": "-1"}},
		{"bad mode", map[string]string{"ASH_MODE": "cluster"}},
		{"bad driver", map[string]string{"ASH_DB_DRIVER": "mysql"}},
		{"postgres without dsn", map[string]string{"ASH_DB_DRIVER": "postgres"}},
		{"zero capacity", map[string]string{"ASH_MAX_SANDBOXES": "0"}},
		{"bad runtime", map[string]string{"ASH_RUNTIME": "firecracker"}},
		{"runner without server url", map[string]string{"ASH_RUNNER_ID": "r1"}},
		{"coordinator without secret", map[string]string{"ASH_MODE": "coordinator"}},
		{"bad snapshot url", map[string]string{"ASH_SNAPSHOT_URL": "ftp://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadFrom(t, "")
			assert.Error(t, err)
		})
	}
}

func TestSQLitePathDefaultsUnderDataDir(t *testing.T) {
	t.Setenv("ASH_DATA_DIR", "/var/lib/ash")

	cfg, err := loadFrom(t, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/lib/ash", "ash.db"), cfg.SQLitePath())

	t.Setenv("ASH_DB_DSN", "/tmp/other.db")
	cfg, err = loadFrom(t, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.SQLitePath())
}
