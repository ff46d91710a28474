package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves the test into dir and restores the previous working directory
// on cleanup. testing.T gained a Chdir helper in Go 1.24; this module still
// targets 1.23.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no stray config file is picked up.
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 2, cfg.Pool.MinWorkers)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, 30, cfg.Pool.HeartbeatIntervalSeconds)
	assert.Equal(t, 3, cfg.Pool.HeartbeatMissThreshold)
	assert.Equal(t, 3, cfg.Pool.MaxWorkerRestarts)
	assert.Equal(t, 60, cfg.Pool.RetentionMinutes)
	assert.Contains(t, cfg.Pool.EnvWhitelist, "PATH")

	assert.Equal(t, 0.8, cfg.Scaling.UpperThreshold)
	assert.Equal(t, 0.3, cfg.Scaling.LowerThreshold)
	assert.Equal(t, 2, cfg.Scaling.Step)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 1, cfg.Breaker.TrialTasks)
	assert.Equal(t, 1000, cfg.Retry.BaseDelayMS)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Empty(t, cfg.Archive.DSN)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9090"
pool:
  min_workers: 4
  max_workers: 16
  work_directory: /tmp/forge-work
scaling:
  step: 1
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Pool.MinWorkers)
	assert.Equal(t, 16, cfg.Pool.MaxWorkers)
	assert.Equal(t, "/tmp/forge-work", cfg.Pool.WorkDirectory)
	assert.Equal(t, 1, cfg.Scaling.Step)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadClampsWorkerBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  min_workers: 0
  max_workers: 0
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Pool.MinWorkers)
	assert.GreaterOrEqual(t, cfg.Pool.MaxWorkers, cfg.Pool.MinWorkers)
}

func TestEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FORGE_LISTEN_ADDR", ":7070")
	t.Setenv("FORGE_WORK_DIR", "/tmp/override-work")
	t.Setenv("DATABASE_URL", "postgres://localhost/forge")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "/tmp/override-work", cfg.Pool.WorkDirectory)
	assert.Equal(t, "postgres://localhost/forge", cfg.Archive.DSN)
}
