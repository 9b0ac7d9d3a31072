package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFile_MissingUsesDefaults(t *testing.T) {
	t.Setenv("CLUSTERSCOPE_DATABASE_DSN", "")
	t.Setenv("CLUSTERSCOPE_STORE_DRIVER", "")
	t.Setenv("CLUSTERSCOPE_WORKER_PORT", "")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile_Settings(t *testing.T) {
	t.Setenv("CLUSTERSCOPE_DATABASE_DSN", "")
	t.Setenv("CLUSTERSCOPE_STORE_DRIVER", "")
	t.Setenv("CLUSTERSCOPE_WORKER_PORT", "")

	path := writeSettings(t, `{
		"CLUSTERSCOPE_STORE_DRIVER": " Memory ",
		"CLUSTERSCOPE_WORKER_CONCURRENCY": 4,
		"CLUSTERSCOPE_POLL_INTERVAL": "5s",
		"CLUSTERSCOPE_MAX_K": 50,
		"CLUSTERSCOPE_SEED_SEPARATION": 0.95,
		"CLUSTERSCOPE_MAX_RETRIES": 0,
		"CLUSTERSCOPE_RATIO_WEIGHT": 0.5
	}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 50, cfg.MaxK)
	assert.InDelta(t, 0.95, cfg.SeedSeparation, 1e-9)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.InDelta(t, 0.5, cfg.RatioWeight, 1e-9)
	assert.Equal(t, 100, cfg.MaxIterations, "untouched keys keep defaults")
}

func TestLoadFile_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("CLUSTERSCOPE_DATABASE_DSN", "")
	t.Setenv("CLUSTERSCOPE_STORE_DRIVER", "")
	t.Setenv("CLUSTERSCOPE_WORKER_PORT", "")

	path := writeSettings(t, `{
		"CLUSTERSCOPE_SEED_SEPARATION": 1.5,
		"CLUSTERSCOPE_MAX_K": -1,
		"CLUSTERSCOPE_POLL_INTERVAL": "soon"
	}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cfg.SeedSeparation, 1e-9)
	assert.Equal(t, 500, cfg.MaxK)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
}

func TestLoadFile_ParseErrorFallsBack(t *testing.T) {
	t.Setenv("CLUSTERSCOPE_DATABASE_DSN", "postgres://env")
	t.Setenv("CLUSTERSCOPE_STORE_DRIVER", "")
	t.Setenv("CLUSTERSCOPE_WORKER_PORT", "")

	cfg, err := LoadFile(writeSettings(t, `{not json`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.DatabaseDSN)
	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	t.Setenv("CLUSTERSCOPE_DATABASE_DSN", "postgres://from-env")
	t.Setenv("CLUSTERSCOPE_STORE_DRIVER", "memory")
	t.Setenv("CLUSTERSCOPE_WORKER_PORT", "40000")

	path := writeSettings(t, `{
		"CLUSTERSCOPE_DATABASE_DSN": "postgres://from-file",
		"CLUSTERSCOPE_WORKER_PORT": 1234
	}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env", cfg.DatabaseDSN)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, 40000, cfg.WorkerPort)
}

func TestLoadFile_MaintenanceSettings(t *testing.T) {
	t.Setenv("CLUSTERSCOPE_DATABASE_DSN", "")
	t.Setenv("CLUSTERSCOPE_STORE_DRIVER", "")
	t.Setenv("CLUSTERSCOPE_WORKER_PORT", "")

	cfg, err := LoadFile(writeSettings(t, `{
		"CLUSTERSCOPE_MAINTENANCE_ENABLED": false,
		"CLUSTERSCOPE_MAINTENANCE_INTERVAL": "30m",
		"CLUSTERSCOPE_STUCK_SCENARIO_AGE": "2h"
	}`))
	require.NoError(t, err)
	assert.False(t, cfg.MaintenanceEnabled)
	assert.Equal(t, 30*time.Minute, cfg.MaintenanceInterval)
	assert.Equal(t, 2*time.Hour, cfg.StuckScenarioAge)

	cfg, err = LoadFile(writeSettings(t, `{"CLUSTERSCOPE_MAINTENANCE_INTERVAL": "5s"}`))
	require.NoError(t, err)
	assert.True(t, cfg.MaintenanceEnabled)
	assert.Equal(t, time.Hour, cfg.MaintenanceInterval, "intervals under a minute are ignored")
}
