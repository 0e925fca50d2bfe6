package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: fs
  root: /tmp/racing
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/racing", cfg.Storage.Root)
	assert.Equal(t, "memory", cfg.Warehouse.Driver)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Ingest.LeaseTTL)
	assert.Contains(t, cfg.Ingest.Sources, "horse_data/")
	assert.Equal(t, 10, cfg.Harvest.Cutoff)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
ingest:
  timeout: 90s
  lease_ttl: 5m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Ingest.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.LeaseTTL)
}

func TestHarvestTimeout(t *testing.T) {
	cfg, err := Load(writeConfig(t, "harvest:\n  timeout: 5s\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Harvest.Timeout)

	assert.Equal(t, 30*time.Second, Default().Harvest.Timeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
warehouse:
  driver: postgres
  dsn: postgres://file
`)
	t.Setenv("PIPELINE_WAREHOUSE__DSN", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Warehouse.DSN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"s3 without bucket":    "storage:\n  driver: s3\n  endpoint: localhost:9000\n",
		"unknown storage":      "storage:\n  driver: ftp\n",
		"postgres without dsn": "warehouse:\n  driver: postgres\n",
		"prefix without slash": "ingest:\n  sources:\n    horse_data: [horses]\n",
		"unknown relation":     "ingest:\n  sources:\n    owner_data/: [owners]\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "fs", cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}
