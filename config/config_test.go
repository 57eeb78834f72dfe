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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, 100, cfg.EventSourcing.SnapshotFrequency)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.Lease)
	assert.Equal(t, 168*time.Hour, cfg.Outbox.FailedRetention)
	assert.Equal(t, "local", cfg.PermissionCache.Backend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
environment: staging
eventsourcing:
  snapshot_frequency: -1
outbox:
  owner: relay-a
  lease: 90s
permission_cache:
  backend: redis
`)
	t.Setenv("EVENTCORE_OUTBOX_BATCH_SIZE", "25")
	t.Setenv("EVENTCORE_AZURE_QUEUE_CONN_STR", "Endpoint=sb://example/")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.EventSourcing.SnapshotFrequency)
	assert.Equal(t, "relay-a", cfg.Outbox.Owner)
	assert.Equal(t, 90*time.Second, cfg.Outbox.Lease)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, "redis", cfg.PermissionCache.Backend)
	assert.Equal(t, "Endpoint=sb://example/", cfg.Azure.QueueConnStr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "permission_cache:\n  backend: memcached\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "tracing:\n  enabled: true\n"))
	assert.Error(t, err, "tracing needs a license key")

	_, err = Load(writeConfig(t, "outbox:\n  batch_size: 0\n"))
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
