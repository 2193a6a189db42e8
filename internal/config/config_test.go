package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: memory

identities:
  - as2Id: MYCOMPANY
    certificateId: cert-1

queue:
  tickInterval: 10s
  maxConcurrent: 8
  backoff:
    base: 1m
    multiplier: 3.0
    max: 2h

logs:
  retention: 720h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Type)
	require.Len(t, cfg.Identities, 1)
	assert.Equal(t, "MYCOMPANY", cfg.Identities[0].AS2ID)

	assert.Equal(t, 10*time.Second, cfg.Queue.TickInterval)
	assert.Equal(t, 8, cfg.Queue.MaxConcurrent)
	assert.Equal(t, time.Minute, cfg.Queue.Backoff.Base)
	assert.Equal(t, 3.0, cfg.Queue.Backoff.Multiplier)
	assert.Equal(t, 2*time.Hour, cfg.Queue.Backoff.Max)
	assert.Equal(t, 720*time.Hour, cfg.Logs.Retention)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "tradelink", cfg.Storage.MongoDB.Database)
	assert.Equal(t, 5*time.Second, cfg.Queue.TickInterval)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 50, cfg.Queue.BatchSize)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.Backoff.Base)
	assert.Equal(t, 2.0, cfg.Queue.Backoff.Multiplier)
	assert.Equal(t, time.Hour, cfg.Queue.Backoff.Max)
	assert.Equal(t, 10, cfg.SFTP.MaxConnections)
	assert.Equal(t, 10*time.Minute, cfg.SFTP.MaxAge)
	assert.Equal(t, time.Minute, cfg.SFTP.SweepInterval)
	assert.Equal(t, 90*24*time.Hour, cfg.Logs.Retention)
	assert.Equal(t, time.Hour, cfg.Logs.SweepInterval)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://db.internal:27017")

	cfg, err := Load(writeConfig(t, `
storage:
  type: mongodb
  mongodb:
    uri: ${TEST_MONGO_URI}
`))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Storage.MongoDB.URI)
}

func TestLoad_MongoWithoutURI(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  type: mongodb
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.mongodb.uri")
}

func TestLoad_BadStorageType(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  type: postgres
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.type")
}

func TestLoad_IdentityMissingAS2ID(t *testing.T) {
	_, err := Load(writeConfig(t, `
identities:
  - certificateId: cert-1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "as2Id")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "storage: [unclosed"))
	assert.Error(t, err)
}
