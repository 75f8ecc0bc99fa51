package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "file:gamesync.db", cfg.DatabaseDSN)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9090"
conflict_window: 250ms
snapshot_interval: 20
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.ConflictWindow)
	assert.Equal(t, 20, cfg.SnapshotInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	eng := cfg.EngineConfig()
	assert.Equal(t, 250*time.Millisecond, eng.ConflictWindow)
	assert.Equal(t, 20, eng.SnapshotInterval)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\n"), 0o600))

	t.Setenv("GAMESYNC_LISTEN_ADDR", ":7070")
	t.Setenv("GAMESYNC_CONFLICT_WINDOW", "80ms")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 80*time.Millisecond, cfg.ConflictWindow)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}
