package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplorentz/keydex-sub000/internal/log"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRelays, cfg.Relays)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverlaysOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"
relays = ["wss://relay.custom.example"]
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"wss://relay.custom.example"}, cfg.Relays)
	assert.NotEmpty(t, cfg.DataDir) // left at default, not overridden
}

func TestLogLevelValue(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	assert.Equal(t, log.DebugLevel, cfg.LogLevelValue())

	cfg.LogLevel = "bogus"
	assert.Equal(t, log.InfoLevel, cfg.LogLevelValue())
}
