package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LAYERD_HOME", t.TempDir())

	cfg := Load()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Persist.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Persist.DebounceWindow)
	assert.Equal(t, filepath.Join(Dir(), "layers.db"), cfg.DatabasePath)
	assert.False(t, cfg.Upload.Enabled)
}

func TestLoadFileOverlayAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LAYERD_HOME", home)
	t.Setenv("LAYERD_LOG_LEVEL", "DEBUG")

	path := filepath.Join(home, "layerd.json")
	doc := `{"log_level": "warn", "proxy_url": "http://localhost:8766", "persist": {"enabled": false, "debounce_window": 1000000}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://localhost:8766", cfg.ProxyURL)
	assert.False(t, cfg.Persist.Enabled)
	assert.Equal(t, time.Millisecond, cfg.Persist.DebounceWindow)
	assert.Equal(t, 256, cfg.Cache.Features)
}

func TestLoadFileMissing(t *testing.T) {
	t.Setenv("LAYERD_HOME", t.TempDir())

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestEnsureDirectories(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("LAYERD_HOME", home)

	cfg := Load()
	cfg.Upload.Enabled = true
	require.NoError(t, cfg.EnsureDirectories())

	_, err := os.Stat(cfg.Upload.Dir)
	assert.NoError(t, err)
}
