package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbfs/internal/config"
	"dbfs/internal/logging"
)

func TestFlagsOverrideConfig(t *testing.T) {
	f, err := parseFlags([]string{"-m", "/mnt/db", "--frontend", "gofuse", "--disk-size", "1GiB", "-v"})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Store.Path = "/var/lib/dbfs.db"
	cfg.Mount.AllowOther = true
	f.apply(cfg)

	assert.Equal(t, "/mnt/db", cfg.Mount.Point)
	assert.Equal(t, config.FrontendGoFuse, cfg.Mount.Frontend)
	assert.Equal(t, "1GiB", cfg.Filesystem.DiskSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Flags left unset keep the file's values.
	assert.Equal(t, "/var/lib/dbfs.db", cfg.Store.Path)
	assert.True(t, cfg.Mount.AllowOther)
	assert.Equal(t, uint32(4096), cfg.Filesystem.BlockSize)
	require.NoError(t, cfg.Validate())
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	_, err := parseFlags([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestLogLevelHonoursEnvironment(t *testing.T) {
	t.Setenv("FUSE_DEBUG", "")
	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, logging.LevelWarn, logLevel(config.LogConfig{Level: "warn"}))

	t.Setenv("LOG_LEVEL", "trace")
	assert.Equal(t, logging.LevelTrace, logLevel(config.LogConfig{Level: "warn"}))

	t.Setenv("LOG_LEVEL", "")
	t.Setenv("FUSE_DEBUG", "1")
	assert.Equal(t, logging.LevelDebug, logLevel(config.LogConfig{Level: "error"}))
}
