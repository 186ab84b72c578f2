package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "dbfs.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "block_size: 4096")
	assert.Contains(t, string(data), "busy_timeout: 5s")

	again, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /var/lib/dbfs/fs.db
  busy_timeout: 250ms
filesystem:
  disk_size: 10GiB
mount:
  frontend: gofuse
`), 0644))

	m, err := NewManager(path)
	require.NoError(t, err)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/dbfs/fs.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.BusyTimeout)
	assert.Equal(t, FrontendGoFuse, cfg.Mount.Frontend)
	assert.Equal(t, uint32(4096), cfg.Filesystem.BlockSize)
	assert.Equal(t, 3, cfg.Filesystem.MaxAttempts)

	size, err := cfg.DiskSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(10<<30), size)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unterminated"), 0644))
	m, err := NewManager(path)
	require.NoError(t, err)
	_, err = m.Load()
	assert.Error(t, err)
}

func TestSaveRotatesBackups(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "dbfs.yaml"))
	require.NoError(t, err)
	cfg, err := m.Load()
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		cfg.Filesystem.MaxAttempts = i + 1
		require.NoError(t, m.Save(cfg))
	}

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Filesystem.MaxAttempts)

	backups, err := os.ReadDir(filepath.Join(dir, ".dbfs-backups"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 5)
	assert.NotEmpty(t, backups)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PUID", "1000")
	t.Setenv("PGID", "")

	cfg := Default()
	cfg.Filesystem.RootGid = 7
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, uint32(1000), cfg.Filesystem.RootUid)
	assert.Equal(t, uint32(7), cfg.Filesystem.RootGid)

	t.Setenv("PGID", "staff")
	assert.Error(t, cfg.ApplyEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty path", func(c *Config) { c.Store.Path = "" }},
		{"odd block size", func(c *Config) { c.Filesystem.BlockSize = 3000 }},
		{"tiny block size", func(c *Config) { c.Filesystem.BlockSize = 256 }},
		{"bad disk size", func(c *Config) { c.Filesystem.DiskSize = "lots" }},
		{"capacity without size", func(c *Config) { c.Filesystem.EnforceCapacity = true }},
		{"bad root mode", func(c *Config) { c.Filesystem.RootMode = "0799" }},
		{"no attempts", func(c *Config) { c.Filesystem.MaxAttempts = 0 }},
		{"unknown frontend", func(c *Config) { c.Mount.Frontend = "nfs" }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Filesystem.RootMode = "1777"
	require.NoError(t, cfg.Validate())
	mode, err := cfg.RootModeBits()
	require.NoError(t, err)
	assert.Equal(t, uint32(0o1777), mode)
}
