package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"dbfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("config")
)

// Manager handles loading and saving the configuration file.
type Manager struct {
	configPath  string
	backupDir   string
	backupCount int
	mu          sync.Mutex
}

// NewManager creates a manager for the given configuration file path.
// It ensures the containing directory exists and is writable.
func NewManager(configPath string) (*Manager, error) {
	logger.Debug("Creating config manager with path: %s", configPath)

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", configPath, err)
	}
	logger.Debug("Resolved config path: %s", absPath)

	configDir := filepath.Dir(absPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	// Verify we can write the file before anything depends on it
	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create config file %s: %w", absPath, err)
	}
	f.Close()

	backupDir := filepath.Join(configDir, ".dbfs-backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", backupDir, err)
	}

	return &Manager{
		configPath:  absPath,
		backupDir:   backupDir,
		backupCount: 5,
	}, nil
}

// Path returns the resolved configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the configuration. If the file is missing or empty, the
// defaults are written to it and returned. Keys absent from the file keep
// their default values.
func (m *Manager) Load() (*Config, error) {
	logger.Debug("Loading config from: %s", m.configPath)
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		logger.Info("No config file, writing defaults to %s", m.configPath)
		if err := m.write(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	logger.Debug("Parsing config file (%d bytes)", len(data))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg, keeping a timestamped backup of the previous file.
func (m *Manager) Save(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.Debug("Saving config to: %s", m.configPath)
	if err := m.createBackup(); err != nil {
		logger.Warn("Failed to create backup: %v", err)
	}
	return m.write(cfg)
}

func (m *Manager) write(cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// createBackup copies the current file into the backup directory.
func (m *Manager) createBackup() error {
	data, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) || len(data) == 0 {
		return nil
	}
	if err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405.000000000")
	backupPath := filepath.Join(m.backupDir, fmt.Sprintf("config-%s.yaml", timestamp))

	logger.Debug("Creating backup: %s", backupPath)
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return m.cleanupOldBackups()
}

// cleanupOldBackups keeps only the most recent backups. Names sort by
// timestamp.
func (m *Manager) cleanupOldBackups() error {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return err
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".yaml" {
			backups = append(backups, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	for i := m.backupCount; i < len(backups); i++ {
		path := filepath.Join(m.backupDir, backups[i])
		logger.Debug("Removing old backup: %s", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides the root ownership from PUID and PGID, the
// convention container images use.
func (c *Config) ApplyEnv() error {
	for _, env := range []struct {
		name string
		dst  *uint32
	}{
		{"PUID", &c.Filesystem.RootUid},
		{"PGID", &c.Filesystem.RootGid},
	} {
		value, ok := os.LookupEnv(env.name)
		if !ok || value == "" {
			continue
		}
		id, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", env.name, value, err)
		}
		*env.dst = uint32(id)
	}
	return nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.PoolSize < 0 {
		return fmt.Errorf("store.pool_size must not be negative")
	}
	bs := c.Filesystem.BlockSize
	if bs < 512 || bs > 1<<20 || bs&(bs-1) != 0 {
		return fmt.Errorf("filesystem.block_size %d is not a power of two between 512 and 1MiB", bs)
	}
	if _, err := c.DiskSizeBytes(); err != nil {
		return err
	}
	if c.Filesystem.EnforceCapacity && c.Filesystem.DiskSize == "" {
		return fmt.Errorf("filesystem.enforce_capacity needs filesystem.disk_size")
	}
	if _, err := c.RootModeBits(); err != nil {
		return err
	}
	if c.Filesystem.MaxAttempts < 1 {
		return fmt.Errorf("filesystem.max_attempts must be at least 1")
	}
	switch c.Mount.Frontend {
	case FrontendBazil, FrontendGoFuse:
	default:
		return fmt.Errorf("unknown mount.frontend %q", c.Mount.Frontend)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// DiskSizeBytes parses the advisory capacity. Zero means unlimited.
func (c *Config) DiskSizeBytes() (uint64, error) {
	if c.Filesystem.DiskSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Filesystem.DiskSize)
	if err != nil {
		return 0, fmt.Errorf("invalid filesystem.disk_size %q: %w", c.Filesystem.DiskSize, err)
	}
	return n, nil
}

// RootModeBits parses the octal root directory mode.
func (c *Config) RootModeBits() (uint32, error) {
	mode, err := strconv.ParseUint(c.Filesystem.RootMode, 8, 32)
	if err != nil || mode > 0o7777 {
		return 0, fmt.Errorf("invalid filesystem.root_mode %q", c.Filesystem.RootMode)
	}
	return uint32(mode), nil
}
