// Package config loads and persists the daemon configuration.
package config

import (
	"time"
)

// Frontends that can serve a mount.
const (
	FrontendBazil  = "bazil"
	FrontendGoFuse = "gofuse"
)

// Config is the on-disk configuration file.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Mount      MountConfig      `yaml:"mount"`
	Log        LogConfig        `yaml:"log"`

	// Version for future compatibility
	Version int `yaml:"version"`
}

// StoreConfig configures the SQLite key-value store.
type StoreConfig struct {
	Path        string        `yaml:"path"`
	PoolSize    int           `yaml:"pool_size"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// FilesystemConfig applies when an empty store is formatted, except
// MaxAttempts which applies to every mount.
type FilesystemConfig struct {
	BlockSize uint32 `yaml:"block_size"`

	// DiskSize is a human readable capacity such as "10GiB". Empty
	// means unlimited.
	DiskSize string `yaml:"disk_size"`

	// EnforceCapacity caps the database file at DiskSize so writes past
	// it fail with ENOSPC. Otherwise DiskSize only feeds statfs.
	EnforceCapacity bool `yaml:"enforce_capacity"`

	// RootMode is the octal permission of the root directory.
	RootMode string `yaml:"root_mode"`
	RootUid  uint32 `yaml:"root_uid"`
	RootGid  uint32 `yaml:"root_gid"`

	MaxAttempts int `yaml:"max_attempts"`
}

// MountConfig selects the FUSE front-end and its options.
type MountConfig struct {
	Point      string `yaml:"point"`
	Frontend   string `yaml:"frontend"`
	AllowOther bool   `yaml:"allow_other"`
	ReadOnly   bool   `yaml:"read_only"`
	Debug      bool   `yaml:"debug"`
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "dbfs.db",
			BusyTimeout: 5 * time.Second,
		},
		Filesystem: FilesystemConfig{
			BlockSize:   4096,
			RootMode:    "0755",
			MaxAttempts: 3,
		},
		Mount: MountConfig{
			Frontend: FrontendBazil,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Version: 1,
	}
}
