package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"dbfs/internal/config"
	"dbfs/internal/dbfs"
	"dbfs/internal/fs"
	"dbfs/internal/kv"
	"dbfs/internal/logging"
	"dbfs/internal/nodefs"
)

var (
	logger = logging.GetLogger()
)

type flags struct {
	configPath string
	saveConfig bool
	verbose    bool
	set        *pflag.FlagSet

	mountPoint  string
	dbPath      string
	frontend    string
	blockSize   uint32
	diskSize    string
	enforce     bool
	maxAttempts int
	allowOther  bool
	readOnly    bool
	debug       bool
	logLevel    string
	logFormat   string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{set: pflag.NewFlagSet("dbfs", pflag.ContinueOnError)}
	s := f.set
	s.StringVarP(&f.configPath, "config", "c", "dbfs.yaml", "Configuration file, created with defaults if missing")
	s.BoolVar(&f.saveConfig, "save-config", false, "Write the effective configuration back to the config file")
	s.BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose logging")

	s.StringVarP(&f.mountPoint, "mount", "m", "", "Mount point")
	s.StringVar(&f.dbPath, "db", "", "Database file holding the filesystem")
	s.StringVar(&f.frontend, "frontend", "", "FUSE front-end: bazil or gofuse")
	s.Uint32Var(&f.blockSize, "block-size", 0, "Block size used when formatting a new store")
	s.StringVar(&f.diskSize, "disk-size", "", "Capacity such as 10GiB; empty means unlimited")
	s.BoolVar(&f.enforce, "enforce-capacity", false, "Fail writes once the store reaches the disk size")
	s.IntVar(&f.maxAttempts, "max-attempts", 0, "Attempts per operation on transaction conflicts")
	s.BoolVar(&f.allowOther, "allow-other", false, "Allow other users to access the mount")
	s.BoolVar(&f.readOnly, "read-only", false, "Mount read-only")
	s.BoolVar(&f.debug, "debug", false, "Log every FUSE request (gofuse only)")
	s.StringVar(&f.logLevel, "log-level", "", "error, warn, info, debug or trace")
	s.StringVar(&f.logFormat, "log-format", "", "text or json")

	if err := s.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply overrides cfg with every flag given on the command line.
func (f *flags) apply(cfg *config.Config) {
	changed := f.set.Changed
	if changed("mount") {
		cfg.Mount.Point = f.mountPoint
	}
	if changed("db") {
		cfg.Store.Path = f.dbPath
	}
	if changed("frontend") {
		cfg.Mount.Frontend = f.frontend
	}
	if changed("block-size") {
		cfg.Filesystem.BlockSize = f.blockSize
	}
	if changed("disk-size") {
		cfg.Filesystem.DiskSize = f.diskSize
	}
	if changed("enforce-capacity") {
		cfg.Filesystem.EnforceCapacity = f.enforce
	}
	if changed("max-attempts") {
		cfg.Filesystem.MaxAttempts = f.maxAttempts
	}
	if changed("allow-other") {
		cfg.Mount.AllowOther = f.allowOther
	}
	if changed("read-only") {
		cfg.Mount.ReadOnly = f.readOnly
	}
	if changed("debug") {
		cfg.Mount.Debug = f.debug
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Error("Invalid arguments: %v", err)
		os.Exit(2)
	}
	if err := run(f); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(f *flags) error {
	manager, err := config.NewManager(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg, err := manager.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	f.apply(cfg)
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", manager.Path(), err)
	}
	if f.saveConfig {
		if err := manager.Save(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}

	logger.SetOutput(os.Stderr, cfg.Log.Format)
	logger.SetLevel(logLevel(cfg.Log))

	logger.Info("Starting dbfs...")
	if cfg.Mount.Point == "" {
		return errors.New("mount point is required")
	}
	mountPoint := filepath.Clean(cfg.Mount.Point)
	logger.Debug("Mount point: %s", mountPoint)
	logger.Debug("Database: %s", cfg.Store.Path)

	diskSize, _ := cfg.DiskSizeBytes()
	rootMode, _ := cfg.RootModeBits()
	var maxBytes int64
	if cfg.Filesystem.EnforceCapacity {
		maxBytes = int64(diskSize)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.Open(ctx, kv.Options{
		Path:        cfg.Store.Path,
		PoolSize:    cfg.Store.PoolSize,
		BusyTimeout: cfg.Store.BusyTimeout,
		MaxBytes:    maxBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Closing store: %v", err)
		}
	}()

	core, err := dbfs.Mount(ctx, store, dbfs.Options{
		BlockSize:   cfg.Filesystem.BlockSize,
		DiskSize:    diskSize,
		RootMode:    &rootMode,
		RootUid:     cfg.Filesystem.RootUid,
		RootGid:     cfg.Filesystem.RootGid,
		MaxAttempts: cfg.Filesystem.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	done, unmount, err := serve(core, mountPoint, cfg.Mount)
	if err != nil {
		return err
	}
	logger.Info("Filesystem mounted and ready")

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		err := <-done
		close(finished)
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		select {
		case <-finished:
			return nil
		default:
		}
		logger.Info("Received shutdown signal")
		if err := unmount(); err != nil {
			logger.Error("Unmount failed, run fusermount -u %s: %v", mountPoint, err)
			return err
		}
		return nil
	})
	serveErr := g.Wait()

	if err := core.Sync(context.Background()); err != nil {
		logger.Error("Final checkpoint failed: %v", err)
	}
	if serveErr != nil {
		return fmt.Errorf("FUSE server error: %w", serveErr)
	}
	logger.Info("Clean shutdown complete")
	return nil
}

// logLevel picks the configured level unless LOG_LEVEL or FUSE_DEBUG
// override it.
func logLevel(cfg config.LogConfig) logging.LogLevel {
	if level, ok := logging.EnvLevel(); ok {
		return level
	}
	level, _ := logging.ParseLevel(cfg.Level)
	return level
}

// serve mounts core with the configured front-end. done delivers the
// serve result once the kernel connection closes.
func serve(core *dbfs.FS, mountPoint string, opts config.MountConfig) (<-chan error, func() error, error) {
	switch opts.Frontend {
	case config.FrontendGoFuse:
		server, err := nodefs.Mount(mountPoint, core, nodefs.Options{
			AllowOther: opts.AllowOther,
			ReadOnly:   opts.ReadOnly,
			Debug:      opts.Debug,
		})
		if err != nil {
			return nil, nil, err
		}
		done := make(chan error, 1)
		go func() {
			server.Wait()
			done <- nil
		}()
		return done, server.Unmount, nil

	default:
		vfs := fs.NewDBFS(core, fs.Options{
			AllowOther: opts.AllowOther,
			ReadOnly:   opts.ReadOnly,
		})
		if err := vfs.Mount(mountPoint); err != nil {
			return nil, nil, err
		}
		return vfs.Done(), func() error { return vfs.Unmount(mountPoint) }, nil
	}
}
