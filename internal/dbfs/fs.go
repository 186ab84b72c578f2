// Package dbfs implements POSIX filesystem semantics on top of the kv
// store: inodes, directories, sparse data blocks, extended attributes and
// link-count driven deletion.
//
// FS is the only entry point for front-ends. Every FS method runs as
// exactly one transaction. A write-write conflict discards the attempt
// and the whole method is retried with backoff; when the attempts run
// out the method fails with ErrBusy.
package dbfs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"dbfs/internal/clock"
	"dbfs/internal/kv"
	"dbfs/internal/logging"
)

var (
	fsLogger = logging.GetLogger().WithPrefix("dbfs")
)

// Coordinator hands out transactions. *kv.Store implements it.
type Coordinator interface {
	Begin(ctx context.Context, writable bool) (*kv.Tx, error)
	Checkpoint(ctx context.Context) error
}

// Options configures Mount. BlockSize, DiskSize and the Root* fields only
// apply when the store is formatted on first mount.
type Options struct {
	BlockSize uint32 // defaults to DefaultBlockSize
	DiskSize  uint64 // advisory capacity reported by Statfs
	RootMode  *uint32 // defaults to 0755
	RootUid   uint32
	RootGid   uint32

	// MaxAttempts bounds how often a conflicting operation is tried.
	// Defaults to 3.
	MaxAttempts int

	Clock clock.Clock
}

// FS is a mounted filesystem. It is safe for concurrent use.
type FS struct {
	store    Coordinator
	clock    clock.Clock
	attempts int
	sb       *superblock
}

// txn is one attempt of one operation.
type txn struct {
	tx  *kv.Tx
	sb  *superblock
	now time.Time
}

// Mount formats the store on first use, otherwise validates its
// superblock and destroys inodes left unlinked by a previous run. A bad
// superblock fails with ErrCorruption.
func Mount(ctx context.Context, store Coordinator, opts Options) (*FS, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	rootMode := uint32(0o755)
	if opts.RootMode != nil {
		rootMode = *opts.RootMode
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	fs := &FS{store: store, clock: opts.Clock, attempts: opts.MaxAttempts}

	var (
		sb        *superblock
		formatted bool
		reaped    int
	)
	err := fs.run(ctx, true, func(t *txn) error {
		formatted, reaped = false, 0
		exists, err := t.tx.HasNamespace(nsSuperblock)
		if err != nil {
			return err
		}
		if !exists {
			formatted = true
			root := &inode{Mode: rootMode & modeMask, Uid: opts.RootUid, Gid: opts.RootGid}
			sb, err = t.format(opts.BlockSize, opts.DiskSize, root)
			return err
		}
		if sb, err = t.loadSuperblock(); err != nil {
			return err
		}
		reaped, err = t.reapOrphans()
		return err
	})
	if err != nil {
		fsLogger.Error("Mount failed: %v", err)
		return nil, fail(OpMount, RootIno, "", err)
	}
	fs.sb = sb

	if formatted {
		fsLogger.Info("Formatted new filesystem %s (block size %d, capacity %s)",
			sb.id, sb.blockSize, humanize.IBytes(sb.diskSize))
	} else {
		fsLogger.Info("Mounted filesystem %s (block size %d, capacity %s)",
			sb.id, sb.blockSize, humanize.IBytes(sb.diskSize))
	}
	if reaped > 0 {
		fsLogger.Info("Reclaimed %d orphaned inodes", reaped)
	}
	return fs, nil
}

// BlockSize returns the data block size fixed at format time.
func (fs *FS) BlockSize() uint32 { return fs.sb.blockSize }

// ID returns the filesystem UUID.
func (fs *FS) ID() uuid.UUID { return fs.sb.id }

// Sync checkpoints the engine's write-ahead log into the database file.
// Committed operations are already durable; this only bounds log growth.
func (fs *FS) Sync(ctx context.Context) error {
	return fs.store.Checkpoint(ctx)
}

func (fs *FS) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(fs.attempts-1))
}

// run executes fn in a fresh transaction and commits it, retrying the
// whole attempt on conflict.
func (fs *FS) run(ctx context.Context, writable bool, fn func(t *txn) error) error {
	attempts := 0
	op := func() error {
		attempts++
		tx, err := fs.store.Begin(ctx, writable)
		if err != nil {
			return retryable(err)
		}
		defer tx.Rollback()

		if err := fn(&txn{tx: tx, sb: fs.sb, now: fs.clock.Now()}); err != nil {
			return retryable(err)
		}
		return retryable(tx.Commit())
	}

	err := backoff.Retry(op, backoff.WithContext(fs.newBackOff(), ctx))
	switch {
	case err == nil:
		return nil
	case kv.IsConflict(err):
		fsLogger.Warn("Giving up after %d conflicting attempts: %v", attempts, err)
		return fmt.Errorf("%w after %d attempts: %v", ErrBusy, attempts, err)
	default:
		return engineError(err)
	}
}

func retryable(err error) error {
	if err == nil || kv.IsConflict(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (fs *FS) update(ctx context.Context, fn func(t *txn) error) error {
	return fs.run(ctx, true, fn)
}

func (fs *FS) view(ctx context.Context, fn func(t *txn) error) error {
	return fs.run(ctx, false, fn)
}

func unixTime(ns int64) time.Time {
	return time.Unix(0, ns)
}
