// Package kv is the transactional key-value engine underneath dbfs.
//
// Keys live in named namespaces and are ordered lexicographically as
// bytes. Every read and write happens inside a Tx obtained from
// Store.Begin. The engine is SQLite in WAL mode: read-only transactions
// see a snapshot and never block writers, and read-write transactions are
// serialized by BEGIN IMMEDIATE, so a writer holds the single write slot
// from Begin until Commit or Rollback.
package kv

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jmgilman/go/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"dbfs/internal/logging"
)

var (
	storeLogger = logging.GetLogger().WithPrefix("kv")
)

const schema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name TEXT PRIMARY KEY
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS kv (
	ns    TEXT NOT NULL,
	key   BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (ns, key)
) WITHOUT ROWID;
`

// Options configures a Store. Path is required.
type Options struct {
	// Path of the SQLite database file. Created if absent.
	Path string

	// PoolSize is the number of pooled connections. Defaults to
	// max(runtime.NumCPU(), 4).
	PoolSize int

	// BusyTimeout bounds how long Begin waits for the write slot before
	// reporting a conflict. Defaults to 5s.
	BusyTimeout time.Duration

	// MaxBytes caps the database size through max_page_count. Zero
	// means unlimited. Writes past the cap fail with CodeStoreFull.
	MaxBytes int64
}

// Store is a pool of SQLite connections holding the namespaced key space.
// It is safe for concurrent use; each Tx owns one connection.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the database at opts.Path and ensures
// the schema exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "kv: Path is required")
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, busy, opts.MaxBytes)
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "kv: opening %s", opts.Path)
	}
	s := &Store{pool: pool, path: opts.Path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.CodeUnavailable, "kv: taking connection")
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, classify(err, "kv: creating schema")
	}

	storeLogger.Info("Opened store %s (pool size %d)", opts.Path, poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn, busy time.Duration, maxBytes int64) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		// FULL: a returned Commit survives power loss.
		"PRAGMA synchronous=FULL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("kv: %s: %w", pragma, err)
		}
	}
	if maxBytes <= 0 {
		return nil
	}

	var pageSize int64
	err := sqlitex.ExecuteTransient(conn, "PRAGMA page_size", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pageSize = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("kv: reading page_size: %w", err)
	}
	if pageSize <= 0 {
		pageSize = 4096
	}
	pages := maxBytes / pageSize
	if pages < 1 {
		pages = 1
	}
	pragma := fmt.Sprintf("PRAGMA max_page_count=%d", pages)
	if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
		return fmt.Errorf("kv: %s: %w", pragma, err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Begin starts a transaction. ctx only bounds waiting for a pooled
// connection; once begun, the transaction runs until Commit or Rollback.
// A writable Begin that cannot obtain the write slot within the busy
// timeout fails with a conflict error (see IsConflict).
func (s *Store) Begin(ctx context.Context, writable bool) (*Tx, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "kv: taking connection")
	}
	conn.SetInterrupt(nil)

	tx := &Tx{
		store:    s,
		conn:     conn,
		writable: writable,
		cursors:  make(map[*Cursor]struct{}),
	}
	if writable {
		end, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			s.pool.Put(conn)
			return nil, classify(err, "kv: begin")
		}
		tx.end = end
	} else {
		if err := sqlitex.ExecuteTransient(conn, "BEGIN DEFERRED;", nil); err != nil {
			s.pool.Put(conn)
			return nil, classify(err, "kv: begin")
		}
		tx.end = func(errp *error) {
			if *errp == nil {
				*errp = sqlitex.ExecuteTransient(conn, "COMMIT;", nil)
			}
			if *errp != nil {
				if rbErr := sqlitex.ExecuteTransient(conn, "ROLLBACK;", nil); rbErr != nil {
					storeLogger.Debug("Rollback after failed read transaction: %v", rbErr)
				}
			}
		}
	}
	storeLogger.Trace("Began transaction (writable=%v)", writable)
	return tx, nil
}

// Checkpoint copies the write-ahead log into the main database file and
// truncates the log.
func (s *Store) Checkpoint(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "kv: taking connection")
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA wal_checkpoint(TRUNCATE)", nil); err != nil {
		return classify(err, "kv: checkpoint")
	}
	storeLogger.Debug("Checkpointed %s", s.path)
	return nil
}

// Close closes every pooled connection. It blocks until outstanding
// transactions return their connections.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		storeLogger.Error("Closing store %s: %v", s.path, err)
		return errors.Wrapf(err, errors.CodeDatabase, "kv: closing %s", s.path)
	}
	storeLogger.Info("Closed store %s", s.path)
	return nil
}
