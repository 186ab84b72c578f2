package kv

import (
	"bytes"
	"strings"

	"github.com/jmgilman/go/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Tx is one atomic unit of work. A Tx is not safe for concurrent use.
// Writes become visible to other transactions only at Commit.
type Tx struct {
	store    *Store
	conn     *sqlite.Conn
	writable bool
	end      func(*error)
	cursors  map[*Cursor]struct{}
	done     bool
}

// Writable reports whether the transaction may mutate the store.
func (tx *Tx) Writable() bool { return tx.writable }

func (tx *Tx) check(mutating bool) error {
	if tx.done {
		return ErrTxDone
	}
	if mutating && !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// Get returns a copy of the value stored under (ns, key), or ErrNotFound.
func (tx *Tx) Get(ns string, key []byte) ([]byte, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	var (
		value []byte
		found bool
	)
	err := sqlitex.Execute(tx.conn, "SELECT value FROM kv WHERE ns = ? AND key = ?;", &sqlitex.ExecOptions{
		Args: []any{ns, key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = columnBytes(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, classify(err, "kv: get")
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put stores value under (ns, key), replacing any previous value. The
// namespace must exist.
func (tx *Tx) Put(ns string, key, value []byte) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO kv (ns, key, value)
		SELECT ?1, ?2, coalesce(?3, x'')
		WHERE EXISTS (SELECT 1 FROM namespaces WHERE name = ?1)
		ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value;`,
		&sqlitex.ExecOptions{Args: []any{ns, key, value}})
	if err != nil {
		return classify(err, "kv: put")
	}
	if tx.conn.Changes() == 0 {
		return errors.Wrapf(ErrNoNamespace, errors.CodeNotFound, "kv: put into %q", ns)
	}
	return nil
}

// Delete removes (ns, key). Deleting an absent key is not an error; the
// result reports whether a record was removed.
func (tx *Tx) Delete(ns string, key []byte) (bool, error) {
	if err := tx.check(true); err != nil {
		return false, err
	}
	err := sqlitex.Execute(tx.conn, "DELETE FROM kv WHERE ns = ? AND key = ?;", &sqlitex.ExecOptions{
		Args: []any{ns, key},
	})
	if err != nil {
		return false, classify(err, "kv: delete")
	}
	return tx.conn.Changes() > 0, nil
}

// DeleteRange removes every key k in ns with start <= k < end. A nil end
// means no upper bound. It returns the number of records removed.
func (tx *Tx) DeleteRange(ns string, start, end []byte) (int, error) {
	if err := tx.check(true); err != nil {
		return 0, err
	}
	where, args := rangeClause(ns, start, end)
	if err := sqlitex.Execute(tx.conn, "DELETE FROM kv WHERE "+where+";", &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, classify(err, "kv: delete range")
	}
	return tx.conn.Changes(), nil
}

// DeletePrefix removes every key in ns that starts with prefix.
func (tx *Tx) DeletePrefix(ns string, prefix []byte) (int, error) {
	return tx.DeleteRange(ns, prefix, PrefixEnd(prefix))
}

// Count returns the number of keys in ns starting with prefix.
func (tx *Tx) Count(ns string, prefix []byte) (int64, error) {
	if err := tx.check(false); err != nil {
		return 0, err
	}
	where, args := rangeClause(ns, prefix, PrefixEnd(prefix))
	var n int64
	err := sqlitex.Execute(tx.conn, "SELECT count(*) FROM kv WHERE "+where+";", &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, classify(err, "kv: count")
	}
	return n, nil
}

// HasNamespace reports whether ns was created.
func (tx *Tx) HasNamespace(ns string) (bool, error) {
	if err := tx.check(false); err != nil {
		return false, err
	}
	var found bool
	err := sqlitex.Execute(tx.conn, "SELECT 1 FROM namespaces WHERE name = ?;", &sqlitex.ExecOptions{
		Args: []any{ns},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, classify(err, "kv: namespace lookup")
	}
	return found, nil
}

// CreateNamespaceIfAbsent creates ns. It reports whether the namespace
// was newly created.
func (tx *Tx) CreateNamespaceIfAbsent(ns string) (bool, error) {
	if err := tx.check(true); err != nil {
		return false, err
	}
	err := sqlitex.Execute(tx.conn, "INSERT INTO namespaces (name) VALUES (?) ON CONFLICT DO NOTHING;", &sqlitex.ExecOptions{
		Args: []any{ns},
	})
	if err != nil {
		return false, classify(err, "kv: create namespace")
	}
	return tx.conn.Changes() > 0, nil
}

// Scan returns a cursor over every key in ns starting with prefix, in
// ascending byte order. The cursor is bound to tx: it is invalidated by
// Commit or Rollback and cannot be rewound.
func (tx *Tx) Scan(ns string, prefix []byte) (*Cursor, error) {
	return tx.ScanRange(ns, prefix, PrefixEnd(prefix))
}

// ScanRange returns a cursor over keys k in ns with start <= k < end.
// A nil end means no upper bound.
func (tx *Tx) ScanRange(ns string, start, end []byte) (*Cursor, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	where, args := rangeClause(ns, start, end)
	stmt, _, err := tx.conn.PrepareTransient("SELECT key, value FROM kv WHERE " + where + " ORDER BY key;")
	if err != nil {
		return nil, classify(err, "kv: prepare scan")
	}
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			stmt.BindText(i+1, v)
		case []byte:
			stmt.BindBytes(i+1, v)
		}
	}
	c := &Cursor{tx: tx, stmt: stmt}
	tx.cursors[c] = struct{}{}
	return c, nil
}

// Commit makes every write durable and visible. A conflict error means
// the work was discarded and the whole logical operation may be retried.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.closeCursors()
	var err error
	tx.end(&err)
	tx.finish()
	if err != nil {
		return classify(err, "kv: commit")
	}
	storeLogger.Trace("Committed transaction (writable=%v)", tx.writable)
	return nil
}

// Rollback discards every write. It is a no-op after Commit, so it can
// be deferred unconditionally.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.closeCursors()
	if tx.conn.AutocommitEnabled() {
		// The engine already rolled back, e.g. after SQLITE_FULL.
		tx.finish()
		return nil
	}
	var err error = errRollback
	tx.end(&err)
	tx.finish()
	storeLogger.Trace("Rolled back transaction (writable=%v)", tx.writable)
	return nil
}

var errRollback = errors.New(errors.CodeInternal, "rollback requested")

func (tx *Tx) finish() {
	tx.done = true
	tx.store.pool.Put(tx.conn)
	tx.conn = nil
}

func (tx *Tx) closeCursors() {
	for c := range tx.cursors {
		c.Close()
	}
}

// Cursor iterates (key, value) pairs produced by Scan.
//
//	c, err := tx.Scan(ns, prefix)
//	if err != nil { ... }
//	defer c.Close()
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	tx     *Tx
	stmt   *sqlite.Stmt
	key    []byte
	value  []byte
	err    error
	closed bool
}

// Next advances to the next pair and reports whether one is available.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.tx.done {
		c.err = ErrTxDone
		return false
	}
	row, err := c.stmt.Step()
	if err != nil {
		c.err = classify(err, "kv: scan")
		c.Close()
		return false
	}
	if !row {
		c.Close()
		return false
	}
	c.key = columnBytes(c.stmt, 0)
	c.value = columnBytes(c.stmt, 1)
	return true
}

// Key returns the current key. The slice is owned by the caller.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current value. The slice is owned by the caller.
func (c *Cursor) Value() []byte { return c.value }

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.tx.cursors, c)
	if err := c.stmt.Finalize(); err != nil {
		return classify(err, "kv: finalize scan")
	}
	return nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

// rangeClause builds the WHERE clause selecting start <= key < end in ns.
func rangeClause(ns string, start, end []byte) (string, []any) {
	var b strings.Builder
	args := []any{ns}
	b.WriteString("ns = ?")
	if len(start) > 0 {
		b.WriteString(" AND key >= ?")
		args = append(args, start)
	}
	if end != nil {
		b.WriteString(" AND key < ?")
		args = append(args, end)
	}
	return b.String(), args
}

// PrefixEnd returns the smallest key greater than every key with the
// given prefix, or nil if no such key exists (empty or all-0xff prefix).
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
