// Package handles tracks open file handles per inode so that an inode
// unlinked while open survives until its last handle is released.
package handles

import (
	"sync"

	"dbfs/internal/logging"
)

var (
	handleLogger = logging.GetLogger().WithPrefix("handles")
)

// Table counts open handles per inode. It implements dbfs.OpenRefs and is
// safe for concurrent use.
type Table struct {
	mu   sync.Mutex
	refs map[uint64]int
	next uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{refs: make(map[uint64]int)}
}

// Acquire records a new open handle on ino and returns its handle ID.
func (t *Table) Acquire(ino uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.refs[ino]++
	handleLogger.Trace("Opened handle %d on inode %d (%d open)", t.next, ino, t.refs[ino])
	return t.next
}

// Release drops one handle on ino and reports whether it was the last.
func (t *Table) Release(ino uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.refs[ino]
	if !ok {
		handleLogger.Warn("Release of inode %d without open handles", ino)
		return false
	}
	if n > 1 {
		t.refs[ino] = n - 1
		return false
	}
	delete(t.refs, ino)
	return true
}

// IsOpen reports whether ino has at least one open handle.
func (t *Table) IsOpen(ino uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[ino] > 0
}

// Len returns the number of inodes with open handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}
