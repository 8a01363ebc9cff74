// Package changelog implements the Change Log (spec §4.A): an append-only
// sequence of typed deltas keyed by clnum, with single-writer/many-reader
// sharing discipline (spec §5).
package changelog

import (
	"sync"

	"github.com/liuxd6825/timewarpd/lib"
)

// Log is an append-only sequence of changes. The zero value is ready to use.
// Append is single-writer (the ingest path); Snapshot and the iteration
// methods are safe for concurrent readers.
type Log struct {
	mu      sync.RWMutex
	changes []lib.Change
}

// New returns an empty Log.
func New() *Log {
	return &Log{}
}

// Append adds a change to the tail of the log. Changes must be appended in
// clnum order; the caller (the ingest path) is the single writer.
func (l *Log) Append(c lib.Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

// MaxClnum returns the highest clnum appended so far, or lib.NoClnum if the
// log is empty.
func (l *Log) MaxClnum() lib.Clnum {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.changes) == 0 {
		return lib.NoClnum
	}
	return l.changes[len(l.changes)-1].Clnum
}

// Snapshot is a frozen, read-only view of the log's prefix as of the moment
// it was taken. Query tasks acquire one and compute against it so that a
// concurrent append never mutates results mid-computation (spec §5).
type Snapshot struct {
	changes []lib.Change
}

// SnapshotReader returns a frozen view of the current log contents. Because
// Log.changes is only ever appended to (never mutated in place) and Go slice
// headers are copied by value, taking the header under the read lock is
// sufficient to freeze the visible prefix; later appends may reallocate the
// backing array but never touch the bytes this snapshot's header already
// points at.
func (l *Log) SnapshotReader() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{changes: l.changes[:len(l.changes):len(l.changes)]}
}

// Len returns the number of changes visible in the snapshot.
func (s Snapshot) Len() int { return len(s.changes) }

// At returns the i'th change in ingest order.
func (s Snapshot) At(i int) lib.Change { return s.changes[i] }

// Forward iterates the snapshot in ingest (ascending clnum) order, calling
// fn for each change. Iteration stops early if fn returns false.
func (s Snapshot) Forward(fn func(lib.Change) bool) {
	for _, c := range s.changes {
		if !fn(c) {
			return
		}
	}
}

// Reverse iterates the snapshot in reverse (descending clnum) order, calling
// fn for each change. Iteration stops early if fn returns false. Used by the
// backwards slicer (spec §4.E).
func (s Snapshot) Reverse(fn func(lib.Change) bool) {
	for i := len(s.changes) - 1; i >= 0; i-- {
		if !fn(s.changes[i]) {
			return
		}
	}
}

// All returns the full slice of changes visible in this snapshot. Callers
// must treat it as read-only.
func (s Snapshot) All() []lib.Change { return s.changes }
