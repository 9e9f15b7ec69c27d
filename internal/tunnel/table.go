package tunnel

import (
	"net"
	"sync"
)

// Entry is one row of a ConnectionTable: a ConnectionId mapped to its live
// application socket, plus whatever side-specific extra data that side
// needs (the owning LocalProxy on the local side; on the remote side the
// backend conn is stored again, as the remote needs nothing extra).
type Entry[T any] struct {
	ID    uint64
	Conn  net.Conn
	Extra T
}

// Table is the ConnectionTable from spec §3/§4.3: ConnectionId -> socket
// (+ extra). The spec notes each table is touched only by its one owning
// event loop and therefore needs no lock; this Go translation uses
// goroutine-per-socket instead of a single-threaded selector (see
// SPEC_FULL.md §4's translation note), so several goroutines legitimately
// reach the same side's table concurrently — insert from an accept loop,
// lookup/remove from a tunnel dispatch loop, remove from a socket's own
// read loop. A mutex here is the Go-idiomatic equivalent of "owned by one
// loop": it keeps the table a single, consistently-owned structure per
// side without handing every caller their own copy.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[uint64]*Entry[T]
}

// New creates an empty Table.
func New[T any]() *Table[T] {
	return &Table[T]{entries: make(map[uint64]*Entry[T])}
}

// Insert registers id. Per invariant 2 (spec §3), callers must not insert an
// id that is already registered; Insert overwrites silently if they do,
// since detecting the violation is the caller's responsibility (it has the
// context to log it meaningfully).
func (t *Table[T]) Insert(id uint64, conn net.Conn, extra T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[uint64]*Entry[T])
	}
	t.entries[id] = &Entry[T]{ID: id, Conn: conn, Extra: extra}
}

// Lookup returns the entry for id, if any.
func (t *Table[T]) Lookup(id uint64) (*Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Remove deletes id, if present.
func (t *Table[T]) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// ReverseLookup finds the entry whose Conn is conn. Per spec §4.3 this scan
// is acceptably linear at this system's scale.
func (t *Table[T]) ReverseLookup(conn net.Conn) (*Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Conn == conn {
			return e, true
		}
	}
	return nil, false
}

// Each calls f for every entry currently in the table. f must not call back
// into the Table (it holds the lock for the duration of the iteration).
func (t *Table[T]) Each(f func(*Entry[T])) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		f(e)
	}
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
