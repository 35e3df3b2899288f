// Package sft implements the space-function table: a chunk-indexed map
// from address to the owning space's trace/scan vtable.
// It is set once per chunk when a space extends into it and read
// concurrently without locking thereafter.
package sft

import (
	"fmt"
	"sync/atomic"

	"github.com/heapcore/heapcore/internal/addr"
)

// Entry is the chunk-granular vtable the SFT hands back. It deliberately
// mirrors only the subset of space.Space that tracing and
// is-in-heap checks need, so this package has no import-cycle with
// internal/space.
type Entry interface {
	Name() string
	InSpace(ref addr.ObjectReference) bool
}

// Table is a chunk-indexed array of Entry, sized for the whole VM layout
// address range at construction.
type Table struct {
	base    addr.Address
	entries []atomic.Pointer[Entry]
}

// NewTable builds an SFT covering [base, base+extent).
func NewTable(base addr.Address, extent uintptr) *Table {
	n := (extent + addr.ChunkSize - 1) >> addr.ChunkShift
	return &Table{base: base, entries: make([]atomic.Pointer[Entry], n)}
}

func (t *Table) index(a addr.Address) int {
	return int((uintptr(a) - uintptr(t.base)) >> addr.ChunkShift)
}

// Covers reports whether a falls inside the table's address window;
// addresses outside it (a malloc-backed space's cells) are never
// represented here.
func (t *Table) Covers(a addr.Address) bool {
	idx := t.index(a)
	return idx >= 0 && idx < len(t.entries)
}

// SetChunk records e as the owner of a's chunk. Called exactly once per
// chunk, at the point a space first extends into it; a second
// registration of a different entry over the same chunk is a sanity
// violation: a chunk belongs to at most one space.
func (t *Table) SetChunk(a addr.Address, e Entry) error {
	idx := t.index(a)
	if idx < 0 || idx >= len(t.entries) {
		return fmt.Errorf("sft: chunk for %#x outside layout", uintptr(a))
	}
	if existing := t.entries[idx].Load(); existing != nil && *existing != e {
		return fmt.Errorf("sft: chunk %#x already owned by %s, cannot assign to %s",
			uintptr(a), (*existing).Name(), e.Name())
	}
	t.entries[idx].Store(&e)
	return nil
}

// ClearChunk removes ownership, used when a discontiguous space returns
// a chunk to the free pool.
func (t *Table) ClearChunk(a addr.Address) {
	idx := t.index(a)
	if idx < 0 || idx >= len(t.entries) {
		return
	}
	t.entries[idx].Store(nil)
}

// Lookup returns the entry owning a's chunk, or nil if unmapped/unowned.
func (t *Table) Lookup(a addr.Address) Entry {
	idx := t.index(a)
	if idx < 0 || idx >= len(t.entries) {
		return nil
	}
	e := t.entries[idx].Load()
	if e == nil {
		return nil
	}
	return *e
}

// IsInSpaces reports whether ref's address falls in a chunk owned by any
// registered space and that space in turn claims the object.
func (t *Table) IsInSpaces(ref addr.ObjectReference) bool {
	e := t.Lookup(ref.Address())
	return e != nil && e.InSpace(ref)
}

// Dump renders a human-readable map of owned chunks, used in
// mmtkerrors.SanityViolation diagnostics.
func (t *Table) Dump() string {
	out := ""
	var run Entry
	var runStart int
	flush := func(end int) {
		if run == nil {
			return
		}
		out += fmt.Sprintf("  [%#x, %#x) -> %s\n",
			uintptr(t.base)+uintptr(runStart)<<addr.ChunkShift,
			uintptr(t.base)+uintptr(end)<<addr.ChunkShift,
			run.Name())
	}
	for i := range t.entries {
		e := t.entries[i].Load()
		var cur Entry
		if e != nil {
			cur = *e
		}
		if cur != run {
			flush(i)
			run = cur
			runStart = i
		}
	}
	flush(len(t.entries))
	return out
}
