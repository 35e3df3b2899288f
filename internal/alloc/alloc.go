// Package alloc implements the per-mutator fast-path allocators:
// bump-pointer, large-object, freelist, malloc-backed and immix,
// each with its own slow-path refill from a bound space.
package alloc

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/space"
)

// Allocator is the common contract: alloc returns an address satisfying
// (addr+offset) % align == 0, or addr.Zero on slow-path failure after
// refill was attempted. align must be a power of two, <= addr.MaxAlignment.
type Allocator interface {
	Alloc(size, align, offset uintptr) (addr.Address, error)
	// BoundSpace is nil only for Malloc, which has no bound space.
	BoundSpace() space.Space
}

// Kind identifies which concrete allocator a Selector slot names, so the
// allocator-selector table can be a flat array of
// (Kind, Index) pairs instead of an interface-typed slice, so plan code
// can build the table at init without reflection.
type Kind int

const (
	KindBumpPointer Kind = iota
	KindLargeObject
	KindFreeList
	KindMalloc
	KindImmix
)

// Selector names one allocator instance within a Mutator's per-kind
// allocator slices.
type Selector struct {
	Kind  Kind
	Index int
}

// Resettable is implemented by allocators holding a thread-local buffer
// that must be dropped at GC prepare: after a collection the buffered
// region may have been reclaimed, flipped, or compacted over, so the
// next allocation must renegotiate with the space.
type Resettable interface {
	Reset()
}

// RebindTarget names a (Kind, Index) allocator slot a plan wants
// repointed at a new space after a collection, used by plans whose
// active allocation target moves between spaces across cycles (a
// flip-flop copyspace pair): the plan can't reach into a Mutator itself
// (that would cycle alloc -> heapcore -> alloc), so it reports what
// changed and the caller applies it to every bound mutator.
type RebindTarget struct {
	Kind       Kind
	Index      int
	Space      space.Space
	RefillSize uintptr
}

// zeroFill writes n zero bytes starting at a. Every allocator is
// responsible for the observable-zero-fill guarantee on the alignment
// gap it produces; most page-resource-backed spaces already
// hand back zero-filled pages from mmap, so this is only exercised by
// the gap between a requested offset-aligned address and a coarser
// natural allocation start.
func zeroFill(a addr.Address, n uintptr) {
	if n == 0 {
		return
	}
	p := (*[1 << 30]byte)(a.ToPtr())[:n:n]
	for i := range p {
		p[i] = 0
	}
}
