package alloc

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/space"
)

// immixBlockSource is the subset of *space.Immix an Immix allocator
// needs; declared narrowly here so this file doesn't have to import the
// concrete type and tests can substitute a fake.
type immixBlockSource interface {
	space.Space
	GetReusableRun(minLines int) (addr.Address, int)
	AcquireBlocks(n int) (addr.Address, error)
}

// Immix is a bump pointer over the currently-held recyclable region; its
// slow path first tries a run of consecutive free lines in a reusable
// block before falling back to a fresh block from the immix space.
type Immix struct {
	bp       *BumpPointer
	src      immixBlockSource
	minLines int
}

// NewImmix binds an immix allocator to sp, requesting runs of at least
// minUnmarkedLines consecutive free lines from reusable blocks.
func NewImmix(sp immixBlockSource, minUnmarkedLines int) *Immix {
	return &Immix{bp: NewBumpPointer(sp, addr.ImmixBlockSize), src: sp, minLines: minUnmarkedLines}
}

func (a *Immix) BoundSpace() space.Space { return a.src }

// Alloc tries the current region's fast path first; on a miss it asks
// for a reusable run of free lines before falling back to a fresh block
// from the immix space.
func (a *Immix) Alloc(size, align, offset uintptr) (addr.Address, error) {
	if r, ok := a.bp.tryFast(size, align, offset); ok {
		return r, nil
	}
	if run, lines := a.src.GetReusableRun(a.minLines); !run.IsZero() {
		a.bp.bind(run, uintptr(lines)*addr.ImmixLineSize)
		if r, ok := a.bp.tryFast(size, align, offset); ok {
			return r, nil
		}
	}
	base, err := a.src.AcquireBlocks(1)
	if err != nil {
		return addr.Zero, err
	}
	if base.IsZero() {
		return addr.Zero, nil
	}
	a.bp.bind(base, addr.ImmixBlockSize)
	if r, ok := a.bp.tryFast(size, align, offset); ok {
		return r, nil
	}
	return addr.Zero, nil
}

// Reset drops the held region so the next allocation re-negotiates with
// the space, called when a collection may have invalidated the region's
// line availability.
func (a *Immix) Reset() { a.bp.Reset() }

var (
	_ Allocator  = (*Immix)(nil)
	_ Resettable = (*Immix)(nil)
)
