package alloc

import (
	"fmt"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
	"github.com/heapcore/heapcore/internal/space"
)

// BumpPointer is the fast-path allocator used by Immortal, Copy, and
// MarkCompact spaces: its whole state is (cursor, limit); the fast path
// aligns the cursor, bumps it, and checks against the limit, refilling
// from the bound space on exhaustion.
type BumpPointer struct {
	cursor, limit addr.Address
	boundSpace    space.Space
	// refillSize is how many bytes to request from the space on a slow
	// path refill; larger buffers amortize the space's acquire() cost.
	refillSize uintptr
}

// NewBumpPointer binds a fresh allocator to sp, with cursor==limit so the
// first allocation takes the slow path.
func NewBumpPointer(sp space.Space, refillSize uintptr) *BumpPointer {
	return &BumpPointer{boundSpace: sp, refillSize: refillSize}
}

func (b *BumpPointer) BoundSpace() space.Space { return b.boundSpace }

// Alloc is the bump-pointer fast path: aligned := align_up(cursor, align,
// offset); new := aligned + size; if new <= limit, cursor := new, return
// aligned. On overflow it falls through to the slow path.
func (b *BumpPointer) Alloc(size, align, offset uintptr) (addr.Address, error) {
	if align > addr.MaxAlignment {
		return addr.Zero, mmtkerrors.BindingMisuse(fmt.Sprintf("alignment %d exceeds MaxAlignment %d", align, addr.MaxAlignment))
	}
	aligned := b.cursor.AlignUp(align, offset)
	newCursor := aligned.Add(size)
	if newCursor <= b.limit {
		if gap := uintptr(aligned.Diff(b.cursor)); gap > 0 {
			zeroFill(b.cursor, gap)
		}
		b.cursor = newCursor
		return aligned, nil
	}
	return b.allocSlow(size, align, offset)
}

// allocSlow refills the buffer once from the bound space and retries the
// bump. A space error is returned as is; a refill the space declines
// (a zero address) yields addr.Zero with a nil error.
func (b *BumpPointer) allocSlow(size, align, offset uintptr) (addr.Address, error) {
	want := b.refillSize
	if size+addr.MaxAlignment > want {
		want = size + addr.MaxAlignment
	}
	a, err := b.boundSpace.Acquire(want)
	if err != nil {
		return addr.Zero, err
	}
	if a.IsZero() {
		return addr.Zero, nil
	}
	b.cursor = a
	b.limit = a.Add(want)
	aligned := b.cursor.AlignUp(align, offset)
	newCursor := aligned.Add(size)
	if newCursor > b.limit {
		// The requested size plus alignment padding didn't fit the
		// freshly refilled buffer. The refill already covers size plus
		// the maximum padding, so this branch is a defensive check.
		return addr.Zero, nil
	}
	if gap := uintptr(aligned.Diff(b.cursor)); gap > 0 {
		zeroFill(b.cursor, gap)
	}
	b.cursor = newCursor
	return aligned, nil
}

// tryFast attempts the fast path only, without refilling from the bound
// space on a miss. It lets a caller like Immix interpose its own refill
// policy between the fast path and the bound space's generic Acquire.
func (b *BumpPointer) tryFast(size, align, offset uintptr) (addr.Address, bool) {
	aligned := b.cursor.AlignUp(align, offset)
	newCursor := aligned.Add(size)
	if newCursor > b.limit {
		return addr.Zero, false
	}
	if gap := uintptr(aligned.Diff(b.cursor)); gap > 0 {
		zeroFill(b.cursor, gap)
	}
	b.cursor = newCursor
	return aligned, true
}

// bind points the fast path at a freshly acquired region, used by Immix
// after it picks a reusable or fresh block itself.
func (b *BumpPointer) bind(region addr.Address, extent uintptr) {
	b.cursor = region
	b.limit = region.Add(extent)
}

// Reset forces the next allocation to take the slow path, used after a
// collection when the space the allocator draws from may have flipped
// (SemiSpace) or been swept (MarkSweep).
func (b *BumpPointer) Reset() {
	b.cursor = addr.Zero
	b.limit = addr.Zero
}

var (
	_ Allocator  = (*BumpPointer)(nil)
	_ Resettable = (*BumpPointer)(nil)
)
