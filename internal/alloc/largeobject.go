package alloc

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/space"
)

// LargeObject has no fast path: every request goes straight to the bound
// LOS space, which is page-granular and therefore cheap enough per-call
// that a cursor/limit buffer would only add bookkeeping.
type LargeObject struct {
	boundSpace space.Space
}

// NewLargeObject binds a large-object allocator to sp (expected to be an
// *space.LOS, but the allocator only depends on the Space contract).
func NewLargeObject(sp space.Space) *LargeObject {
	return &LargeObject{boundSpace: sp}
}

func (a *LargeObject) BoundSpace() space.Space { return a.boundSpace }

// Alloc rounds size up to alignment by over-requesting from the space
// (page-granular allocation already over-aligns far past MaxAlignment in
// the common case) and then aligning the returned start up in place.
func (a *LargeObject) Alloc(size, align, offset uintptr) (addr.Address, error) {
	base, err := a.boundSpace.Acquire(size + align)
	if err != nil {
		return addr.Zero, err
	}
	if base.IsZero() {
		return addr.Zero, nil
	}
	return base.AlignUp(align, offset), nil
}

var _ Allocator = (*LargeObject)(nil)
