package alloc

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/space"
)

// Malloc is a thin wrapper over the bound Malloc space: alignment and
// offset are handled by over-requesting and writing an adjustment word
// immediately before the returned address recording how far it is from
// the real allocation start. Nothing in this tree reads that word back:
// the space's sweep frees cells by their recorded start address.
type Malloc struct {
	boundSpace space.Space
}

// NewMalloc builds a malloc-backed allocator. Unlike every other
// allocator kind it has no fixed bound space requirement from the
// plan's allocator-selector table, but heapcore still routes it through a
// space.Malloc instance so sweep/SFT bookkeeping stays uniform.
func NewMalloc(sp space.Space) *Malloc {
	return &Malloc{boundSpace: sp}
}

func (a *Malloc) BoundSpace() space.Space { return a.boundSpace }

const adjustmentHeader = addr.WordSize

// Alloc requests size+align+adjustmentHeader bytes from the space, then
// returns an aligned address inside that allocation with the word
// immediately preceding it holding the gap between the real malloc'd
// start and the returned address.
func (a *Malloc) Alloc(size, align, offset uintptr) (addr.Address, error) {
	raw, err := a.boundSpace.Acquire(size + align + adjustmentHeader)
	if err != nil {
		return addr.Zero, err
	}
	if raw.IsZero() {
		return addr.Zero, nil
	}
	usable := raw.Add(adjustmentHeader)
	aligned := usable.AlignUp(align, offset)
	gap := uintptr(aligned.Diff(raw))
	*(*uintptr)(aligned.Sub(addr.WordSize).ToPtr()) = gap
	return aligned, nil
}

var _ Allocator = (*Malloc)(nil)
