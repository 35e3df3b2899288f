package alloc

import (
	"sync"
	"unsafe"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/space"
)

// sizeClasses mirrors the coarse size-class table every mark-sweep
// allocator in the corpus uses: a handful of power-of-two-ish buckets
// large enough to keep internal fragmentation low without an explosion
// of free lists.
var sizeClasses = []uintptr{16, 32, 48, 64, 96, 128, 192, 256, 384, 512, 1024, 2048}

const numSizeClasses = 12

func sizeClassFor(size uintptr) int {
	for i, s := range sizeClasses {
		if size <= s {
			return i
		}
	}
	return len(sizeClasses) - 1
}

type freeCell struct {
	next *freeCell
}

// FreeList is the mark-sweep allocator: a fast-path pop from the
// matching size class's local list, refilled from a block-structured
// global pool on exhaustion. The global pool here is modeled
// as a shared block source the bound space hands out.
type FreeList struct {
	boundSpace space.Space
	local      [numSizeClasses]*freeCell

	mu       sync.Mutex
	blockMu  *sync.Mutex // shared across every FreeList bound to the same space
	blockEnd addr.Address
	blockPos addr.Address
}

// NewFreeList binds a freelist allocator to sp. sharedBlockLock must be
// the same *sync.Mutex for every FreeList sharing sp's block pool, so
// refills from the global pool serialize on one lock while per-class
// local freelists stay single-owner.
func NewFreeList(sp space.Space, sharedBlockLock *sync.Mutex) *FreeList {
	return &FreeList{boundSpace: sp, blockMu: sharedBlockLock}
}

func (a *FreeList) BoundSpace() space.Space { return a.boundSpace }

// Alloc pops from the local free list for size's class; on a miss it
// bump-allocates out of the allocator's single current block (shared by
// every size class), refilling the block from the bound space when that
// too is exhausted.
func (a *FreeList) Alloc(size, align, offset uintptr) (addr.Address, error) {
	class := sizeClassFor(size)
	classSize := sizeClasses[class]
	if cell := a.local[class]; cell != nil {
		a.local[class] = cell.next
		start := addr.FromPtr(unsafe.Pointer(cell))
		aligned := start.AlignUp(align, offset)
		return aligned, nil
	}
	return a.allocSlow(classSize, align, offset, class)
}

func (a *FreeList) allocSlow(classSize, align, offset uintptr, class int) (addr.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blockPos.Add(classSize) > a.blockEnd {
		a.blockMu.Lock()
		base, err := a.boundSpace.Acquire(addr.ImmixBlockSize)
		a.blockMu.Unlock()
		if err != nil {
			return addr.Zero, err
		}
		if base.IsZero() {
			return addr.Zero, nil
		}
		a.blockPos = base
		a.blockEnd = base.Add(addr.ImmixBlockSize)
	}
	start := a.blockPos
	a.blockPos = a.blockPos.Add(classSize)
	return start.AlignUp(align, offset), nil
}

// Free returns a cell of size's class to the local free list, available
// to a binding that wants to return an object early (an explicit-free
// FFI extension); the plan's own GC cycle reclaims at block granularity
// through the space's sweep instead.
func (a *FreeList) Free(start addr.Address, size uintptr) {
	class := sizeClassFor(size)
	cell := (*freeCell)(start.ToPtr())
	cell.next = a.local[class]
	a.local[class] = cell
}

// Reset drops the local free lists and the current block region: after a
// sweep the cells they point into may have been freed wholesale with
// their block, so the next allocation must refill from the space.
func (a *FreeList) Reset() {
	a.mu.Lock()
	for i := range a.local {
		a.local[i] = nil
	}
	a.blockPos = addr.Zero
	a.blockEnd = addr.Zero
	a.mu.Unlock()
}

var (
	_ Allocator  = (*FreeList)(nil)
	_ Resettable = (*FreeList)(nil)
)
