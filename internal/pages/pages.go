// Package pages implements the page resource layer: it hands
// out page-aligned, zero-filled ranges to a Space, backed either by a
// single monotone virtual reservation or by a free list of reclaimed
// chunks for discontiguous spaces.
package pages

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
)

// Resource is the contract a Space uses to grow. It does not decide
// whether to trigger GC on exhaustion — that is the Space's call,
// following the acquire() contract every space implements.
type Resource interface {
	// GetNewPages commits and returns the start of a run of npages
	// pages, or addr.Zero if the resource's budget is exhausted.
	GetNewPages(npages uintptr) (addr.Address, error)
	// ReleasePages returns [start, start+n*pageSize) to the resource for
	// reuse; only FreeList resources actually recycle the range.
	ReleasePages(start addr.Address, npages uintptr)
	// ReservedPages is the total page count ever committed through this
	// resource.
	ReservedPages() uintptr
	// CommittedPages is ReservedPages minus anything returned via
	// ReleasePages to a FreeList (a Monotone resource never shrinks).
	CommittedPages() uintptr
}

// Monotone is a page resource backed by a single virtual reservation; it
// only ever grows a bump cursor and never recycles released pages
// (the "monotone" page resource kind, used by Immortal,
// Copy and MarkCompact).
type Monotone struct {
	mu        sync.Mutex
	mmapper   *mmap.Mmapper
	start     addr.Address
	extent    uintptr
	cursor    addr.Address
	committed uintptr
}

// NewMonotone creates a page resource that bump-allocates pages out of
// [start, start+extent).
func NewMonotone(mmapper *mmap.Mmapper, start addr.Address, extent uintptr) *Monotone {
	return &Monotone{mmapper: mmapper, start: start, extent: extent, cursor: start}
}

func (r *Monotone) GetNewPages(npages uintptr) (addr.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := npages * addr.BytesInPage
	if uintptr(r.cursor.Diff(r.start))+n > r.extent {
		return addr.Zero, &mmtkerrors.AllocationError{Kind: mmtkerrors.HeapOutOfMemory, Size: n}
	}
	base := r.cursor
	if err := r.mmapper.EnsureMapped(base, n); err != nil {
		return addr.Zero, err
	}
	r.cursor = r.cursor.Add(n)
	r.committed += npages
	return base, nil
}

func (r *Monotone) ReleasePages(addr.Address, uintptr) {
	// A monotone resource cannot recycle: its spaces (Immortal, Copy,
	// MarkCompact) either never reclaim or reclaim a whole semispace at
	// once by resetting the cursor, see Monotone.Reset.
}

// Reset rewinds the cursor to start, used by Copy.Release once the
// space's survivors have been evacuated.
func (r *Monotone) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = r.start
	r.committed = 0
}

// ResetTo rewinds the cursor to a mid-range position, used by the
// mark-compact space after sliding live objects down: everything above
// the compacted tail is free again without unmapping anything.
func (r *Monotone) ResetTo(a addr.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a < r.start {
		a = r.start
	}
	r.cursor = addr.Address(addr.PageAlign(uintptr(a)))
	r.committed = uintptr(r.cursor.Diff(r.start)) / addr.BytesInPage
}

// CursorBytes reports how far the bump cursor has advanced past start,
// i.e. the extent a space must clear per-cycle metadata over.
func (r *Monotone) CursorBytes() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uintptr(r.cursor.Diff(r.start))
}

func (r *Monotone) ReservedPages() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

func (r *Monotone) CommittedPages() uintptr { return r.ReservedPages() }

// FreeList is a page resource over a discontiguous set of chunks: pages
// are handed out from free runs and returned runs are merged back in,
// used by Immix, LOS and PageProtect.
type FreeList struct {
	mu      sync.Mutex
	mmapper *mmap.Mmapper
	start   addr.Address
	extent  uintptr
	// free holds disjoint, sorted (start, npages) runs available for
	// reuse.
	free      []run
	highWater addr.Address
	committed uintptr
}

type run struct {
	start  addr.Address
	npages uintptr
}

// NewFreeList creates a discontiguous page resource drawing fresh chunks
// from [start, start+extent) when its free list is empty.
func NewFreeList(mmapper *mmap.Mmapper, start addr.Address, extent uintptr) *FreeList {
	return &FreeList{mmapper: mmapper, start: start, extent: extent, highWater: start}
}

func (r *FreeList) GetNewPages(npages uintptr) (addr.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rn := range r.free {
		if rn.npages >= npages {
			base := rn.start
			if rn.npages == npages {
				r.free = append(r.free[:i], r.free[i+1:]...)
			} else {
				r.free[i] = run{start: rn.start.Add(npages * addr.BytesInPage), npages: rn.npages - npages}
			}
			r.committed += npages
			return base, nil
		}
	}
	n := npages * addr.BytesInPage
	if uintptr(r.highWater.Diff(r.start))+n > r.extent {
		return addr.Zero, &mmtkerrors.AllocationError{Kind: mmtkerrors.HeapOutOfMemory, Size: n}
	}
	base := r.highWater
	if err := r.mmapper.EnsureMapped(base, n); err != nil {
		return addr.Zero, err
	}
	r.highWater = r.highWater.Add(n)
	r.committed += npages
	return base, nil
}

func (r *FreeList) ReleasePages(start addr.Address, npages uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed -= npages
	r.free = append(r.free, run{start: start, npages: npages})
	r.coalesceLocked()
}

// coalesceLocked merges adjacent free runs so GetNewPages can satisfy
// larger requests without growing highWater. Must hold r.mu.
func (r *FreeList) coalesceLocked() {
	if len(r.free) < 2 {
		return
	}
	sortRuns(r.free)
	out := r.free[:1]
	for _, run := range r.free[1:] {
		last := &out[len(out)-1]
		if last.start.Add(last.npages*addr.BytesInPage) == run.start {
			last.npages += run.npages
			continue
		}
		out = append(out, run)
	}
	r.free = out
}

func sortRuns(rs []run) {
	// Insertion sort: free lists stay small in practice (one entry per
	// released chunk between collections), and avoids pulling in sort
	// for a handful of comparisons.
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j-1].start > rs[j].start; j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}

func (r *FreeList) ReservedPages() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uintptr(r.highWater.Diff(r.start)) / addr.BytesInPage
}

func (r *FreeList) CommittedPages() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}
