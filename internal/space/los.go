package space

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// treadmill lists: newly allocated cells land on
// allocNursery; at prepare they move to collectNursery; at release
// survivors flip to fromSpace and non-survivors are freed. A full-heap
// collection additionally swaps fromSpace/toSpace.
type treadmillList int

const (
	tlAllocNursery treadmillList = iota
	tlCollectNursery
	tlFromSpace
	tlToSpace
	numTreadmillLists
)

type losCell struct {
	start  addr.Address
	npages uintptr
	list   treadmillList
	prev   *losCell
	next   *losCell
}

// LOS is the large-object space: a page-granular treadmill allocator with
// no internal fragmentation concerns, used for objects too big for a
// bump/freelist allocator to place efficiently.
type LOS struct {
	Base
	pr   *pages.FreeList
	mark sidemetadata.Spec

	mu    sync.Mutex
	heads [numTreadmillLists]*losCell
	byRef map[addr.Address]*losCell
	// chunkCells counts how many live cells' page ranges currently
	// overlap each SFT chunk, so freeing one page-granular cell doesn't
	// clear a chunk's SFT entry while another cell sharing the chunk is
	// still live; ClearChunk only runs once a chunk's count reaches zero.
	chunkCells map[addr.Address]int
	fullHeap   bool
}

// NewLOS builds a large-object space drawing pages from [start,
// start+extent).
func NewLOS(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter, markBits sidemetadata.Spec) *LOS {
	return &LOS{
		Base:       NewBase(name, start, extent, mmapper, table, limiter),
		pr:         pages.NewFreeList(mmapper, start, extent),
		mark:       markBits,
		byRef:      make(map[addr.Address]*losCell),
		chunkCells: make(map[addr.Address]int),
	}
}

func (s *LOS) listInsert(list treadmillList, c *losCell) {
	c.list = list
	c.prev = nil
	c.next = s.heads[list]
	if c.next != nil {
		c.next.prev = c
	}
	s.heads[list] = c
}

func (s *LOS) listRemove(c *losCell) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		s.heads[c.list] = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
}

// Acquire allocates a fresh cell covering bytes, page-rounded, and places
// it on the alloc-nursery list.
func (s *LOS) Acquire(bytes uintptr) (addr.Address, error) {
	npages := addr.BytesToPages(bytes)
	a, err := pollOrFail(s.limiter, bytes, func() (addr.Address, error) { return s.pr.GetNewPages(npages) })
	if err != nil || a.IsZero() {
		return addr.Zero, err
	}
	regionBytes := npages * addr.BytesInPage
	if err := s.registerChunks(s, a, regionBytes); err != nil {
		return addr.Zero, err
	}
	s.mu.Lock()
	c := &losCell{start: a, npages: npages}
	s.listInsert(tlAllocNursery, c)
	s.byRef[a] = c
	for chunk := addr.ChunkAlign(a); chunk < a.Add(regionBytes); chunk = chunk.Add(addr.ChunkSize) {
		s.chunkCells[chunk]++
	}
	s.mu.Unlock()
	return a, nil
}

func (s *LOS) InSpace(ref addr.ObjectReference) bool {
	a := ref.Address()
	return a >= s.StartAddr() && a < s.StartAddr().Add(s.Extent())
}

// TraceObject marks the cell's mark bit on first visit; LOS never moves
// objects, so it always returns ref unchanged. A surviving cell is
// flipped onto the from-space list immediately (full-heap collections
// flip it onto to-space instead, keeping the from/to roles Release
// swaps); non-surviving cells are left on collect-nursery for Release
// to free.
func (s *LOS) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	if s.mark.CAS(ref.Address(), 0, 1) {
		s.mu.Lock()
		if c, ok := s.byRef[ref.Address().AlignDown(addr.BytesInPage)]; ok {
			target := tlFromSpace
			if s.fullHeap {
				target = tlToSpace
			}
			s.listRemove(c)
			s.listInsert(target, c)
		}
		s.mu.Unlock()
		t.ReportFirstVisit(ref)
	}
	return ref
}

// IsLive: cells on the collect-nursery list (and, on a full-heap cycle,
// the from-space list) die at Release unless something marked them; every
// other list holds survivors. The mark bit alone answers both cases.
func (s *LOS) IsLive(ref addr.ObjectReference) bool {
	return s.mark.Load(ref.Address()) != 0
}

// Prepare moves every alloc-nursery cell to the collect-nursery list, and
// (on a full-heap collection) clears the mark bits of the from-space so
// tracing can re-discover survivors.
func (s *LOS) Prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := s.heads[tlAllocNursery]; c != nil; {
		next := c.next
		s.listRemove(c)
		s.listInsert(tlCollectNursery, c)
		c = next
	}
	if s.fullHeap {
		for c := s.heads[tlFromSpace]; c != nil; c = c.next {
			s.mark.BulkZero(c.start, c.start.Add(c.npages*addr.BytesInPage))
		}
	}
}

// Release frees every cell left on the collect-nursery and (on a
// full-heap collection) the old from-space list, then flips to/from
// roles, completing the treadmill rotation.
func (s *LOS) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeList(tlCollectNursery)
	if s.fullHeap {
		s.freeList(tlFromSpace)
		s.heads[tlFromSpace] = s.heads[tlToSpace]
		s.heads[tlToSpace] = nil
		for c := s.heads[tlFromSpace]; c != nil; c = c.next {
			c.list = tlFromSpace
		}
	}
}

// freeList releases every page-backed cell on list back to the page
// resource. Caller holds s.mu.
func (s *LOS) freeList(list treadmillList) {
	for c := s.heads[list]; c != nil; {
		next := c.next
		s.pr.ReleasePages(c.start, c.npages)
		bytes := c.npages * addr.BytesInPage
		s.mark.BulkZero(c.start, c.start.Add(bytes))
		sidemetadata.ValidObjectBit.BulkZero(c.start, c.start.Add(bytes))
		for chunk := addr.ChunkAlign(c.start); chunk < c.start.Add(bytes); chunk = chunk.Add(addr.ChunkSize) {
			s.chunkCells[chunk]--
			if s.chunkCells[chunk] == 0 {
				s.SFT().ClearChunk(chunk)
				delete(s.chunkCells, chunk)
			}
		}
		delete(s.byRef, c.start)
		c = next
	}
	s.heads[list] = nil
}

// SetFullHeap toggles whether the next collection is full-heap (flips
// from/to at release) or nursery-only (promotes within the nursery
// lists only). Generational plans call this before each GC.
func (s *LOS) SetFullHeap(full bool) {
	s.mu.Lock()
	s.fullHeap = full
	s.mu.Unlock()
}

func (s *LOS) ReservedPages() uintptr  { return s.ReservedPagesFrom(s.pr) }
func (s *LOS) CommittedPages() uintptr { return s.CommittedPagesFrom(s.pr) }

var _ Space = (*LOS)(nil)
