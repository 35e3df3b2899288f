package plan

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/alloc"
	"github.com/heapcore/heapcore/internal/barrier"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/options"
)

// MarkSweep is a straight-line non-moving plan: mark during Closure,
// sweep (free blocks with no marked granule back to the host allocator)
// during Release. heapcore backs it with the freelist allocator
// rather than a malloc-backed variant (see DESIGN.md): a
// general-purpose alloc.Malloc already exists independent of any plan,
// so MarkSweep's own space is the one that needs a dedicated sweep.
type MarkSweep struct {
	Base
	heap     *space.Malloc // doubles as the freelist allocator's block source
	los      *space.LOS
	immortal *space.Immortal
	blockMu  sync.Mutex
}

// NewMarkSweep builds a mark-sweep plan. Its main heap is backed by
// space.Malloc's own sweep bookkeeping (size-agnostic, so the freelist
// allocator's class buckets sit on top of it) and LOS/immortal share
// [start, start+extent) the way every other plan's auxiliary spaces do.
func NewMarkSweep(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *MarkSweep {
	half := extent / 2
	quarter := extent / 4
	p := &MarkSweep{
		Base:     NewBase("marksweep", table),
		heap:     space.NewMalloc("ms-heap", mmapper, sidemetadata.MarkBit),
		los:      space.NewLOS("los", start, half, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(half), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
	}
	p.los.SetFullHeap(true)
	p.RegisterSpace(p.heap)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	return p
}

func (p *MarkSweep) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
	return map[options.AllocationSemantics]alloc.Selector{
		options.SemanticsDefault:   {Kind: alloc.KindFreeList, Index: 0},
		options.SemanticsImmortal:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsCode:      {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsReadOnly:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsNonMoving: {Kind: alloc.KindFreeList, Index: 0},
		options.SemanticsLOS:       {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsMalloc:    {Kind: alloc.KindMalloc, Index: 0},
	}
}

// NewMutatorAllocators shares blockMu across every freelist allocator
// this plan ever creates: the shared global block pool takes one mutex,
// not one per mutator.
func (p *MarkSweep) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindFreeList:    {alloc.NewFreeList(p.heap, &p.blockMu)},
		alloc.KindBumpPointer: {alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize)},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.heap)},
	}
}

func (p *MarkSweep) NewBarrier(barrier.Sink) barrier.Barrier { return barrier.NoBarrier{} }

var _ Plan = (*MarkSweep)(nil)
