package plan

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/alloc"
	"github.com/heapcore/heapcore/internal/barrier"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/options"
)

// Immix composes one immix space for the general heap, a LOS for
// oversized objects, and an immortal space for never-collected
// allocations. The Prepare-time defrag decision lives on space.Immix
// itself, driven by the fragmentation ratio each Release records.
type Immix struct {
	Base
	immix    *space.Immix
	los      *space.LOS
	immortal *space.Immortal
	malloc   *space.Malloc
	// minReusableLines gates how aggressively the reusable-block
	// allocator packs objects into partially-live blocks versus falling
	// back to fresh ones.
	minReusableLines int
}

// NewImmix builds an immix plan over [start, start+extent).
func NewImmix(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *Immix {
	half := extent / 2
	quarter := extent / 4
	p := &Immix{
		Base:             NewBase("immix", table),
		immix:            space.NewImmix("immix", start, half, mmapper, table, limiter, sidemetadata.LineMarkBit, sidemetadata.MarkBit, sidemetadata.ForwardingWord),
		los:              space.NewLOS("los", start.Add(half), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal:         space.NewImmortal("immortal", start.Add(half+quarter), extent-half-quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:           space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
		minReusableLines: addr.LinesPerBlock / 4,
	}
	p.los.SetFullHeap(true)
	p.RegisterSpace(p.immix)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

func (p *Immix) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
	return map[options.AllocationSemantics]alloc.Selector{
		options.SemanticsDefault:   {Kind: alloc.KindImmix, Index: 0},
		options.SemanticsImmortal:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsCode:      {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsReadOnly:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsNonMoving: {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsLOS:       {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsMalloc:    {Kind: alloc.KindMalloc, Index: 0},
	}
}

func (p *Immix) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindImmix:       {alloc.NewImmix(p.immix, p.minReusableLines)},
		alloc.KindBumpPointer: {alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize)},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

func (p *Immix) NewBarrier(barrier.Sink) barrier.Barrier { return barrier.NoBarrier{} }

var _ Plan = (*Immix)(nil)
