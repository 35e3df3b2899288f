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

// StickyImmix runs both generations in the same immix space instead of
// GenImmix's separate nursery copyspace: freshly bump-allocated objects
// are tagged in the NurseryBit side table, and a nursery-only cycle
// traces roots plus the object-barrier remembered set without needing a
// distinct nursery region to evacuate.
//
// heapcore's nursery cycle always promotes every object it traces (by
// clearing the nursery bit) rather than keeping survivors in the
// nursery for a second chance, since space.Immix's Prepare resets every
// line's mark bit on every cycle — truly sticky marks that persist
// across nursery-only cycles would need a second, independently-reset
// mark track on top of the one space.Immix already has, which no other
// plan in this tree needs; see DESIGN.md for this simplification.
type StickyImmix struct {
	Base
	immix    *space.Immix
	los      *space.LOS
	immortal *space.Immortal
	malloc   *space.Malloc
	nursery  sidemetadata.Spec
	fullHeap bool
}

// NewStickyImmix builds a sticky-immix plan over [start, start+extent).
func NewStickyImmix(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *StickyImmix {
	half := extent / 2
	quarter := extent / 4
	p := &StickyImmix{
		Base:     NewBase("stickyimmix", table),
		immix:    space.NewImmix("immix", start, half, mmapper, table, limiter, sidemetadata.LineMarkBit, sidemetadata.MarkBit, sidemetadata.ForwardingWord),
		los:      space.NewLOS("los", start.Add(half), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(half+quarter), extent-half-quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
		nursery:  sidemetadata.NurseryBit,
	}
	p.RegisterSpace(p.immix)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

func (p *StickyImmix) SetFullHeap(full bool) {
	p.fullHeap = full
	p.los.SetFullHeap(full)
}

// TraceObject promotes a nursery object by clearing its nursery bit the
// first time a nursery-only cycle traces it, in addition to the base
// immix mark/forward handling every cycle performs.
func (p *StickyImmix) TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	if p.nursery.Load(ref.Address()) != 0 {
		p.nursery.Store(ref.Address(), 0)
	}
	return p.Base.TraceObject(t, ref)
}

func (p *StickyImmix) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
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

func (p *StickyImmix) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindImmix:       {alloc.NewImmix(p.immix, addr.LinesPerBlock/4)},
		alloc.KindBumpPointer: {alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize)},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

func (p *StickyImmix) NewBarrier(sink barrier.Sink) barrier.Barrier {
	return barrier.NewObjectBarrier(sink)
}

var _ Plan = (*StickyImmix)(nil)
