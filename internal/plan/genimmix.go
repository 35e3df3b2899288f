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

// GenImmix is GenCopy's mature space swapped for an immix space: the
// nursery is still a plain copyspace (small, short-lived, cheap to
// evacuate wholesale), but the mature generation gets immix's
// non-moving-by-default policy with opportunistic defrag instead of
// always copying.
type GenImmix struct {
	Base
	nursery  *space.Copy
	mature   *space.Immix
	los      *space.LOS
	immortal *space.Immortal
	malloc   *space.Malloc
	fullHeap bool
}

// NewGenImmix builds a generational immix plan over [start,
// start+extent).
func NewGenImmix(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *GenImmix {
	nurserySize := extent / 8
	rest := extent - nurserySize
	half := rest / 2
	quarter := rest / 4
	p := &GenImmix{
		Base:     NewBase("genimmix", table),
		nursery:  space.NewCopy("nursery", start, nurserySize, mmapper, table, limiter, sidemetadata.ForwardingWord),
		mature:   space.NewImmix("mature", start.Add(nurserySize), half, mmapper, table, limiter, sidemetadata.LineMarkBit, sidemetadata.MarkBit, sidemetadata.ForwardingWord),
		los:      space.NewLOS("los", start.Add(nurserySize+half), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(nurserySize+half+quarter), rest-half-quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
	}
	p.RegisterSpace(p.nursery)
	p.RegisterSpace(p.mature)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

func (p *GenImmix) SetFullHeap(full bool) {
	p.fullHeap = full
	p.los.SetFullHeap(full)
}

// Prepare points the nursery's forwarding target at the mature immix
// space: every nursery object that survives a GenImmix cycle promotes
// out of the nursery, it never gets a second nursery cycle the way a
// true semispace's from-space does.
//
// It cannot delegate to Base.Prepare, which would reset the mature
// immix space's line marks every cycle: since TraceObject only visits
// mature objects on a full-heap cycle (below), an unconditional mature
// Prepare would clear marks that nothing then re-sets, and Release would
// read every mature block as dead.
func (p *GenImmix) Prepare() {
	p.nursery.SetForwardTarget(p.mature)
	p.nursery.SetFromSpace(true)
	p.nursery.Prepare()
	if p.fullHeap {
		p.mature.Prepare()
	}
	p.los.Prepare()
	p.immortal.Prepare()
	p.malloc.Prepare()
}

// Release mirrors Prepare: the mature immix space is only swept on a
// full-heap cycle, when it was actually traced and its line marks
// reflect this cycle's survivors. On a nursery-only cycle its blocks
// keep whatever state the last full-heap cycle left them in.
func (p *GenImmix) Release() {
	p.nursery.Release()
	if p.fullHeap {
		p.mature.Release()
	}
	p.los.Release()
	p.immortal.Release()
	p.malloc.Release()
}

// TraceObject always sends nursery objects through the nursery
// copyspace; mature objects only get traced on a full-heap cycle (the
// immix space itself no-ops TraceObject calls it doesn't expect since
// its block map simply won't contain addresses it never allocated, so
// skipping the call entirely on a nursery-only cycle is just an
// optimization, not a correctness requirement).
func (p *GenImmix) TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	if p.nursery.InSpace(ref) {
		return p.nursery.TraceObject(t, ref)
	}
	if !p.fullHeap && p.mature.InSpace(ref) {
		return ref
	}
	return p.Base.TraceObject(t, ref)
}

// IsLive treats the untraced mature space as unconditionally live on a
// nursery-only cycle, the same way TraceObject skips it.
func (p *GenImmix) IsLive(ref addr.ObjectReference) bool {
	if !p.fullHeap && p.mature.InSpace(ref) {
		return true
	}
	return p.Base.IsLive(ref)
}

func (p *GenImmix) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
	return map[options.AllocationSemantics]alloc.Selector{
		options.SemanticsDefault:   {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsImmortal:  {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsCode:      {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsReadOnly:  {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsNonMoving: {Kind: alloc.KindImmix, Index: 0},
		options.SemanticsLOS:       {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsMalloc:    {Kind: alloc.KindMalloc, Index: 0},
	}
}

func (p *GenImmix) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindBumpPointer: {
			alloc.NewBumpPointer(p.nursery, addr.ImmixBlockSize),
			alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize),
		},
		alloc.KindImmix:       {alloc.NewImmix(p.mature, addr.LinesPerBlock/4)},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

func (p *GenImmix) NewBarrier(sink barrier.Sink) barrier.Barrier {
	return barrier.NewObjectBarrier(sink)
}

var _ Plan = (*GenImmix)(nil)
