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

// GenCopy is a generational copying plan: a small nursery copyspace is
// collected every cycle, tracing from roots plus the remembered set an
// ObjectBarrier maintains; when nurseryFull (or a forced full GC) is
// observed the plan promotes to a full-heap trace that also flips the
// mature semispace pair.
type GenCopy struct {
	Base
	nursery          *space.Copy
	mature0, mature1 *space.Copy
	los              *space.LOS
	immortal         *space.Immortal
	malloc           *space.Malloc
	matureToZero     bool
	fullHeap         bool
}

// NewGenCopy builds a generational copying plan over [start,
// start+extent): a small leading slice is the nursery, the remainder
// splits between the mature flip-flop pair, LOS, and immortal space.
func NewGenCopy(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *GenCopy {
	nurserySize := extent / 8
	rest := extent - nurserySize
	quarter := rest / 4
	p := &GenCopy{
		Base:     NewBase("gencopy", table),
		nursery:  space.NewCopy("nursery", start, nurserySize, mmapper, table, limiter, sidemetadata.ForwardingWord),
		mature0:  space.NewCopy("mature-0", start.Add(nurserySize), quarter*3/2, mmapper, table, limiter, sidemetadata.ForwardingWord),
		mature1:  space.NewCopy("mature-1", start.Add(nurserySize+quarter*3/2), quarter*3/2, mmapper, table, limiter, sidemetadata.ForwardingWord),
		los:      space.NewLOS("los", start.Add(nurserySize+quarter*3), quarter/2, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(extent-quarter/2), quarter/2, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
	}
	p.matureToZero = true
	p.RegisterSpace(p.nursery)
	p.RegisterSpace(p.mature0)
	p.RegisterSpace(p.mature1)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

func (p *GenCopy) matureTo() *space.Copy {
	if p.matureToZero {
		return p.mature0
	}
	return p.mature1
}

func (p *GenCopy) matureFrom() *space.Copy {
	if p.matureToZero {
		return p.mature1
	}
	return p.mature0
}

// SetFullHeap is called by the controller before Prepare runs for the
// next cycle, promoting it to a full-heap trace.
func (p *GenCopy) SetFullHeap(full bool) {
	p.fullHeap = full
	p.los.SetFullHeap(full)
}

// Prepare flips the mature pair only on a full-heap cycle and marks the
// nursery as an evacuation source on every cycle. It then delegates to
// Base.Prepare: Copy.Prepare is a no-op for every copyspace, so looping
// every registered space costs nothing extra here, whereas Release below
// cannot make the same unconditional loop (see its own comment).
func (p *GenCopy) Prepare() {
	if p.fullHeap {
		p.matureToZero = !p.matureToZero
		p.matureFrom().SetForwardTarget(p.matureTo())
	}
	p.nursery.SetForwardTarget(p.matureTo())
	p.nursery.SetFromSpace(true)
	p.matureFrom().SetFromSpace(p.fullHeap)
	p.matureTo().SetFromSpace(false)
	p.Base.Prepare()
}

// Release resets the nursery copyspace unconditionally (it is always
// fully evacuated) and, on a full-heap cycle, the mature space Prepare
// just evacuated out of (matureFrom, post-flip); the other mature space
// keeps accumulating nursery-promoted and mature survivors across cycles
// and must never be reset, including on nursery-only cycles when neither
// mature space was traced at all. It therefore cannot delegate to
// Base.Release, which would reset both mature copyspaces every cycle
// regardless.
func (p *GenCopy) Release() {
	p.nursery.Release()
	if p.fullHeap {
		p.matureFrom().Release()
	}
	p.los.Release()
	p.immortal.Release()
	p.malloc.Release()
}

// TraceObject sends objects in the from-space of whichever pair (nursery
// always; mature only on a full-heap cycle) currently holds them to that
// copyspace's forwarding logic; everything else falls through to the
// base SFT dispatch.
func (p *GenCopy) TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	if p.nursery.InSpace(ref) {
		return p.nursery.TraceObject(t, ref)
	}
	if p.fullHeap && p.matureFrom().InSpace(ref) {
		return p.matureFrom().TraceObject(t, ref)
	}
	return p.Base.TraceObject(t, ref)
}

// IsLive treats both mature semispaces as unconditionally live on a
// nursery-only cycle: they were not traced, so their forwarding state
// says nothing about reachability this cycle.
func (p *GenCopy) IsLive(ref addr.ObjectReference) bool {
	if !p.fullHeap && (p.mature0.InSpace(ref) || p.mature1.InSpace(ref)) {
		return true
	}
	return p.Base.IsLive(ref)
}

func (p *GenCopy) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
	return map[options.AllocationSemantics]alloc.Selector{
		options.SemanticsDefault:   {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsImmortal:  {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsCode:      {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsReadOnly:  {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsNonMoving: {Kind: alloc.KindBumpPointer, Index: 1},
		options.SemanticsLOS:       {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsMalloc:    {Kind: alloc.KindMalloc, Index: 0},
	}
}

// NewMutatorAllocators binds index 0 to the nursery (all Default
// allocation happens there until it fills) and index 1 to the immortal
// space.
func (p *GenCopy) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindBumpPointer: {
			alloc.NewBumpPointer(p.nursery, addr.ImmixBlockSize),
			alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize),
		},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

// NewBarrier returns an ObjectBarrier: every mutator store through a
// mature-space object must be remembered so a nursery-only trace still
// finds nursery objects reachable only from mature ones.
func (p *GenCopy) NewBarrier(sink barrier.Sink) barrier.Barrier {
	return barrier.NewObjectBarrier(sink)
}

var _ Plan = (*GenCopy)(nil)
