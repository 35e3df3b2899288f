package plan

import (
	"sync/atomic"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/alloc"
	"github.com/heapcore/heapcore/internal/barrier"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/options"
)

// SemiSpace alternates two copyspaces between the Mutator and Collection
// roles every cycle. Large objects bypass copying
// entirely via LOS, and immortal/code/read-only allocations go to a
// third, never-collected space.
type SemiSpace struct {
	Base
	copy0, copy1 *space.Copy
	los          *space.LOS
	immortal     *space.Immortal
	malloc       *space.Malloc
	toIsZero     atomic.Bool // true when copy0 is currently to-space
}

// NewSemiSpace builds a semispace plan splitting [start, start+extent)
// into four equal quarters: copyspace-0, copyspace-1, LOS, then
// immortal.
func NewSemiSpace(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *SemiSpace {
	quarter := extent / 4
	p := &SemiSpace{
		Base:     NewBase("semispace", table),
		copy0:    space.NewCopy("copyspace-0", start, quarter, mmapper, table, limiter, sidemetadata.ForwardingWord),
		copy1:    space.NewCopy("copyspace-1", start.Add(quarter), quarter, mmapper, table, limiter, sidemetadata.ForwardingWord),
		los:      space.NewLOS("los", start.Add(2*quarter), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(3*quarter), extent-3*quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
	}
	p.toIsZero.Store(true)
	// SemiSpace traces its whole heap every cycle, so its LOS treadmill
	// always runs the full from/to flip rather than the nursery-only
	// promotion a generational plan uses.
	p.los.SetFullHeap(true)
	p.RegisterSpace(p.copy0)
	p.RegisterSpace(p.copy1)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

func (p *SemiSpace) toSpace() *space.Copy {
	if p.toIsZero.Load() {
		return p.copy0
	}
	return p.copy1
}

func (p *SemiSpace) fromSpace() *space.Copy {
	if p.toIsZero.Load() {
		return p.copy1
	}
	return p.copy0
}

// Prepare flips to/from roles before the base Prepare runs each space's
// own hook, so TraceObject during this cycle's Closure bucket copies
// out of the semispace mutators just filled and into the other one.
func (p *SemiSpace) Prepare() {
	p.toIsZero.Store(!p.toIsZero.Load())
	p.fromSpace().SetForwardTarget(p.toSpace())
	p.fromSpace().SetFromSpace(true)
	p.toSpace().SetFromSpace(false)
	p.Base.Prepare()
}

// Release resets only the evacuated from-space; delegating to
// Base.Release would also reset the to-space every survivor was just
// copied into.
func (p *SemiSpace) Release() {
	p.fromSpace().Release()
	p.los.Release()
	p.immortal.Release()
	p.malloc.Release()
}

// TraceObject sends objects in the current from-space to that
// copyspace's forwarding trace; everything else, to-space objects
// included, goes through the base dispatch, where a to-space object
// traces to itself.
func (p *SemiSpace) TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	if p.fromSpace().InSpace(ref) {
		return p.fromSpace().TraceObject(t, ref)
	}
	return p.Base.TraceObject(t, ref)
}

func (p *SemiSpace) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
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

// NewMutatorAllocators binds index 0 to the currently-active to-space
// and index 1 to the immortal space; a mutator rebinds its to-space
// allocator's bound space at Release (see Mutator.RebindCopySpace in the
// heapcore root package), since the active to-space changes every cycle.
func (p *SemiSpace) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindBumpPointer: {
			alloc.NewBumpPointer(p.toSpace(), addr.ImmixBlockSize),
			alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize),
		},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

func (p *SemiSpace) NewBarrier(barrier.Sink) barrier.Barrier { return barrier.NoBarrier{} }

// RebindTargets reports that the Default bump-pointer slot (index 0)
// must repoint at whichever copyspace Prepare just flipped into the
// to-space role: a mutator's allocator holds a direct reference to the
// Space it bumps into, which doesn't track the flip on its own.
func (p *SemiSpace) RebindTargets() []alloc.RebindTarget {
	return []alloc.RebindTarget{
		{Kind: alloc.KindBumpPointer, Index: 0, Space: p.toSpace(), RefillSize: addr.ImmixBlockSize},
	}
}

var _ Plan = (*SemiSpace)(nil)
