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

// NoGC never collects: collectionRequired is always false and alloc only
// fails on virtual-space exhaustion. It still
// composes a full space set so the allocator-selector table has
// somewhere to route every semantics, but Prepare/Release/TraceObject on
// those spaces are simply never reached by a running program.
type NoGC struct {
	Base
	immortal *space.Immortal
	los      *space.LOS
	malloc   *space.Malloc
}

// NewNoGC builds a NoGC plan whose spaces draw from [start, start+extent)
// for the contiguous (immortal/LOS) half and system malloc for the rest.
func NewNoGC(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *NoGC {
	half := extent / 2
	p := &NoGC{
		Base:     NewBase("nogc", table),
		immortal: space.NewImmortal("immortal", start, half, mmapper, table, limiter, sidemetadata.MarkBit),
		los:      space.NewLOS("los", start.Add(half), extent-half, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
	}
	p.los.SetFullHeap(true)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.malloc)
	return p
}

// CollectionRequired always returns false: NoGC never triggers a GC
// cycle.
func (p *NoGC) CollectionRequired(uintptr) bool { return false }

// AllocatorSelectors maps every semantics onto bump-pointer or
// large-object allocators bound to the plan's two contiguous spaces, and
// Malloc onto the system-malloc space.
func (p *NoGC) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
	return map[options.AllocationSemantics]alloc.Selector{
		options.SemanticsDefault:   {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsImmortal:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsCode:      {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsReadOnly:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsNonMoving: {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsLOS:       {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsMalloc:    {Kind: alloc.KindMalloc, Index: 0},
	}
}

// NewMutatorAllocators builds one fresh allocator per kind this plan
// uses, for a newly bound mutator.
func (p *NoGC) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindBumpPointer: {alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize)},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

// NewBarrier returns NoBarrier: NoGC has no remembered set to maintain.
func (p *NoGC) NewBarrier(barrier.Sink) barrier.Barrier { return barrier.NoBarrier{} }

var _ Plan = (*NoGC)(nil)
