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

// PageProtect is the hardening/debugging plan: every object gets its own
// page, and a collected object's page is mprotected instead of reused,
// so a dangling access traps instead of silently reading reclaimed
// memory. It trades memory
// density for use-after-free detection and is not meant to be a
// throughput-competitive default.
type PageProtect struct {
	Base
	heap     *space.PageProtect
	los      *space.LOS
	immortal *space.Immortal
	malloc   *space.Malloc
}

// NewPageProtect builds a page-protect plan over [start, start+extent).
func NewPageProtect(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter) *PageProtect {
	half := extent / 2
	quarter := extent / 4
	p := &PageProtect{
		Base:     NewBase("pageprotect", table),
		heap:     space.NewPageProtect("pp-heap", start, half, mmapper, table, limiter, sidemetadata.MarkBit),
		los:      space.NewLOS("los", start.Add(half), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(half+quarter), extent-half-quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
	}
	p.los.SetFullHeap(true)
	p.RegisterSpace(p.heap)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

func (p *PageProtect) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
	return map[options.AllocationSemantics]alloc.Selector{
		options.SemanticsDefault:   {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsImmortal:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsCode:      {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsReadOnly:  {Kind: alloc.KindBumpPointer, Index: 0},
		options.SemanticsNonMoving: {Kind: alloc.KindLargeObject, Index: 0},
		options.SemanticsLOS:       {Kind: alloc.KindLargeObject, Index: 1},
		options.SemanticsMalloc:    {Kind: alloc.KindMalloc, Index: 0},
	}
}

// NewMutatorAllocators uses LargeObject as the fast(er) path here since
// every allocation is already page-granular; index 0 binds to the
// per-page-protect heap, index 1 to the real LOS for objects larger
// than a single page.
func (p *PageProtect) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindLargeObject: {
			alloc.NewLargeObject(p.heap),
			alloc.NewLargeObject(p.los),
		},
		alloc.KindBumpPointer: {alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

func (p *PageProtect) NewBarrier(barrier.Sink) barrier.Barrier { return barrier.NoBarrier{} }

var _ Plan = (*PageProtect)(nil)
