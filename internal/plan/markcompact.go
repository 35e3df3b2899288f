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
	"github.com/heapcore/heapcore/vm"
)

// MarkCompact runs the two-linear-scan compaction algorithm: the
// Closure bucket's ordinary trace marks and records survivors; once the
// closure (including reference processing) has drained, the controller
// asks the plan to assign forwarding addresses and drives a second,
// slot-rewriting trace (TraceKindForward) over the live graph; Release
// then slides the objects down to their assigned addresses and rewinds
// the bump cursor to the compacted tail.
type MarkCompact struct {
	Base
	heap     *space.MarkCompact
	los      *space.LOS
	immortal *space.Immortal
	malloc   *space.Malloc
	model    vm.ObjectModel

	// fwdSeen is the forwarding trace's own first-visit set: the mark
	// bits are already saturated by the time it runs, and every space in
	// the plan — not just the compacting one — must have its slots
	// rewalked exactly once.
	fwdMu   sync.Mutex
	fwdSeen map[addr.ObjectReference]struct{}
}

// NewMarkCompact builds a mark-compact plan over [start, start+extent).
// model is needed directly (not just through space.Trace) because the
// compaction passes run outside any single TraceObject call.
func NewMarkCompact(start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter space.HeapLimiter, model vm.ObjectModel) *MarkCompact {
	half := extent / 2
	quarter := extent / 4
	p := &MarkCompact{
		Base:     NewBase("markcompact", table),
		heap:     space.NewMarkCompact("mc-heap", start, half, mmapper, table, limiter, sidemetadata.MarkBit, sidemetadata.ForwardingWord),
		los:      space.NewLOS("los", start.Add(half), quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		immortal: space.NewImmortal("immortal", start.Add(half+quarter), extent-half-quarter, mmapper, table, limiter, sidemetadata.MarkBit),
		malloc:   space.NewMalloc("malloc", mmapper, sidemetadata.MarkBit),
		model:    model,
	}
	p.los.SetFullHeap(true)
	p.RegisterSpace(p.heap)
	p.RegisterSpace(p.los)
	p.RegisterSpace(p.immortal)
	p.RegisterSpace(p.malloc)
	return p
}

// PrepareForwarding runs the calculate-forward linear scan, then arms
// the forwarding trace's visited set. The controller calls this after
// every closure bucket has drained and before it schedules the
// TraceKindForward root walk.
func (p *MarkCompact) PrepareForwarding() {
	p.heap.CalculateForwardingAddresses(func(a addr.Address) uintptr {
		return p.model.ObjectSize(p.model.ObjectStartRef(a))
	})
	p.fwdMu.Lock()
	p.fwdSeen = make(map[addr.ObjectReference]struct{})
	p.fwdMu.Unlock()
}

// ForwardTraceObject rewalks one live object during the forwarding
// trace: the first visit re-enqueues the object at its pre-slide address
// (its slots are rewritten in place there; the slide copies the updated
// bytes), and every visit resolves to the post-compaction address for
// the slot being processed. Objects outside the compacting space keep
// their addresses but still need their outgoing slots rewalked, which is
// why the visited set lives on the plan rather than on the space.
func (p *MarkCompact) ForwardTraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	p.fwdMu.Lock()
	_, seen := p.fwdSeen[ref]
	if !seen {
		p.fwdSeen[ref] = struct{}{}
	}
	p.fwdMu.Unlock()
	if !seen {
		t.ReportFirstVisit(ref)
	}
	if p.heap.InSpace(ref) {
		return p.heap.ForwardedAddress(ref)
	}
	return ref
}

// Release slides the live objects down, then releases every space; the
// compacting space's own Release rewinds its cursor to the new tail.
func (p *MarkCompact) Release() {
	p.heap.ApplyForwardingAndCompact(func(from, to addr.Address) {
		size := p.model.ObjectSize(p.model.ObjectStartRef(from))
		copyBytes(from, to, size)
	})
	p.fwdMu.Lock()
	p.fwdSeen = nil
	p.fwdMu.Unlock()
	p.Base.Release()
}

func copyBytes(from, to addr.Address, n uintptr) {
	if from == to || n == 0 {
		return
	}
	src := (*[1 << 30]byte)(from.ToPtr())[:n:n]
	dst := (*[1 << 30]byte)(to.ToPtr())[:n:n]
	copy(dst, src)
}

func (p *MarkCompact) AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector {
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

func (p *MarkCompact) NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator {
	return map[alloc.Kind][]alloc.Allocator{
		alloc.KindBumpPointer: {
			alloc.NewBumpPointer(p.heap, addr.ImmixBlockSize),
			alloc.NewBumpPointer(p.immortal, addr.ImmixBlockSize),
		},
		alloc.KindLargeObject: {alloc.NewLargeObject(p.los)},
		alloc.KindMalloc:      {alloc.NewMalloc(p.malloc)},
	}
}

func (p *MarkCompact) NewBarrier(barrier.Sink) barrier.Barrier { return barrier.NoBarrier{} }

var (
	_ Plan          = (*MarkCompact)(nil)
	_ ForwardTracer = (*MarkCompact)(nil)
)
