package heapcore

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/alloc"
	"github.com/heapcore/heapcore/internal/barrier"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

// Mutator is a binding-thread handle bound once (BindMutator in the
// capi layer) and reused for every allocation that thread makes: its
// own set of fast-path allocators (one per alloc.Kind the plan uses),
// a selector table routing an options.AllocationSemantics to one of
// them, and the write barrier the plan selected.
type Mutator struct {
	tls        vm.TLS
	allocators map[alloc.Kind][]alloc.Allocator
	selectors  map[options.AllocationSemantics]alloc.Selector
	barrier    barrier.Barrier
}

// TLS returns the opaque thread handle this mutator was bound with.
func (m *Mutator) TLS() vm.TLS { return m.tls }

// alloc resolves semantics to one allocator via the plan's selector
// table and calls its fast path; addr.Zero with a nil error means
// "retry after a collection", matching every internal/alloc.Allocator's
// own Alloc contract.
func (m *Mutator) alloc(semantics options.AllocationSemantics, size, align, offset uintptr) (addr.Address, error) {
	sel, ok := m.selectors[semantics]
	if !ok {
		return addr.Zero, mmtkerrors.BindingMisuse("no allocator selector for " + semantics.String())
	}
	bucket, ok := m.allocators[sel.Kind]
	if !ok || sel.Index >= len(bucket) {
		return addr.Zero, mmtkerrors.BindingMisuse("no allocator bound for " + semantics.String())
	}
	return bucket[sel.Index].Alloc(size, align, offset)
}

// RebindCopySpace swaps a bump-pointer allocator's bound space, used
// after a SemiSpace/GenCopy/GenImmix Prepare flips which concrete space
// is the active to-space: the plan's NewMutatorAllocators table is
// built once at bind time, so a flip-flop plan's mutators refresh their
// index-0 bump pointer to the new to-space instead of rebuilding their
// whole allocator map every cycle.
func (m *Mutator) RebindCopySpace(kind alloc.Kind, index int, sp space.Space, refillSize uintptr) {
	bucket, ok := m.allocators[kind]
	if !ok || index >= len(bucket) {
		return
	}
	bucket[index] = alloc.NewBumpPointer(sp, refillSize)
}

// resetAllocators drops every thread-local allocation buffer so the
// next allocation renegotiates with its space; run at GC prepare while
// the world is stopped.
func (m *Mutator) resetAllocators() {
	for _, bucket := range m.allocators {
		for _, a := range bucket {
			if r, ok := a.(alloc.Resettable); ok {
				r.Reset()
			}
		}
	}
}

// WriteBarrier performs a reference-typed store through the mutator's
// selected barrier, recording a remembered-set entry if the plan
// requires one.
func (m *Mutator) WriteBarrier(src addr.ObjectReference, slot vm.Slot, target addr.ObjectReference) {
	m.barrier.ObjectReferenceWrite(src, slot, target)
}

// FlushBarrier forces any buffered remembered-set entries out now,
// rather than waiting for the next GC Prepare bucket to do it; a
// binding calls this when a mutator thread is about to go away
// (DestroyMutator) so its buffered entries aren't lost.
func (m *Mutator) FlushBarrier() { m.barrier.Flush() }
