// Package testvm is a minimal vm.* binding used by cmd/heapcorectl's
// trace command and the root package's tests to drive a real heapcore
// instance end to end without a language runtime attached. Objects are
// flat values with an 8-byte size header; with child scanning enabled
// the first payload word is an outgoing reference slot, enough to build
// chains and cycles, and the second payload word carries a reference
// object's referent for the reference-glue contract.
package testvm

import (
	"sync"
	"unsafe"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/vm"
)

// Binding implements every vm.* contract heapcore needs against a
// process-local root set: roots are plain Go-heap words holding object
// addresses, scanned by address instead of through a language runtime's
// stack walker.
type Binding struct {
	mu sync.Mutex
	// one word per root, allocated individually so its address never
	// moves when the roots slice itself grows
	roots    []*uintptr
	mutators []vm.TLS
	// scanChild, when set, makes ScanObject visit the first payload word
	// of every object as an outgoing reference slot, so object graphs
	// (chains, cycles) can be built out of this binding's flat objects.
	scanChild bool
	enqueued  []addr.ObjectReference
}

func New() *Binding { return &Binding{} }

// NewWithChildSlots returns a binding whose objects each carry one
// outgoing reference in their first payload word, enough to build real
// object graphs for closure tests.
func NewWithChildSlots() *Binding {
	b := New()
	b.scanChild = true
	return b
}

// AddRoot records addr as a new root slot pointing at ref, returning the
// vm.Slot the caller can later overwrite (e.g. to drop the root).
func (b *Binding) AddRoot(ref addr.ObjectReference) vm.Slot {
	word := new(uintptr)
	*word = uintptr(ref)
	b.mu.Lock()
	b.roots = append(b.roots, word)
	b.mu.Unlock()
	return vm.Slot(addr.Address(uintptr(unsafe.Pointer(word))))
}

func (b *Binding) RegisterMutator(tls vm.TLS) {
	b.mu.Lock()
	b.mutators = append(b.mutators, tls)
	b.mu.Unlock()
}

// ObjectModel: an object is [size uintptr][payload...]; the reference a
// caller sees is the address right after the size header.
const headerSize = unsafe.Sizeof(uintptr(0))

func (b *Binding) ObjectSize(ref addr.ObjectReference) uintptr {
	return *(*uintptr)(unsafe.Pointer(uintptr(ref) - headerSize))
}

func (b *Binding) GetReferenceWhenCopiedTo(ref addr.ObjectReference, newStart addr.Address) addr.ObjectReference {
	return addr.ObjectReference(newStart.Add(headerSize))
}

func (b *Binding) CopyObject(ref addr.ObjectReference, newStart addr.Address) addr.ObjectReference {
	size := b.ObjectSize(ref)
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ref)-headerSize)), headerSize+size)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(newStart))), headerSize+size)
	copy(dst, src)
	return addr.ObjectReference(newStart.Add(headerSize))
}

func (b *Binding) CopyBytes(ref addr.ObjectReference) uintptr {
	return headerSize + b.ObjectSize(ref)
}

func (b *Binding) ObjectStartRef(start addr.Address) addr.ObjectReference {
	return addr.ObjectReference(start.Add(headerSize))
}

// Scanning: roots are the Binding's own root slots; ScanObject visits
// the child slot only when the binding was built with child scanning.
func (b *Binding) ScanRoots(tls vm.TLS, factory vm.RootsFactory) {
	b.mu.Lock()
	slots := make([]vm.Slot, len(b.roots))
	for i, word := range b.roots {
		slots[i] = vm.Slot(addr.Address(uintptr(unsafe.Pointer(word))))
	}
	b.mu.Unlock()
	if len(slots) > 0 {
		factory.CreateProcessEdgesWork(slots)
	}
}

func (b *Binding) ScanObject(tls vm.TLS, ref addr.ObjectReference, visitor func(vm.Slot)) {
	if !b.scanChild || b.ObjectSize(ref) < headerSize {
		return
	}
	visitor(vm.Slot(addr.Address(uintptr(ref))))
}

// SetChild stores child into parent's first payload word, the slot
// ScanObject visits when child scanning is enabled.
func (b *Binding) SetChild(parent, child addr.ObjectReference) {
	*(*uintptr)(unsafe.Pointer(uintptr(parent))) = uintptr(child)
}

// Child reads back parent's first payload word.
func (b *Binding) Child(parent addr.ObjectReference) addr.ObjectReference {
	return addr.ObjectReference(*(*uintptr)(unsafe.Pointer(uintptr(parent))))
}

func (b *Binding) SupportsEdgeEnqueuing(tls vm.TLS, ref addr.ObjectReference) bool { return true }

// ActivePlan
func (b *Binding) NumMutators() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mutators)
}

func (b *Binding) MutatorTLS(i int) vm.TLS {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mutators[i]
}

func (b *Binding) IsMutator(tls vm.TLS) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.mutators {
		if m == tls {
			return true
		}
	}
	return false
}

// Collection: this harness drives everything from one goroutine, so
// stopping/resuming mutators is a no-op — there is nothing else running
// to park.
func (b *Binding) StopAllMutators(tls vm.TLS) {}
func (b *Binding) ResumeMutators(tls vm.TLS)  {}
func (b *Binding) BlockForGC(tls vm.TLS)      {}

func (b *Binding) SpawnWorkerThread(tls vm.TLS, runWorker func()) {
	go runWorker()
}

func (b *Binding) OutOfMemory(tls vm.TLS, kind int) {}

// ReferenceGlue: a reference object's referent lives in its second
// payload word (the first belongs to the scanned child slot), so it
// travels with the object when a moving plan copies it. ScanObject
// deliberately never visits it — that's what makes the reference weak.

const referentOffset = headerSize

func referentWord(ref addr.ObjectReference) *uintptr {
	return (*uintptr)(unsafe.Pointer(uintptr(ref) + referentOffset))
}

func (b *Binding) GetReferent(ref addr.ObjectReference) addr.ObjectReference {
	return addr.ObjectReference(*referentWord(ref))
}

func (b *Binding) SetReferent(ref, referent addr.ObjectReference) {
	*referentWord(ref) = uintptr(referent)
}

func (b *Binding) ClearReferent(ref addr.ObjectReference) {
	*referentWord(ref) = 0
}

func (b *Binding) EnqueueForFinalization(ref addr.ObjectReference) {
	b.mu.Lock()
	b.enqueued = append(b.enqueued, ref)
	b.mu.Unlock()
}

// EnqueuedReferences drains the cleared-reference queue, for tests.
func (b *Binding) EnqueuedReferences() []addr.ObjectReference {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.enqueued
	b.enqueued = nil
	return out
}

var (
	_ vm.ObjectModel   = (*Binding)(nil)
	_ vm.Scanning      = (*Binding)(nil)
	_ vm.ActivePlan    = (*Binding)(nil)
	_ vm.Collection    = (*Binding)(nil)
	_ vm.ReferenceGlue = (*Binding)(nil)
)
