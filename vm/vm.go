// Package vm declares the trait-shaped contracts a binding must
// implement: the object model, root/object scanning, the
// active-plan registry, collection control, and reference glue. heapcore
// never implements these itself — it only calls through them — and never
// interprets the opaque TLS handle a binding passes in.
package vm

import (
	"sync/atomic"
	"unsafe"

	"github.com/heapcore/heapcore/internal/addr"
)

// TLS is an opaque per-thread handle supplied by the binding. heapcore
// never dereferences it; it is passed back verbatim to binding callbacks
// so the binding can recover its own thread-local state.
type TLS unsafe.Pointer

// Slot is a memory location holding an object reference (an "edge" in
// the heap graph terminology). It is the unit ProcessEdges packets
// operate on.
type Slot addr.Address

// Load reads the object reference currently stored at this slot.
func (s Slot) Load() addr.ObjectReference {
	p := (*uintptr)(unsafe.Pointer(uintptr(s)))
	return addr.ObjectReference(atomic.LoadUintptr(p))
}

// Store writes ref as the object reference at this slot. ProcessEdges
// uses this to install a forwarded reference after tracing.
func (s Slot) Store(ref addr.ObjectReference) {
	p := (*uintptr)(unsafe.Pointer(uintptr(s)))
	atomic.StoreUintptr(p, uintptr(ref))
}

// ObjectModel tells heapcore everything it needs to know about object
// layout without ever parsing object contents itself.
type ObjectModel interface {
	// ObjectSize returns the number of bytes occupied by ref, header
	// included.
	ObjectSize(ref addr.ObjectReference) uintptr
	// GetReferenceWhenCopiedTo computes what the reference of an object
	// currently at ref would become if copied starting at newStart (the
	// binding may keep the same header-to-payload offset convention).
	GetReferenceWhenCopiedTo(ref addr.ObjectReference, newStart addr.Address) addr.ObjectReference
	// CopyObject copies ref's bytes into space already reserved at
	// newStart (via a CopyContext) and returns the new reference.
	CopyObject(ref addr.ObjectReference, newStart addr.Address) addr.ObjectReference
	// CopyBytes returns how many bytes CopyObject will need to write,
	// used by a space to size its copy-context allocation request.
	CopyBytes(ref addr.ObjectReference) uintptr
	// ObjectStartRef converts an interior/aligned allocation address
	// into the object reference the binding uses, applying its
	// header-offset convention.
	ObjectStartRef(start addr.Address) addr.ObjectReference
}

// RootsFactory receives slot batches discovered by root scanning and
// turns them into ProcessEdges-shaped work for the scheduler. heapcore
// supplies a concrete implementation to Scanning.ScanRoots; the binding
// only calls it.
type RootsFactory interface {
	CreateProcessEdgesWork(slots []Slot)
}

// Scanning lets heapcore discover the root set and the outgoing edges of
// an object without knowing what either looks like.
type Scanning interface {
	// ScanRoots enumerates every root slot reachable from tls's thread
	// and the binding's global roots, handing batches to factory.
	ScanRoots(tls TLS, factory RootsFactory)
	// ScanObject visits every outgoing slot of ref, handing them to
	// visitor one at a time.
	ScanObject(tls TLS, ref addr.ObjectReference, visitor func(Slot))
	// SupportsEdgeEnqueuing reports whether ScanObject can be called
	// off the mutator's own thread (true for most bindings; false forces
	// scanning to happen on the thread that owns the object).
	SupportsEdgeEnqueuing(tls TLS, ref addr.ObjectReference) bool
}

// ActivePlan lets heapcore enumerate the binding's live mutators without
// owning thread lifecycle itself.
type ActivePlan interface {
	// NumMutators returns how many mutators are currently bound.
	NumMutators() int
	// MutatorTLS returns the TLS of the i'th live mutator, for i in
	// [0, NumMutators()).
	MutatorTLS(i int) TLS
	// IsMutator reports whether tls identifies a mutator thread (as
	// opposed to a GC worker).
	IsMutator(tls TLS) bool
}

// Collection lets heapcore ask the binding to stop and resume mutators,
// spawn GC worker threads, and report out-of-memory, without heapcore
// ever touching a native thread handle itself.
type Collection interface {
	// StopAllMutators requests every mutator reach a safepoint; it must
	// not return until they have.
	StopAllMutators(tls TLS)
	// ResumeMutators releases mutators parked by StopAllMutators.
	ResumeMutators(tls TLS)
	// BlockForGC parks the calling mutator until the current collection
	// finishes; called from a mutator's allocation slow path.
	BlockForGC(tls TLS)
	// SpawnWorkerThread asks the binding to create an OS thread running
	// runWorker(), optionally bound to an affinity-selected core.
	SpawnWorkerThread(tls TLS, runWorker func())
	// OutOfMemory reports a terminal allocation failure of the given
	// kind; the binding decides whether to abort the process.
	OutOfMemory(tls TLS, kind int)
}

// ReferenceGlue lets heapcore process weak/soft/phantom references
// without knowing the binding's reference object layout.
type ReferenceGlue interface {
	GetReferent(ref addr.ObjectReference) addr.ObjectReference
	SetReferent(ref addr.ObjectReference, referent addr.ObjectReference)
	ClearReferent(ref addr.ObjectReference)
	EnqueueForFinalization(ref addr.ObjectReference)
}
