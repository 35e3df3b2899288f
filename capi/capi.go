// Package capi is the C-ABI-shaped entry-point surface: every
// exported function here is an ordinary Go function taking and
// returning only Go types, so a binding can wrap it behind a one-file
// cgo shim (`//export` plus thin argument marshalling) without anything
// in this package changing. Building that cgo shim is the binding's
// job, not this tree's.
package capi

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/heapcore/heapcore"
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

// MmtkInit resolves opts and installs the process-wide instance. A
// binding calls this exactly once, before any other function in this
// package.
func MmtkInit(opts options.Options, b heapcore.Bindings) error {
	_, err := heapcore.Init(opts, b)
	return err
}

// BindMutator registers tls as a new mutator thread and returns the
// opaque handle every later per-thread call takes.
func BindMutator(tls vm.TLS) (*heapcore.Mutator, error) {
	inst := heapcore.Global()
	if inst == nil {
		return nil, mmtkerrors.BindingMisuse("BindMutator called before MmtkInit")
	}
	return inst.Bind(tls), nil
}

// DestroyMutator flushes mu's write barrier and unregisters it. The
// binding must not use mu again afterward.
func DestroyMutator(mu *heapcore.Mutator) {
	mu.FlushBarrier()
	if inst := heapcore.Global(); inst != nil {
		inst.Destroy(mu)
	}
}

// Alloc satisfies one allocation request on behalf of mu, retrying
// through collection under the bounded retry policy.
func Alloc(mu *heapcore.Mutator, size, align, offset uintptr, semantics options.AllocationSemantics) (addr.Address, error) {
	inst := heapcore.Global()
	if inst == nil {
		return addr.Zero, mmtkerrors.BindingMisuse("Alloc called before MmtkInit")
	}
	return inst.Alloc(mu, mu.TLS(), size, align, offset, semantics)
}

// PostAlloc finishes initializing the side-metadata state of a freshly
// allocated object: every new allocation is a valid object from the VO
// bit's point of view, and a default-semantics allocation starts in the
// logical nursery generation so a generational plan's write barrier
// treats pointers into it as already-young.
func PostAlloc(ref addr.ObjectReference, bytes uintptr, semantics options.AllocationSemantics) {
	sidemetadata.ValidObjectBit.Store(ref.Address(), 1)
	if semantics == options.SemanticsDefault {
		sidemetadata.NurseryBit.Store(ref.Address(), 1)
	}
}

// HandleUserCollectionRequest services a binding-initiated
// System.gc()-style request.
func HandleUserCollectionRequest(tls vm.TLS) {
	if inst := heapcore.Global(); inst != nil {
		inst.HandleUserCollectionRequest(tls)
	}
}

// IsInHeapSpaces reports whether ref's address falls inside any space
// this instance owns, regardless of whether an object actually starts
// there.
func IsInHeapSpaces(ref addr.ObjectReference) bool {
	inst := heapcore.Global()
	return inst != nil && inst.IsInHeapSpaces(ref)
}

// IsHeapObject reports whether ref is a live, heapcore-managed object
// reference (stronger than IsInHeapSpaces: checks the VO bit, not just
// address range).
func IsHeapObject(ref addr.ObjectReference) bool {
	inst := heapcore.Global()
	return inst != nil && inst.IsHeapObject(ref)
}

// EnableCollection and DisableCollection bracket a region the binding
// needs GC-free, e.g. during its own startup before roots are walkable.
func EnableCollection() {
	if inst := heapcore.Global(); inst != nil {
		inst.EnableCollection()
	}
}

func DisableCollection() {
	if inst := heapcore.Global(); inst != nil {
		inst.DisableCollection()
	}
}

// InitializeCollection starts the controller's request loop. Call once,
// after the binding can answer vm.ActivePlan/vm.Scanning for at least
// one bound mutator.
func InitializeCollection(tls vm.TLS) {
	if inst := heapcore.Global(); inst != nil {
		inst.InitializeCollection(tls)
	}
}

// StartWorker launches the instance's whole GC worker pool under ctx
// and returns the errgroup supervising it; a real multi-thread binding
// would instead call this once per native thread it spawns via
// vm.Collection.SpawnWorkerThread; this tree's gcrequest controller
// already spawns goroutines for the full pool in one call, so StartWorker
// here starts them all and returns the same group every call after the
// first would duplicate.
func StartWorker(ctx context.Context) (*errgroup.Group, error) {
	inst := heapcore.Global()
	if inst == nil {
		return nil, mmtkerrors.BindingMisuse("StartWorker called before MmtkInit")
	}
	return inst.StartWorkers(ctx), nil
}

// ObjectReferenceWriteBarrier is the barrier entry point: a binding
// calls it for every reference-typed store it cannot inline the barrier
// fast path for. The store itself happens through the barrier, so the
// caller never performs it separately.
func ObjectReferenceWriteBarrier(mu *heapcore.Mutator, src addr.ObjectReference, slot vm.Slot, target addr.ObjectReference) {
	mu.WriteBarrier(src, slot, target)
}

// AddWeakCandidate registers a weak reference object whose referent
// should be cleared once it becomes unreachable.
func AddWeakCandidate(ref addr.ObjectReference) {
	if inst := heapcore.Global(); inst != nil {
		inst.AddWeakCandidate(ref)
	}
}

// AddPhantomCandidate registers a phantom reference object; its
// referent is only ever cleared, never read back.
func AddPhantomCandidate(ref addr.ObjectReference) {
	if inst := heapcore.Global(); inst != nil {
		inst.AddPhantomCandidate(ref)
	}
}

// AddFinalizer registers ref for finalization: once it dies, the next
// collection resurrects everything it can reach and queues it for
// GetFinalizedObject.
func AddFinalizer(ref addr.ObjectReference) {
	if inst := heapcore.Global(); inst != nil {
		inst.AddFinalizer(ref)
	}
}

// GetFinalizedObject pops one object whose finalizer became runnable, or
// the null reference when the queue is empty.
func GetFinalizedObject() addr.ObjectReference {
	if inst := heapcore.Global(); inst != nil {
		return inst.GetFinalized()
	}
	return addr.ObjectReference(0)
}

// Shutdown stops the GC worker pool and the controller's request loop;
// the process is expected to exit afterward. The last thing a binding
// calls.
func Shutdown() {
	if inst := heapcore.Global(); inst != nil {
		inst.Stop()
	}
}

// SetVMSpace is a no-op in this tree: heapcore never maps a
// binding-reserved boot-image region of its own. Kept as an exported stub so a binding
// written against the full C ABI still links against a capi shim built
// from this package.
func SetVMSpace(start addr.Address, extent uintptr) {}
