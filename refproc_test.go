package heapcore

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/testvm"
	"github.com/heapcore/heapcore/vm"
)

// refHarness bundles the plumbing the reference-processing tests share:
// a child-scanning testvm binding over a small SemiSpace instance with
// workers running.
type refHarness struct {
	tb   *testvm.Binding
	inst Instance
	mu   *Mutator
	tls  vm.TLS
	stop func()
}

func newRefHarness(t *testing.T) *refHarness {
	t.Helper()
	tb := testvm.NewWithChildSlots()
	b := newTrackingBinding(tb)
	inst := newTestInstance(t, b)

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu := inst.Bind(tls)
	tb.RegisterMutator(tls)

	ctx, cancel := context.WithCancel(context.Background())
	g := inst.StartWorkers(ctx)
	inst.EnableCollection()

	return &refHarness{
		tb:   tb,
		inst: inst,
		mu:   mu,
		tls:  tls,
		stop: func() {
			inst.Stop()
			cancel()
			_ = g.Wait()
		},
	}
}

// allocRef allocates a testvm object big enough to carry both the child
// slot and the referent word.
func (h *refHarness) allocRef(t *testing.T) addr.ObjectReference {
	t.Helper()
	return allocObject(t, h.inst, h.mu, h.tls, 24)
}

func TestWeakReferentClearedWhenDead(t *testing.T) {
	h := newRefHarness(t)
	defer h.stop()

	refObj := h.allocRef(t)
	referent := h.allocRef(t)
	h.tb.SetReferent(refObj, referent)
	h.inst.AddWeakCandidate(refObj)

	rootSlot := h.tb.AddRoot(refObj)
	// referent is deliberately unrooted: only the weak edge names it.

	h.inst.HandleUserCollectionRequest(h.tls)

	survivingRef := rootSlot.Load()
	require.False(t, survivingRef.IsNull())
	assert.True(t, h.tb.GetReferent(survivingRef).IsNull(), "a dead referent must be cleared")
	enq := h.tb.EnqueuedReferences()
	require.Len(t, enq, 1, "the cleared reference is enqueued to the binding")
	assert.Equal(t, survivingRef, enq[0])
}

func TestWeakReferentForwardedWhenLive(t *testing.T) {
	h := newRefHarness(t)
	defer h.stop()

	refObj := h.allocRef(t)
	referent := h.allocRef(t)
	h.tb.SetReferent(refObj, referent)
	h.inst.AddWeakCandidate(refObj)

	refRoot := h.tb.AddRoot(refObj)
	strongRoot := h.tb.AddRoot(referent)

	h.inst.HandleUserCollectionRequest(h.tls)

	survivingRef := refRoot.Load()
	survivingReferent := strongRoot.Load()
	require.False(t, survivingReferent.IsNull())
	assert.NotEqual(t, referent, survivingReferent, "SemiSpace moved the referent")
	assert.Equal(t, survivingReferent, h.tb.GetReferent(survivingRef),
		"a live referent must be updated to its forwarded reference, not cleared")
	assert.Empty(t, h.tb.EnqueuedReferences())
}

func TestDeadWeakReferenceObjectFallsOutOfTable(t *testing.T) {
	h := newRefHarness(t)
	defer h.stop()

	refObj := h.allocRef(t)
	h.inst.AddWeakCandidate(refObj)
	// Neither the reference object nor anything else is rooted.

	h.inst.HandleUserCollectionRequest(h.tls)

	assert.Empty(t, h.tb.EnqueuedReferences(), "a dead reference object is dropped, not processed")
}

func TestFinalizerResurrectsAndQueues(t *testing.T) {
	h := newRefHarness(t)
	defer h.stop()

	finalizable := h.allocRef(t)
	child := h.allocRef(t)
	h.tb.SetChild(finalizable, child)
	h.inst.AddFinalizer(finalizable)
	// Unrooted: the object dies this collection and must be resurrected
	// for its finalizer.

	h.inst.HandleUserCollectionRequest(h.tls)

	ready := h.inst.GetFinalized()
	require.False(t, ready.IsNull(), "the dead finalizable must land on the ready queue")
	assert.NotEqual(t, finalizable, ready, "resurrection copies the object into to-space")
	assert.True(t, h.inst.IsHeapObject(ready))

	resurrectedChild := h.tb.Child(ready)
	require.False(t, resurrectedChild.IsNull())
	assert.True(t, h.inst.IsHeapObject(resurrectedChild),
		"everything the finalizable reaches must survive with it")

	assert.True(t, h.inst.GetFinalized().IsNull(), "the queue holds exactly one object")
}

func TestLiveFinalizableStaysRegistered(t *testing.T) {
	h := newRefHarness(t)
	defer h.stop()

	finalizable := h.allocRef(t)
	h.inst.AddFinalizer(finalizable)
	root := h.tb.AddRoot(finalizable)

	h.inst.HandleUserCollectionRequest(h.tls)

	assert.True(t, h.inst.GetFinalized().IsNull(), "a still-live object is not ready for finalization")

	// Drop the root; the next collection must surface it.
	root.Store(addr.ObjectReference(0))
	h.inst.HandleUserCollectionRequest(h.tls)
	ready := h.inst.GetFinalized()
	assert.False(t, ready.IsNull(), "once dead, the registered finalizable becomes ready")
}
