package heapcore

import (
	"context"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/internal/testvm"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

// trackingBinding wraps testvm.Binding to count BlockForGC calls, since
// the bundled harness binding's own hook is a deliberate no-op (it drives
// everything from one goroutine).
type trackingBinding struct {
	*testvm.Binding
	mu    sync.Mutex
	calls int
}

func newTrackingBinding(b *testvm.Binding) *trackingBinding {
	return &trackingBinding{Binding: b}
}

func (b *trackingBinding) BlockForGC(tls vm.TLS) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.Binding.BlockForGC(tls)
}

func (b *trackingBinding) blockForGCCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// testHeapBase keeps unit-test heaps inside the production layout's
// address window so the fixed side-metadata anchors stay valid, while a
// 16 MiB LogAddressSpace keeps each SemiSpace quarter to one 4 MiB
// chunk.
const testHeapBase = addr.Address(0x0000_1100_0000_0000)

// smallSemiSpaceOptions configures a SemiSpace heap with a 1 MiB fixed
// heap trigger under 16 MiB of virtual extents, so the heap-exhaustion
// paths fire well before the address space itself runs out.
func smallSemiSpaceOptions() options.Options {
	return options.Options{
		Plan:      options.PlanSemiSpace,
		GCTrigger: options.GCTrigger{Kind: options.TriggerFixedHeapSize, Bytes: 1 << 20},
		Threads:   1,
		Affinity:  options.Affinity{Kind: options.AffinityOsDefault},
		Layout: options.Layout{
			LogAddressSpace: 24,
			HeapStart:       testHeapBase,
			LogSpaceExtent:  24,
		},
	}
}

func newTestInstance(t *testing.T, b *trackingBinding) Instance {
	t.Helper()
	inst, err := newInstance(smallSemiSpaceOptions(), Bindings{
		Collection:    b,
		Scanning:      b.Binding,
		ObjectModel:   b.Binding,
		ActivePlan:    b.Binding,
		ReferenceGlue: b.Binding,
	})
	require.NoError(t, err)
	return inst
}

const objHeader = uintptr(8)

// allocObject allocates one testvm-layout object ([size uintptr][payload])
// and returns its reference, with the VO bit set the way a binding's
// post-alloc hook would.
func allocObject(t *testing.T, inst Instance, mu *Mutator, tls vm.TLS, payload uintptr) addr.ObjectReference {
	t.Helper()
	a, err := inst.Alloc(mu, tls, objHeader+payload, addr.MinAlignment, 0, options.SemanticsDefault)
	require.NoError(t, err)
	require.False(t, a.IsZero())
	*(*uintptr)(a.ToPtr()) = payload
	ref := addr.ObjectReference(a.Add(objHeader))
	sidemetadata.ValidObjectBit.Store(ref.Address(), 1)
	return ref
}

// TestOverCommitWithCollectionDisabled exercises over-commit:
// with collection disabled, filling half the configured 1 MiB heap and
// then requesting another full MiB still succeeds — the virtual extents
// over-commit — and the block-for-GC hook is never invoked.
func TestOverCommitWithCollectionDisabled(t *testing.T) {
	b := newTrackingBinding(testvm.New())
	inst := newTestInstance(t, b)

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu := inst.Bind(tls)
	inst.DisableCollection()

	first, err := inst.Alloc(mu, tls, 512<<10, addr.MinAlignment, 0, options.SemanticsDefault)
	require.NoError(t, err)
	require.False(t, first.IsZero())

	second, err := inst.Alloc(mu, tls, 1<<20, addr.MinAlignment, 0, options.SemanticsDefault)
	require.NoError(t, err)
	assert.False(t, second.IsZero(), "with collection disabled the extents over-commit past the trigger")
	assert.Equal(t, 0, b.blockForGCCalls(), "collection disabled must never call the block-for-GC hook")
}

// TestHeapTriggerBlocksForGC checks that once
// collection is enabled, the allocation that crosses the 1 MiB trigger
// observably blocks for GC, and the post-collection retry succeeds
// against the flipped semispace.
func TestHeapTriggerBlocksForGC(t *testing.T) {
	b := newTrackingBinding(testvm.New())
	inst := newTestInstance(t, b)

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu := inst.Bind(tls)
	b.RegisterMutator(tls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := inst.StartWorkers(ctx)

	inst.EnableCollection()

	first, err := inst.Alloc(mu, tls, 512<<10, addr.MinAlignment, 0, options.SemanticsDefault)
	require.NoError(t, err)
	require.False(t, first.IsZero())

	second, err := inst.Alloc(mu, tls, 600<<10, addr.MinAlignment, 0, options.SemanticsDefault)
	require.NoError(t, err)
	assert.False(t, second.IsZero())
	assert.Greater(t, b.blockForGCCalls(), 0, "crossing the heap trigger must block for GC before the retry succeeds")

	inst.Stop()
	cancel()
	_ = g.Wait()
}

// TestForwardOnceThroughTwoSlots checks forward-once aliasing: two
// roots naming one copyspace object observe the same, new, forwarded
// reference after a collection.
func TestForwardOnceThroughTwoSlots(t *testing.T) {
	tb := testvm.NewWithChildSlots()
	b := newTrackingBinding(tb)
	inst := newTestInstance(t, b)

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu := inst.Bind(tls)
	tb.RegisterMutator(tls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := inst.StartWorkers(ctx)
	inst.EnableCollection()

	obj := allocObject(t, inst, mu, tls, 24)
	slotA := tb.AddRoot(obj)
	slotB := tb.AddRoot(obj)

	inst.HandleUserCollectionRequest(tls)

	newA := slotA.Load()
	newB := slotB.Load()
	assert.Equal(t, newA, newB, "both slots must observe the same forwarded reference")
	assert.NotEqual(t, obj, newA, "a SemiSpace collection moves every survivor")
	assert.True(t, inst.IsHeapObject(newA))
	assert.True(t, inst.IsInHeapSpaces(newA))

	inst.Stop()
	cancel()
	_ = g.Wait()
}

// TestClosureTerminatesOnCyclicGraph builds a two-object cycle and
// collects: the closure must terminate (first-visit gating), both
// objects must survive, and their child slots must hold the forwarded
// references — including the back edge.
func TestClosureTerminatesOnCyclicGraph(t *testing.T) {
	tb := testvm.NewWithChildSlots()
	b := newTrackingBinding(tb)
	inst := newTestInstance(t, b)

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu := inst.Bind(tls)
	tb.RegisterMutator(tls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := inst.StartWorkers(ctx)
	inst.EnableCollection()

	objA := allocObject(t, inst, mu, tls, 24)
	objB := allocObject(t, inst, mu, tls, 24)
	tb.SetChild(objA, objB)
	tb.SetChild(objB, objA)
	root := tb.AddRoot(objA)

	inst.HandleUserCollectionRequest(tls)

	newA := root.Load()
	require.False(t, newA.IsNull())
	newB := tb.Child(newA)
	require.False(t, newB.IsNull())
	assert.NotEqual(t, objA, newA)
	assert.NotEqual(t, objB, newB)
	assert.Equal(t, newA, tb.Child(newB), "the cycle's back edge must point at A's forwarded copy")
	assert.True(t, inst.IsHeapObject(newA))
	assert.True(t, inst.IsHeapObject(newB))

	inst.Stop()
	cancel()
	_ = g.Wait()
}

// TestUnreachableObjectDiesAcrossCollection pins down the negative half
// of scenario 4: an unrooted object's old reference is no longer a
// recognizable heap object once its semispace has been released.
func TestUnreachableObjectDiesAcrossCollection(t *testing.T) {
	tb := testvm.NewWithChildSlots()
	b := newTrackingBinding(tb)
	inst := newTestInstance(t, b)

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu := inst.Bind(tls)
	tb.RegisterMutator(tls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := inst.StartWorkers(ctx)
	inst.EnableCollection()

	kept := allocObject(t, inst, mu, tls, 24)
	dropped := allocObject(t, inst, mu, tls, 24)
	root := tb.AddRoot(kept)

	inst.HandleUserCollectionRequest(tls)

	assert.True(t, inst.IsHeapObject(root.Load()))
	assert.False(t, inst.IsHeapObject(dropped), "an unrooted object's reference must not survive the flip")

	inst.Stop()
	cancel()
	_ = g.Wait()
}
