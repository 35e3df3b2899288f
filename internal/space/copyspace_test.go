package space

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// copyTestBase anchors this file's semispaces inside the layout's heap
// window; the side-metadata shadows registerChunks commits land at the
// package's fixed anchors, well clear of it.
const copyTestBase = addr.Address(0x0000_1080_0000_0000)

// leafObjectModel treats every object as a fixed-size byte blob with no
// outgoing pointers, matching internal/testvm's object layout closely
// enough to exercise Copy.TraceObject without a real binding attached.
type leafObjectModel struct{ size uintptr }

func (m leafObjectModel) ObjectSize(ref addr.ObjectReference) uintptr { return m.size }
func (m leafObjectModel) GetReferenceWhenCopiedTo(ref addr.ObjectReference, newStart addr.Address) addr.ObjectReference {
	return addr.ObjectReference(newStart)
}
func (m leafObjectModel) CopyObject(ref addr.ObjectReference, newStart addr.Address) addr.ObjectReference {
	src := unsafe.Slice((*byte)(ref.Address().ToPtr()), m.size)
	dst := unsafe.Slice((*byte)(newStart.ToPtr()), m.size)
	copy(dst, src)
	return addr.ObjectReference(newStart)
}
func (m leafObjectModel) CopyBytes(ref addr.ObjectReference) uintptr { return m.size }
func (m leafObjectModel) ObjectStartRef(start addr.Address) addr.ObjectReference {
	return addr.ObjectReference(start)
}

// serialCopyContext is a single-destination CopyContext good enough for
// a unit test: every call bump-allocates out of a fixed buffer behind a
// mutex, mirroring the real copyContext's per-destination cursor without
// pulling in the root heapcore package (which would import internal/space
// and create a cycle).
type serialCopyContext struct {
	mu     sync.Mutex
	cursor addr.Address
	limit  addr.Address
	copies int32
}

func newSerialCopyContext(region []byte) *serialCopyContext {
	start := addr.FromPtr(unsafe.Pointer(&region[0]))
	return &serialCopyContext{cursor: start, limit: start.Add(uintptr(len(region)))}
}

func (c *serialCopyContext) AllocCopy(dst Space, bytes, align, offset uintptr) addr.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.cursor.AlignUp(align, offset)
	next := a.Add(bytes)
	if next > c.limit {
		panic("serialCopyContext: out of room")
	}
	c.cursor = next
	atomic.AddInt32(&c.copies, 1)
	return a
}

func (c *serialCopyContext) PostCopy(dst Space, ref addr.ObjectReference, bytes uintptr) {}

// enqueueRecorder collects every first-visit report a trace makes.
type enqueueRecorder struct {
	mu   sync.Mutex
	refs []addr.ObjectReference
}

func (e *enqueueRecorder) push(r addr.ObjectReference) {
	e.mu.Lock()
	e.refs = append(e.refs, r)
	e.mu.Unlock()
}

func (e *enqueueRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.refs)
}

func newTestCopySpace(t *testing.T, name string, at addr.Address, extent uintptr) *Copy {
	t.Helper()
	mmapper := mmap.NewMmapper()
	table := sft.NewTable(copyTestBase, 1<<32)
	sp := NewCopy(name, at, extent, mmapper, table, nil, sidemetadata.ForwardingWord)
	sp.SetFromSpace(true)
	return sp
}

func TestCopyTraceObjectForwardsExactlyOnce(t *testing.T) {
	const objSize = 32
	from := newTestCopySpace(t, "from", copyTestBase, 1<<20)
	to := newTestCopySpace(t, "to", copyTestBase.Add(1<<20), 1<<20)
	from.SetForwardTarget(to)

	a, err := from.Acquire(addr.PageAlign(objSize))
	require.NoError(t, err)
	ref := addr.ObjectReference(a)

	toBuf := make([]byte, 4096)
	cc := newSerialCopyContext(toBuf)
	rec := &enqueueRecorder{}
	tr := &Trace{ObjectModel: leafObjectModel{size: objSize}, Copy: cc, Enqueue: rec.push}

	const racers = 16
	results := make([]addr.ObjectReference, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = from.TraceObject(tr, ref)
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		assert.Equal(t, results[0], results[i], "every racer must observe the same forwarded reference")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&cc.copies), "exactly one goroutine should have performed the copy")
	assert.Equal(t, 1, rec.count(), "only the copy winner reports a first visit")
	assert.True(t, from.IsLive(ref), "a forwarded object is live")
}

func TestCopyTraceObjectIsIdempotentAfterForward(t *testing.T) {
	const objSize = 16
	from := newTestCopySpace(t, "from-idem", copyTestBase, 1<<20)
	to := newTestCopySpace(t, "to-idem", copyTestBase.Add(1<<20), 1<<20)
	from.SetForwardTarget(to)

	a, err := from.Acquire(addr.PageAlign(objSize))
	require.NoError(t, err)
	ref := addr.ObjectReference(a)

	toBuf := make([]byte, 4096)
	cc := newSerialCopyContext(toBuf)
	rec := &enqueueRecorder{}
	tr := &Trace{ObjectModel: leafObjectModel{size: objSize}, Copy: cc, Enqueue: rec.push}

	first := from.TraceObject(tr, ref)
	second := from.TraceObject(tr, ref)
	assert.Equal(t, first, second, "re-tracing an already-forwarded object must return the same new reference, not copy again")
	assert.EqualValues(t, 1, atomic.LoadInt32(&cc.copies))
	assert.Equal(t, 1, rec.count())
}

func TestCopyToSpaceObjectsTraceToThemselves(t *testing.T) {
	sp := newTestCopySpace(t, "to-role", copyTestBase, 1<<20)
	sp.SetFromSpace(false)

	a, err := sp.Acquire(addr.BytesInPage)
	require.NoError(t, err)
	ref := addr.ObjectReference(a)

	rec := &enqueueRecorder{}
	tr := &Trace{ObjectModel: leafObjectModel{size: 16}, Enqueue: rec.push}
	got := sp.TraceObject(tr, ref)
	assert.Equal(t, ref, got, "a to-space object is already this cycle's copy")
	assert.Zero(t, rec.count(), "the copier, not a later trace, reports the to-space object")
	assert.True(t, sp.IsLive(ref))
}

func TestCopyReleaseResetsCursorAndForwardingState(t *testing.T) {
	const objSize = 32
	from := newTestCopySpace(t, "flip", copyTestBase, 1<<20)
	to := newTestCopySpace(t, "flip-to", copyTestBase.Add(1<<20), 1<<20)
	from.SetForwardTarget(to)

	a, err := from.Acquire(addr.BytesInPage)
	require.NoError(t, err)
	ref := addr.ObjectReference(a)

	toBuf := make([]byte, 4096)
	cc := newSerialCopyContext(toBuf)
	tr := &Trace{ObjectModel: leafObjectModel{size: objSize}, Copy: cc}
	_ = from.TraceObject(tr, ref)

	from.Release()

	// After Release the monotone cursor restarts from the space's base
	// and the evacuated range's forwarding words are zeroed, so the
	// space can serve as a clean to-space next cycle.
	b2, err := from.Acquire(addr.BytesInPage)
	require.NoError(t, err)
	assert.Equal(t, a, b2, "after Release the monotone cursor must restart from the space's base")
	assert.False(t, from.IsLive(ref), "stale forwarding state must not survive Release")
}
