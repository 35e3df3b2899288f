package barrier

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/vm"
)

// captureSink records every flushed modbuf.
type captureSink struct {
	flushes [][]addr.Address
}

func (c *captureSink) EnqueueModBuf(entries []addr.Address) {
	c.flushes = append(c.flushes, entries)
}

func (c *captureSink) total() int {
	n := 0
	for _, f := range c.flushes {
		n += len(f)
	}
	return n
}

// testObjects lays out count fake objects in a Go-heap arena and maps
// the side-metadata shadows covering them, since the log bit lives at
// the package's fixed anchor rather than inside the arena.
func testObjects(t *testing.T, count int) ([]addr.ObjectReference, []uintptr) {
	t.Helper()
	arena := make([]uintptr, count*4)
	base := addr.FromPtr(unsafe.Pointer(&arena[0]))
	require.NoError(t, sidemetadata.MapRange(mmap.NewMmapper().EnsureMapped, base, uintptr(len(arena))*addr.WordSize))

	refs := make([]addr.ObjectReference, count)
	for i := range refs {
		refs[i] = addr.ObjectReference(base.Add(uintptr(i) * 4 * addr.WordSize))
	}
	return refs, arena
}

func slotOf(words []uintptr, i int) vm.Slot {
	return vm.Slot(addr.FromPtr(unsafe.Pointer(&words[i])))
}

func TestNoBarrierStoresWithoutLogging(t *testing.T) {
	sink := &captureSink{}
	var b Barrier = NoBarrier{}

	refs, arena := testObjects(t, 1)
	b.ObjectReferenceWrite(refs[0], slotOf(arena, 1), refs[0])
	b.Flush()

	assert.EqualValues(t, uintptr(refs[0]), arena[1], "the store itself always happens")
	assert.Zero(t, sink.total())
}

func TestObjectBarrierLogsFirstStoreOnly(t *testing.T) {
	sink := &captureSink{}
	b := NewObjectBarrier(sink)

	refs, arena := testObjects(t, 2)
	src := refs[0]
	target := refs[1]

	b.ObjectReferenceWrite(src, slotOf(arena, 1), target)
	b.ObjectReferenceWrite(src, slotOf(arena, 2), target)
	b.ObjectReferenceWrite(src, slotOf(arena, 3), target)
	b.Flush()

	require.Equal(t, 1, sink.total(), "an object is remembered once, however many of its slots are stored through")
	assert.Equal(t, src.Address(), sink.flushes[0][0])
	assert.EqualValues(t, uintptr(target), arena[1])
	assert.EqualValues(t, uintptr(target), arena[3])
}

func TestObjectBarrierFlushesWhenBufferFills(t *testing.T) {
	sink := &captureSink{}
	b := NewObjectBarrier(sink)

	refs, arena := testObjects(t, modbufCapacity+8)
	for i, src := range refs {
		b.ObjectReferenceWrite(src, slotOf(arena, i*4+1), refs[0])
	}

	require.NotEmpty(t, sink.flushes, "filling the modbuf must flush without waiting for GC prepare")
	assert.Len(t, sink.flushes[0], modbufCapacity)

	b.Flush()
	assert.Equal(t, len(refs), sink.total())
}

func TestFieldLoggingBarrierLogsPerSlot(t *testing.T) {
	sink := &captureSink{}
	b := NewFieldLoggingBarrier(sink)

	refs, arena := testObjects(t, 2)
	src := refs[0]

	b.ObjectReferenceWrite(src, slotOf(arena, 1), refs[1])
	b.ObjectReferenceWrite(src, slotOf(arena, 2), refs[1])
	b.ObjectReferenceWrite(src, slotOf(arena, 1), refs[1])
	b.Flush()

	assert.Equal(t, 2, sink.total(), "two distinct slots, each logged once")
}
