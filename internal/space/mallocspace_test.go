package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

func newTestMalloc(t *testing.T) *Malloc {
	t.Helper()
	return NewMalloc("malloc", mmap.NewMmapper(), sidemetadata.MarkBit)
}

func TestMallocSweepFreesUnmarkedCells(t *testing.T) {
	s := newTestMalloc(t)

	live, err := s.Acquire(64)
	require.NoError(t, err)
	dead, err := s.Acquire(64)
	require.NoError(t, err)

	rec := &enqueueRecorder{}
	s.TraceObject(&Trace{Enqueue: rec.push}, addr.ObjectReference(live))
	assert.Equal(t, 1, rec.count())

	s.Release()

	assert.True(t, s.InSpace(addr.ObjectReference(live)))
	assert.False(t, s.InSpace(addr.ObjectReference(dead)), "an unmarked cell must be swept")
}

func TestMallocSweepSeesMarksAnywhereInCell(t *testing.T) {
	s := newTestMalloc(t)

	cell, err := s.Acquire(256)
	require.NoError(t, err)

	// Mark an interior address, the way a freelist allocator's
	// sub-allocated object would be marked mid-cell.
	interior := addr.ObjectReference(cell.Add(128))
	s.TraceObject(&Trace{}, interior)

	s.Release()
	assert.True(t, s.InSpace(addr.ObjectReference(cell)), "a cell with any marked granule survives the sweep")
}

func TestMallocSurvivorMarksClearForNextCycle(t *testing.T) {
	s := newTestMalloc(t)

	cell, err := s.Acquire(64)
	require.NoError(t, err)
	ref := addr.ObjectReference(cell)

	s.TraceObject(&Trace{}, ref)
	s.Release()
	require.True(t, s.InSpace(ref))
	assert.False(t, s.IsLive(ref), "survivor marks are cleared by the sweep")

	rec := &enqueueRecorder{}
	s.TraceObject(&Trace{Enqueue: rec.push}, ref)
	assert.Equal(t, 1, rec.count(), "the next cycle re-reports the survivor once")
}
