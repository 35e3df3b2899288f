package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

const immortalTestBase = addr.Address(0x0000_10c0_0000_0000)

func newTestImmortal(t *testing.T) *Immortal {
	t.Helper()
	mmapper := mmap.NewMmapper()
	table := sft.NewTable(immortalTestBase, 1<<32)
	return NewImmortal("immortal", immortalTestBase, 1<<24, mmapper, table, nil, sidemetadata.MarkBit)
}

func TestImmortalNeverMovesOrReclaims(t *testing.T) {
	s := newTestImmortal(t)
	a, err := s.Acquire(addr.BytesInPage)
	require.NoError(t, err)
	ref := addr.ObjectReference(a)

	rec := &enqueueRecorder{}
	tr := &Trace{Enqueue: rec.push}
	assert.Equal(t, ref, s.TraceObject(tr, ref))
	assert.Equal(t, 1, rec.count())
	assert.True(t, s.IsLive(ref))

	s.Release()
	assert.True(t, s.IsLive(ref), "immortal objects survive every collection")

	b, err := s.Acquire(addr.BytesInPage)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "Release never rewinds an immortal space's cursor")
}

func TestImmortalPrepareReenablesFirstVisitReporting(t *testing.T) {
	s := newTestImmortal(t)
	a, err := s.Acquire(addr.BytesInPage)
	require.NoError(t, err)
	ref := addr.ObjectReference(a)

	rec := &enqueueRecorder{}
	tr := &Trace{Enqueue: rec.push}
	s.Prepare()
	s.TraceObject(tr, ref)
	s.TraceObject(tr, ref)
	require.Equal(t, 1, rec.count(), "one report per cycle, however many slots reach the object")

	s.Prepare()
	s.TraceObject(tr, ref)
	assert.Equal(t, 2, rec.count(), "a new cycle re-reports the object so its edges get rescanned")
}
