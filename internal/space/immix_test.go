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

const immixTestBase = addr.Address(0x0000_10a0_0000_0000)

func newTestImmix(t *testing.T) *Immix {
	t.Helper()
	mmapper := mmap.NewMmapper()
	table := sft.NewTable(immixTestBase, 1<<32)
	return NewImmix("immix", immixTestBase, 1<<24, mmapper, table, nil,
		sidemetadata.LineMarkBit, sidemetadata.MarkBit, sidemetadata.ForwardingWord)
}

func TestImmixAcquireBlocksRegistersCleanBlocks(t *testing.T) {
	s := newTestImmix(t)
	a, err := s.AcquireBlocks(2)
	require.NoError(t, err)
	require.False(t, a.IsZero())
	assert.True(t, a.IsAligned(addr.ImmixBlockSize, 0))

	// Fresh blocks carry no marks, so a reusable-run request must not be
	// satisfied from them (they are Unmarked, not Reusable).
	run, lines := s.GetReusableRun(1)
	assert.True(t, run.IsZero())
	assert.Zero(t, lines)
}

func TestImmixTraceMarksObjectAndLineOnce(t *testing.T) {
	s := newTestImmix(t)
	a, err := s.AcquireBlocks(1)
	require.NoError(t, err)
	ref := addr.ObjectReference(a.Add(addr.ImmixLineSize + 16))

	rec := &enqueueRecorder{}
	tr := &Trace{Enqueue: rec.push}
	got := s.TraceObject(tr, ref)
	assert.Equal(t, ref, got, "a non-defrag trace never moves the object")
	assert.Equal(t, 1, rec.count())
	assert.True(t, s.IsLive(ref))

	s.TraceObject(tr, ref)
	assert.Equal(t, 1, rec.count(), "re-tracing must not re-report the object")
}

func TestImmixReleaseReclassifiesBlocks(t *testing.T) {
	s := newTestImmix(t)
	a, err := s.AcquireBlocks(2)
	require.NoError(t, err)
	partial := a
	empty := a.Add(addr.ImmixBlockSize)

	s.Prepare()
	// One object in the first block, nothing in the second.
	s.TraceObject(&Trace{}, addr.ObjectReference(partial.Add(16)))
	before := s.CommittedPages()
	s.Release()

	assert.Less(t, s.CommittedPages(), before, "the zero-survivor block's pages must be reclaimed")

	// The surviving block is Reusable: one line live, the rest free.
	run, lines := s.GetReusableRun(4)
	require.False(t, run.IsZero(), "the partially live block must offer a reusable run")
	assert.GreaterOrEqual(t, lines, 4)
	assert.True(t, run >= partial && run < partial.Add(addr.ImmixBlockSize))
	_ = empty
}

func TestImmixReusableRunSkipsLiveLines(t *testing.T) {
	s := newTestImmix(t)
	a, err := s.AcquireBlocks(1)
	require.NoError(t, err)

	s.Prepare()
	// Mark an object in line 0; lines 1.. stay free.
	s.TraceObject(&Trace{}, addr.ObjectReference(a.Add(8)))
	s.Release()

	run, lines := s.GetReusableRun(2)
	require.False(t, run.IsZero())
	assert.True(t, run >= a.Add(addr.ImmixLineSize), "the run must start past the live line")
	assert.GreaterOrEqual(t, lines, 2)

	// Handing out the run reserves its lines: a second request must not
	// overlap the first.
	run2, _ := s.GetReusableRun(2)
	assert.True(t, run2.IsZero() || run2 != run, "a handed-out run must not be handed out again")
}

func TestImmixReleaseRecordsFragmentation(t *testing.T) {
	s := newTestImmix(t)
	a, err := s.AcquireBlocks(1)
	require.NoError(t, err)

	s.Prepare()
	s.TraceObject(&Trace{}, addr.ObjectReference(a.Add(8)))
	s.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.fragmentationHistory)
	assert.Greater(t, s.fragmentationHistory[len(s.fragmentationHistory)-1], 0.0,
		"a partially live block counts toward the reusable ratio")
}
