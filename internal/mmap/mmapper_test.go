package mmap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
)

const mmapTestBase = addr.Address(0x0000_10f0_0000_0000)

func TestEnsureMappedIsIdempotent(t *testing.T) {
	m := NewMmapper()

	require.NoError(t, m.EnsureMapped(mmapTestBase, addr.BytesInPage))
	assert.True(t, m.IsMapped(mmapTestBase))

	// Write through the mapping, then re-ensure: the second call must
	// not disturb the committed contents.
	p := (*uint64)(unsafe.Pointer(uintptr(mmapTestBase)))
	*p = 0xfeedface
	require.NoError(t, m.EnsureMapped(mmapTestBase, addr.BytesInPage))
	assert.EqualValues(t, 0xfeedface, *p, "ensure-mapped twice must behave like once")
}

func TestEnsureMappedReturnsZeroFilledPages(t *testing.T) {
	m := NewMmapper()
	at := mmapTestBase.Add(addr.ChunkSize)
	require.NoError(t, m.EnsureMapped(at, addr.BytesInPage))

	buf := unsafe.Slice((*byte)(at.ToPtr()), 64)
	for i, b := range buf {
		require.Zero(t, b, "byte %d of a fresh mapping must be zero", i)
	}
}

func TestMapRejectsConflictWithoutReplace(t *testing.T) {
	m := NewMmapper()
	at := mmapTestBase.Add(2 * addr.ChunkSize)

	require.NoError(t, m.Map(at, addr.BytesInPage, false))
	err := m.Map(at, addr.BytesInPage, false)
	assert.ErrorIs(t, err, mmtkerrors.ErrMmapConflict)
	assert.NoError(t, m.Map(at, addr.BytesInPage, true), "replace=true remaps without complaint")
}

func TestUnmapClearsCommittedState(t *testing.T) {
	m := NewMmapper()
	at := mmapTestBase.Add(3 * addr.ChunkSize)

	require.NoError(t, m.EnsureMapped(at, addr.BytesInPage))
	require.True(t, m.IsMapped(at))
	require.NoError(t, m.Unmap(at, addr.ChunkSize))
	assert.False(t, m.IsMapped(at))
}
