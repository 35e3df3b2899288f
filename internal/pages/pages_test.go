package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
)

const pagesTestBase = addr.Address(0x0000_10e0_0000_0000)

func TestMonotoneHandsOutSequentialPages(t *testing.T) {
	r := NewMonotone(mmap.NewMmapper(), pagesTestBase, 1<<24)

	a, err := r.GetNewPages(2)
	require.NoError(t, err)
	assert.Equal(t, pagesTestBase, a)

	b, err := r.GetNewPages(1)
	require.NoError(t, err)
	assert.Equal(t, pagesTestBase.Add(2*addr.BytesInPage), b)
	assert.EqualValues(t, 3, r.ReservedPages())
}

func TestMonotoneFailsPastExtent(t *testing.T) {
	r := NewMonotone(mmap.NewMmapper(), pagesTestBase, 2*addr.BytesInPage)

	_, err := r.GetNewPages(2)
	require.NoError(t, err)
	_, err = r.GetNewPages(1)
	assert.Error(t, err, "the third page exceeds the two-page extent")
}

func TestMonotoneResetToRewindsPartially(t *testing.T) {
	r := NewMonotone(mmap.NewMmapper(), pagesTestBase, 1<<24)
	_, err := r.GetNewPages(4)
	require.NoError(t, err)

	r.ResetTo(pagesTestBase.Add(addr.BytesInPage))
	assert.EqualValues(t, addr.BytesInPage, r.CursorBytes())

	a, err := r.GetNewPages(1)
	require.NoError(t, err)
	assert.Equal(t, pagesTestBase.Add(addr.BytesInPage), a)
}

func TestFreeListRecyclesReleasedRuns(t *testing.T) {
	r := NewFreeList(mmap.NewMmapper(), pagesTestBase, 1<<24)

	a, err := r.GetNewPages(4)
	require.NoError(t, err)
	r.ReleasePages(a, 4)

	b, err := r.GetNewPages(2)
	require.NoError(t, err)
	assert.Equal(t, a, b, "a released run satisfies the next request before the high water grows")

	c, err := r.GetNewPages(2)
	require.NoError(t, err)
	assert.Equal(t, a.Add(2*addr.BytesInPage), c, "the split remainder is handed out next")
}

func TestFreeListCoalescesAdjacentRuns(t *testing.T) {
	r := NewFreeList(mmap.NewMmapper(), pagesTestBase, 1<<24)

	a, err := r.GetNewPages(2)
	require.NoError(t, err)
	b, err := r.GetNewPages(2)
	require.NoError(t, err)

	// Release out of order; the free list must merge them back into one
	// four-page run.
	r.ReleasePages(b, 2)
	r.ReleasePages(a, 2)

	big, err := r.GetNewPages(4)
	require.NoError(t, err)
	assert.Equal(t, a, big)
}

func TestFreeListCommittedTracksReleases(t *testing.T) {
	r := NewFreeList(mmap.NewMmapper(), pagesTestBase, 1<<24)

	a, err := r.GetNewPages(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, r.CommittedPages())

	r.ReleasePages(a, 3)
	assert.Zero(t, r.CommittedPages())
	assert.EqualValues(t, 3, r.ReservedPages(), "reserved tracks the high water, not the free list")
}
