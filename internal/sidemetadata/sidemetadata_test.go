package sidemetadata

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
)

// heapRange backs a Spec's table with real Go memory sized for [start,
// end), rebased with BasedAt so the absolute-address bit-slice formula
// lands inside the buffer exactly as it would over an mmap'd table at
// the table's fixed anchor.
func heapRange(t *testing.T, spec Spec, words int) (s Spec, start, end addr.Address) {
	t.Helper()
	heap := make([]byte, words*int(addr.WordSize)+int(addr.WordSize))
	start = addr.FromPtr(unsafe.Pointer(&heap[0])).AlignUp(addr.WordSize, 0)
	end = start.Add(uintptr(words) * addr.WordSize)

	tableSize := spec.SizeForRange(start, end)
	if tableSize == 0 {
		tableSize = 8
	}
	table := make([]byte, tableSize+16) // pad for word-aligned access at the fringe
	tableStart := addr.FromPtr(unsafe.Pointer(&table[0])).AlignUp(addr.WordSize, 0)
	return spec.BasedAt(tableStart, start), start, end
}

func TestLoadStoreSingleBitRoundTrips(t *testing.T) {
	spec, start, _ := heapRange(t, ValidObjectBit, 64)

	a := start.Add(8 * 3)
	assert.Zero(t, spec.Load(a))
	spec.Store(a, 1)
	assert.EqualValues(t, 1, spec.Load(a))
	spec.Store(a, 0)
	assert.Zero(t, spec.Load(a))
}

func TestStoreDoesNotDisturbNeighboringBits(t *testing.T) {
	spec, start, _ := heapRange(t, MarkBit, 64)

	a := start.Add(8 * 2)
	b := start.Add(8 * 3)
	spec.Store(a, 1)
	spec.Store(b, 1)
	assert.EqualValues(t, 1, spec.Load(a))
	assert.EqualValues(t, 1, spec.Load(b))

	spec.Store(a, 0)
	assert.Zero(t, spec.Load(a))
	assert.EqualValues(t, 1, spec.Load(b), "clearing a's bit must not clear b's neighboring bit in the same byte")
}

func TestCASSucceedsOnMatchAndFailsOnMismatch(t *testing.T) {
	spec, start, _ := heapRange(t, PinningBit, 64)
	a := start.Add(8 * 5)

	assert.True(t, spec.CAS(a, 0, 1))
	assert.EqualValues(t, 1, spec.Load(a))
	assert.False(t, spec.CAS(a, 0, 1), "expected-old no longer matches")
	assert.True(t, spec.CAS(a, 1, 0))
}

func TestBulkSetAndBulkZero(t *testing.T) {
	spec, start, end := heapRange(t, LogBit, 64)

	spec.BulkSet(start, end)
	assert.Equal(t, start, spec.ScanNonZero(start, end), "every region is set, so the first non-zero region is start itself")

	spec.BulkZero(start, end)
	assert.True(t, spec.ScanNonZero(start, end).IsZero())
	spec.Store(start.Add(8*4), 1)
	assert.Equal(t, start.Add(8*4), spec.ScanNonZero(start, end))
}

func TestBulkSetHonorsFringeAlignment(t *testing.T) {
	spec, start, end := heapRange(t, NurseryBit, 128)
	// Exercise the non-byte-aligned fringe path by bulk-setting a range
	// that doesn't start or end on a region-granularity boundary.
	mid := start.Add(8 * 13)
	spec.BulkSet(start, mid)
	for cur := start; cur < mid; cur = cur.Add(8) {
		assert.EqualValues(t, 1, spec.Load(cur), "addr=%v", cur)
	}
	assert.Zero(t, spec.Load(mid))
	_ = end
}

func TestFetchAddReturnsPreviousValue(t *testing.T) {
	spec, start, _ := heapRange(t, MarkBit, 64)
	a := start.Add(8 * 7)

	prev := spec.FetchAdd(a, 1)
	assert.EqualValues(t, 0, prev)
	assert.EqualValues(t, 1, spec.Load(a))
}

func TestForwardingWordStoresFullAddress(t *testing.T) {
	spec, start, _ := heapRange(t, ForwardingWord, 32)
	a := start.Add(8 * 2)

	require.Zero(t, spec.LoadWord(a))
	spec.StoreWord(a, 0xdeadbeef)
	assert.EqualValues(t, 0xdeadbeef, spec.LoadWord(a))

	ok := spec.CASWord(a, 0xdeadbeef, 0xcafef00d)
	assert.True(t, ok)
	assert.EqualValues(t, 0xcafef00d, spec.LoadWord(a))
	assert.False(t, spec.CASWord(a, 0xdeadbeef, 0x1))
}

func TestWithBaseDoesNotMutateOriginal(t *testing.T) {
	original := ValidObjectBit
	rebased := original.WithBase(addr.Address(0x1000))
	assert.NotEqual(t, original.Base, rebased.Base)
	assert.EqualValues(t, 0x1000, rebased.Base)
	assert.EqualValues(t, voBitBase, ValidObjectBit.Base, "the package handle keeps its fixed anchor")
}

func TestBasedAtLandsCoveredStartAtTableStart(t *testing.T) {
	buf := make([]byte, 64)
	tableStart := addr.FromPtr(unsafe.Pointer(&buf[0]))
	covered := addr.Address(0x1000_0000_0000)
	spec := MarkBit.BasedAt(tableStart, covered)

	spec.Store(covered, 1)
	assert.NotZero(t, buf[0]&1, "covered start's bit must land in the buffer's first byte")
}

func TestCoreSpecImagesDoNotOverlap(t *testing.T) {
	// For any legal heap address (below LowestTableBase), no two core
	// tables' images may overlap anywhere over the fixed anchors.
	end := addr.Address(LowestTableBase)
	specs := CoreSpecs()
	type rng struct {
		name     string
		from, to uintptr
	}
	var ranges []rng
	for _, s := range specs {
		ranges = append(ranges, rng{s.Name, uintptr(s.Base), uintptr(s.Base) + s.SizeForRange(0, end)})
	}
	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			a, b := ranges[i], ranges[j]
			overlap := a.from < b.to && b.from < a.to
			assert.False(t, overlap, "%s overlaps %s", a.name, b.name)
		}
	}
}
