package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/space"
)

// fakeSpace backs Acquire with a real Go-heap buffer so BumpPointer's
// zero-fill writes land on addressable memory instead of an arbitrary
// uintptr, the same way a real mmap'd region would.
type fakeSpace struct {
	buf       []byte
	acquired  int
	acquireAt []uintptr // byte offset into buf handed out by each Acquire call
}

func newFakeSpace(size int) *fakeSpace { return &fakeSpace{buf: make([]byte, size)} }

func (f *fakeSpace) Name() string { return "fake" }

func (f *fakeSpace) Acquire(bytes uintptr) (addr.Address, error) {
	if f.acquired+int(bytes) > len(f.buf) {
		return addr.Zero, nil
	}
	start := f.acquired
	f.acquireAt = append(f.acquireAt, uintptr(start))
	f.acquired += int(bytes)
	return addr.FromPtr(unsafe.Pointer(&f.buf[start])), nil
}

func (f *fakeSpace) InSpace(ref addr.ObjectReference) bool { return true }
func (f *fakeSpace) TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	return ref
}
func (f *fakeSpace) IsLive(ref addr.ObjectReference) bool { return true }
func (f *fakeSpace) Prepare()               {}
func (f *fakeSpace) Release()               {}
func (f *fakeSpace) ReservedPages() uintptr { return 0 }
func (f *fakeSpace) CommittedPages() uintptr {
	return addr.BytesToPages(uintptr(f.acquired))
}

var _ space.Space = (*fakeSpace)(nil)

func TestBumpPointerFirstAllocTakesSlowPath(t *testing.T) {
	sp := newFakeSpace(4096)
	b := NewBumpPointer(sp, 256)

	a, err := b.Alloc(16, 8, 0)
	require.NoError(t, err)
	require.False(t, a.IsZero())
	assert.Len(t, sp.acquireAt, 1, "cursor==limit post-construction forces the slow path on the first call")
}

func TestBumpPointerFastPathAdvancesWithoutRefill(t *testing.T) {
	sp := newFakeSpace(4096)
	b := NewBumpPointer(sp, 256)

	first, err := b.Alloc(16, 8, 0)
	require.NoError(t, err)
	second, err := b.Alloc(16, 8, 0)
	require.NoError(t, err)

	assert.Len(t, sp.acquireAt, 1, "second alloc should be satisfied from the already-refilled buffer")
	assert.Equal(t, int64(16), second.Diff(first))
}

func TestBumpPointerHonorsAlignmentAndOffset(t *testing.T) {
	sp := newFakeSpace(4096)
	b := NewBumpPointer(sp, 256)

	for _, tc := range []struct{ align, offset uintptr }{
		{8, 0}, {16, 0}, {32, 8}, {64, 0},
	} {
		a, err := b.Alloc(24, tc.align, tc.offset)
		require.NoError(t, err)
		assert.True(t, a.IsAligned(tc.align, tc.offset), "align=%d offset=%d got=%d", tc.align, tc.offset, a)
	}
}

// TestBumpPointerAlignmentTable walks every power-of-two alignment from
// MinAlignment to MaxAlignment crossed with offsets {0, 4}, allocating
// 8-byte objects; each returned address must satisfy
// (addr + offset) % align == 0.
func TestBumpPointerAlignmentTable(t *testing.T) {
	sp := newFakeSpace(1 << 16)
	b := NewBumpPointer(sp, 1024)

	for align := uintptr(addr.MinAlignment); align <= addr.MaxAlignment; align <<= 1 {
		for _, offset := range []uintptr{0, 4} {
			a, err := b.Alloc(8, align, offset)
			require.NoError(t, err)
			require.False(t, a.IsZero())
			assert.True(t, a.IsAligned(align, offset), "align=%d offset=%d got=%#x", align, offset, uintptr(a))
		}
	}
}

// TestBumpPointerZeroFillsAlignmentGap checks the observable-zero-fill
// guarantee on alignment padding: bytes skipped between the raw cursor
// and the aligned result read back as zero even if the underlying
// buffer held garbage.
func TestBumpPointerZeroFillsAlignmentGap(t *testing.T) {
	sp := newFakeSpace(4096)
	for i := range sp.buf {
		sp.buf[i] = 0xa5
	}
	b := NewBumpPointer(sp, 1024)

	first, err := b.Alloc(4, 4, 0)
	require.NoError(t, err)
	_, err = b.Alloc(8, 64, 0)
	require.NoError(t, err)

	gapStart := first.Add(4)
	for p := gapStart; !p.IsAligned(64, 0); p = p.Add(1) {
		assert.Zero(t, *(*byte)(p.ToPtr()), "gap byte at %#x must read zero", uintptr(p))
	}
}

func TestBumpPointerRejectsAlignmentAboveMax(t *testing.T) {
	sp := newFakeSpace(4096)
	b := NewBumpPointer(sp, 256)

	_, err := b.Alloc(16, addr.MaxAlignment*2, 0)
	assert.Error(t, err)
}

func TestBumpPointerRefillsAcrossBuffers(t *testing.T) {
	sp := newFakeSpace(4096)
	b := NewBumpPointer(sp, 64)

	for i := 0; i < 8; i++ {
		_, err := b.Alloc(32, 8, 0)
		require.NoError(t, err)
	}
	assert.Greater(t, len(sp.acquireAt), 1, "8 allocations of 32 bytes each must exhaust a 64-byte refill buffer at least once")
}

func TestBumpPointerFailsWhenSpaceExhausted(t *testing.T) {
	sp := newFakeSpace(32)
	b := NewBumpPointer(sp, 256)

	a, err := b.Alloc(16, 8, 0)
	require.NoError(t, err)
	assert.True(t, a.IsZero(), "refillSize 256 exceeds the 32-byte space, so even the first allocation must fail cleanly")
}

func TestBumpPointerResetForcesSlowPath(t *testing.T) {
	sp := newFakeSpace(4096)
	b := NewBumpPointer(sp, 256)

	_, err := b.Alloc(16, 8, 0)
	require.NoError(t, err)
	b.Reset()

	before := len(sp.acquireAt)
	_, err = b.Alloc(16, 8, 0)
	require.NoError(t, err)
	assert.Greater(t, len(sp.acquireAt), before, "Reset must zero cursor/limit so the next Alloc refills again")
}

func TestBumpPointerBoundSpace(t *testing.T) {
	sp := newFakeSpace(64)
	b := NewBumpPointer(sp, 64)
	assert.Same(t, space.Space(sp), b.BoundSpace())
}
