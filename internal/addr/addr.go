// Package addr provides the raw address arithmetic shared by every other
// package in the tree. An Address is never a Go pointer: the memory it
// names is reserved and committed by internal/mmap, outside the Go
// runtime's own heap, and is only ever viewed through unsafe.Pointer at
// the point of use by a space or allocator.
package addr

import "unsafe"

// Address is a raw machine word. Zero is the sentinel "no address" value
// returned by a failed allocation.
type Address uintptr

// Zero is the distinguished failure value returned by allocation requests
// that could not be satisfied.
const Zero Address = 0

// MaxAlignment is the largest alignment any allocator in this tree is
// asked to honor. Requests above this are a binding misuse.
const MaxAlignment = 1 << 6

// MinAlignment is the coarsest alignment guaranteed by every allocator's
// fast path regardless of the requested alignment.
const MinAlignment = 1 << 2

func (a Address) IsZero() bool { return a == Zero }

// Add returns a + n.
func (a Address) Add(n uintptr) Address { return a + Address(n) }

// Sub returns a - n.
func (a Address) Sub(n uintptr) Address { return a - Address(n) }

// Diff returns a - b as a signed word count.
func (a Address) Diff(b Address) int64 { return int64(a) - int64(b) }

// AlignUp rounds a up to the next multiple of align, honoring offset:
// the result r satisfies (r + offset) % align == 0. align must be a
// power of two and at most MaxAlignment.
func (a Address) AlignUp(align uintptr, offset uintptr) Address {
	mask := Address(align - 1)
	return ((a + Address(offset) + mask) &^ mask) - Address(offset)
}

// IsAligned reports whether (a + offset) % align == 0.
func (a Address) IsAligned(align uintptr, offset uintptr) bool {
	return (uintptr(a)+offset)&(align-1) == 0
}

// AlignDown rounds a down to the nearest multiple of align.
func (a Address) AlignDown(align uintptr) Address {
	return a &^ Address(align-1)
}

// ToPtr views the address as an unsafe.Pointer. Every call site is a
// deliberate boundary crossing out of the GC-managed Go heap into
// heapcore's own mmap'd arena.
func (a Address) ToPtr() unsafe.Pointer { return unsafe.Pointer(a) } //nolint:govet

// FromPtr captures the address of a raw pointer obtained from mmap.
func FromPtr(p unsafe.Pointer) Address { return Address(uintptr(p)) }

// ObjectReference is a non-zero Address at a binding-chosen offset from
// the start of an allocation. It is opaque to heapcore: only the
// binding's vm.ObjectModel knows the object's size and layout.
type ObjectReference Address

// IsNull reports whether r is the null object reference.
func (r ObjectReference) IsNull() bool { return r == 0 }

// Address views the reference as a raw Address.
func (r ObjectReference) Address() Address { return Address(r) }

// ObjectReferenceFromAddress builds a reference from a raw address; the
// caller (the binding) is responsible for the offset convention.
func ObjectReferenceFromAddress(a Address) ObjectReference { return ObjectReference(a) }

// Bytes and word-size constants shared across the tree.
const (
	Log2WordSize = 3 // 8-byte words on every platform heapcore targets
	WordSize     = 1 << Log2WordSize

	// ChunkShift is the log2 size of the fixed power-of-two chunk that is
	// the unit of space extension and SFT indexing.
	ChunkShift = 22
	ChunkSize  = 1 << ChunkShift

	// Immix region granularities.
	ImmixBlockShift = 15
	ImmixBlockSize  = 1 << ImmixBlockShift
	ImmixLineShift  = 8
	ImmixLineSize   = 1 << ImmixLineShift
	LinesPerBlock   = ImmixBlockSize / ImmixLineSize

	// BytesInPage is the page granularity used by the page resource.
	BytesInPage = 1 << 12
)

// ChunkIndex returns the chunk-granular index of a.
func ChunkIndex(a Address) uintptr { return uintptr(a) >> ChunkShift }

// ChunkAlign rounds a down to its containing chunk's start address.
func ChunkAlign(a Address) Address { return a.AlignDown(ChunkSize) }

// PageAlign rounds n up to a whole number of pages.
func PageAlign(n uintptr) uintptr {
	return (n + BytesInPage - 1) &^ (BytesInPage - 1)
}

// BytesToPages returns the number of pages needed to cover n bytes.
func BytesToPages(n uintptr) uintptr { return PageAlign(n) / BytesInPage }
