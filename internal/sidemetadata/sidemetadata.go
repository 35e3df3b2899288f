// Package sidemetadata implements the per-object bit tables kept outside
// object headers: valid-object bits, mark bits, the write-barrier
// log/unlogged bit, pinning bits, nursery bits, and forwarding words.
//
// Every kind is described by a Spec giving the granularity of the region
// each entry covers and how many bits each entry occupies; the address of
// an entry is computed by a fixed bit-slice formula over the table's
// base address.
package sidemetadata

import (
	"sync/atomic"
	"unsafe"

	"github.com/heapcore/heapcore/internal/addr"
)

// Spec describes one side-metadata table.
type Spec struct {
	// Name is used only for diagnostics (sanity dumps, logging fields).
	Name string
	// Base is the fixed virtual address the table is mapped at. Side
	// tables never move once mapped.
	Base addr.Address
	// LogBytesInRegion is log2 of the number of heap bytes one metadata
	// entry describes (0 for per-word metadata).
	LogBytesInRegion uint
	// LogBitsPerRegion is log2 of the number of bits stored per region
	// (0 => 1 bit, 3 => 1 byte, ...).
	LogBitsPerRegion uint
}

// bitsPerRegion returns the number of metadata bits one region occupies.
func (s Spec) bitsPerRegion() uint { return 1 << s.LogBitsPerRegion }

// offset computes the bit offset of a's metadata entry from Base, per the
// fixed formula: entry index = addr >> LogBytesInRegion, bit offset =
// index * bitsPerRegion.
func (s Spec) offset(a addr.Address) (bytePos uintptr, bitShift uint) {
	index := uintptr(a) >> s.LogBytesInRegion
	bitPos := index * uintptr(s.bitsPerRegion())
	return bitPos >> 3, uint(bitPos & 7)
}

func (s Spec) bytePtr(a addr.Address) *byte {
	bytePos, _ := s.offset(a)
	return (*byte)(unsafe.Pointer(uintptr(s.Base) + bytePos))
}

// mask returns a byte mask covering this spec's bits within a byte,
// starting at bitShift (the whole byte when LogBitsPerRegion>=3).
func (s Spec) mask(bitShift uint) byte {
	bits := s.bitsPerRegion()
	if bits >= 8 {
		return 0xff
	}
	return byte((1<<bits)-1) << bitShift
}

// Load reads the metadata bits for a.
func (s Spec) Load(a addr.Address) uint8 {
	p := s.bytePtr(a)
	_, shift := s.offset(a)
	raw := atomic.LoadUint32((*uint32)(alignedWordPtr(p)))
	b := byte(raw >> (wordByteShift(p) * 8))
	return (b & s.mask(shift)) >> shift
}

// Store writes the metadata bits for a, leaving unrelated bits in the
// same byte untouched.
func (s Spec) Store(a addr.Address, value uint8) {
	p := s.bytePtr(a)
	_, shift := s.offset(a)
	m := s.mask(shift)
	for {
		wp := (*uint32)(alignedWordPtr(p))
		old := atomic.LoadUint32(wp)
		byteShift := wordByteShift(p) * 8
		oldByte := byte(old >> byteShift)
		newByte := (oldByte &^ m) | ((value << shift) & m)
		if newByte == oldByte {
			return
		}
		newWord := (old &^ (uint32(0xff) << byteShift)) | (uint32(newByte) << byteShift)
		if atomic.CompareAndSwapUint32(wp, old, newWord) {
			return
		}
	}
}

// CAS performs an atomic compare-and-swap on the metadata bits for a.
// It reports whether the swap succeeded.
func (s Spec) CAS(a addr.Address, old, new uint8) bool {
	p := s.bytePtr(a)
	_, shift := s.offset(a)
	m := s.mask(shift)
	for {
		wp := (*uint32)(alignedWordPtr(p))
		word := atomic.LoadUint32(wp)
		byteShift := wordByteShift(p) * 8
		curByte := byte(word >> byteShift)
		if (curByte&m)>>shift != old {
			return false
		}
		newByte := (curByte &^ m) | ((new << shift) & m)
		newWord := (word &^ (uint32(0xff) << byteShift)) | (uint32(newByte) << byteShift)
		if atomic.CompareAndSwapUint32(wp, word, newWord) {
			return true
		}
	}
}

// FetchAdd atomically adds delta to the metadata bits for a and returns
// the previous value. Intended for small counters (e.g. nursery-block
// generation numbers); callers are responsible for wraparound semantics.
func (s Spec) FetchAdd(a addr.Address, delta int8) uint8 {
	for {
		old := s.Load(a)
		nv := uint8(int8(old) + delta)
		if s.CAS(a, old, nv) {
			return old
		}
	}
}

// BulkZero zeroes every metadata bit covering [start, end). When the
// range is byte-aligned with respect to this spec's granularity, it
// degenerates to a straight memclr; otherwise the fringe bytes are
// masked.
func (s Spec) BulkZero(start, end addr.Address) {
	s.bulkSet(start, end, 0)
}

// BulkSet sets every metadata bit covering [start, end) to 1s.
func (s Spec) BulkSet(start, end addr.Address) {
	s.bulkSet(start, end, 0xff)
}

func (s Spec) bulkSet(start, end addr.Address, fill byte) {
	if end <= start {
		return
	}
	step := uintptr(1) << s.LogBytesInRegion
	assertPrecondition(uintptr(start)%step == 0 && uintptr(end)%step == 0,
		"bulk range must be region-aligned")
	startByte, startShift := s.offset(start)
	endByte, endShift := s.offset(end)
	if startShift == 0 && endShift == 0 {
		memsetByteRange(uintptr(s.Base)+startByte, uintptr(s.Base)+endByte, fill)
		return
	}
	// Fringe: walk region-by-region at the fringes, memset the aligned
	// middle. byteSpan is the heap range one whole metadata byte covers.
	byteSpan := step
	if bits := s.bitsPerRegion(); bits < 8 {
		byteSpan = step * uintptr(8/bits)
	}
	cur := start
	alignedStart := alignUpRegion(start, byteSpan)
	for cur < end && cur < alignedStart {
		if fill == 0 {
			s.Store(cur, 0)
		} else {
			s.Store(cur, maxValueForSpec(s))
		}
		cur = cur.Add(step)
	}
	if cur >= end {
		return
	}
	alignedEnd := end.AlignDown(byteSpan)
	if alignedEnd > cur {
		midStartByte, _ := s.offset(cur)
		midEndByte, _ := s.offset(alignedEnd)
		memsetByteRange(uintptr(s.Base)+midStartByte, uintptr(s.Base)+midEndByte, fill)
		cur = alignedEnd
	}
	for cur < end {
		if fill == 0 {
			s.Store(cur, 0)
		} else {
			s.Store(cur, maxValueForSpec(s))
		}
		cur = cur.Add(step)
	}
}

func maxValueForSpec(s Spec) uint8 {
	bits := s.bitsPerRegion()
	if bits >= 8 {
		return 0xff
	}
	return uint8(1<<bits) - 1
}

func alignUpRegion(a addr.Address, step uintptr) addr.Address {
	return (a + addr.Address(step-1)).AlignDown(step)
}

// ScanNonZero returns the address of the first region in [start, end)
// whose metadata bits are non-zero, or addr.Zero if none are set.
func (s Spec) ScanNonZero(start, end addr.Address) addr.Address {
	step := uintptr(1) << s.LogBytesInRegion
	for cur := start; cur < end; cur = cur.Add(step) {
		if s.Load(cur) != 0 {
			return cur
		}
	}
	return addr.Zero
}

func memsetByteRange(from, to uintptr, fill byte) {
	if to <= from {
		return
	}
	n := to - from
	sl := unsafe.Slice((*byte)(unsafe.Pointer(from)), n)
	for i := range sl {
		sl[i] = fill
	}
}

// alignedWordPtr returns a pointer to the 4-byte-aligned word containing
// p, so that we always CAS a whole aligned word (required on most
// architectures for sub-word atomics).
func alignedWordPtr(p *byte) unsafe.Pointer {
	a := uintptr(unsafe.Pointer(p)) &^ 3
	return unsafe.Pointer(a)
}

func wordByteShift(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p)) & 3
}

// word-granularity accessors, used by specs whose LogBitsPerRegion >= 6
// (one full machine word per region) — notably ForwardingWord, which
// stores a full Address rather than a handful of flag bits.

func (s Spec) wordPtr(a addr.Address) *uintptr {
	index := uintptr(a) >> s.LogBytesInRegion
	return (*uintptr)(unsafe.Pointer(uintptr(s.Base) + index*addr.WordSize))
}

// LoadWord reads a full-word metadata entry for a.
func (s Spec) LoadWord(a addr.Address) uintptr {
	return atomic.LoadUintptr(s.wordPtr(a))
}

// StoreWord writes a full-word metadata entry for a.
func (s Spec) StoreWord(a addr.Address, v uintptr) {
	atomic.StoreUintptr(s.wordPtr(a), v)
}

// CASWord performs a compare-and-swap on a full-word metadata entry.
func (s Spec) CASWord(a addr.Address, old, new uintptr) bool {
	return atomic.CompareAndSwapUintptr(s.wordPtr(a), old, new)
}

// The core tables live at fixed virtual addresses. The anchors below are chosen so that for every address a heap
// can legally cover (options.Layout validates HeapEnd stays below
// LowestTableBase) no two tables' images overlap each other, the heap
// itself, or the Go runtime's own arenas: the forwarding table's image of
// address a is anchor+a, so it occupies [0x2000…, 0x2000…+HeapEnd); the
// bit tables' images are anchor+a>>6, 1 TiB apart, which no legal a can
// cross. Backing memory is committed chunk-by-chunk as spaces actually
// extend (MapRange below), never eagerly for the whole layout.
const (
	// LowestTableBase is the smallest address any metadata table image can
	// start at; options.Layout.Validate keeps every heap range below it.
	LowestTableBase = 0x0000_2000_0000_0000

	fwdWordBase    = LowestTableBase
	voBitBase      = 0x0000_4000_0000_0000
	markBitBase    = 0x0000_4100_0000_0000
	logBitBase     = 0x0000_4200_0000_0000
	pinBitBase     = 0x0000_4300_0000_0000
	nurseryBitBase = 0x0000_4400_0000_0000
	lineMarkBase   = 0x0000_4500_0000_0000
)

// The required side-metadata kinds. These are named handles the rest of the
// tree references by value, not singletons: tests rebase copies over
// Go-heap buffers with BasedAt and never touch the fixed anchors.
var (
	ValidObjectBit = Spec{Name: "vo-bit", Base: voBitBase, LogBytesInRegion: 3, LogBitsPerRegion: 0}
	MarkBit        = Spec{Name: "mark-bit", Base: markBitBase, LogBytesInRegion: 3, LogBitsPerRegion: 0}
	LogBit         = Spec{Name: "log-bit", Base: logBitBase, LogBytesInRegion: 3, LogBitsPerRegion: 0}
	PinningBit     = Spec{Name: "pin-bit", Base: pinBitBase, LogBytesInRegion: 3, LogBitsPerRegion: 0}
	NurseryBit     = Spec{Name: "nursery-bit", Base: nurseryBitBase, LogBytesInRegion: 3, LogBitsPerRegion: 0}
	// LineMarkBit holds one bit per 256 B immix line; ForwardingWord holds
	// one full machine word per 8 B object-start granule.
	LineMarkBit    = Spec{Name: "line-mark", Base: lineMarkBase, LogBytesInRegion: 8, LogBitsPerRegion: 0}
	ForwardingWord = Spec{Name: "fwd-word", Base: fwdWordBase, LogBytesInRegion: 3, LogBitsPerRegion: 6}
)

// CoreSpecs lists every table MapRange must back when a space extends
// into a fresh range.
func CoreSpecs() []Spec {
	return []Spec{ValidObjectBit, MarkBit, LogBit, PinningBit, NurseryBit, LineMarkBit, ForwardingWord}
}

// MapRange commits backing memory for every core table's slice covering
// the heap range [start, start+n), through ensure (an
// mmap.Mmapper.EnsureMapped-shaped function, so the idempotent
// chunk-granular bookkeeping stays in one place). Spaces call this from
// their chunk-registration path, which makes metadata mapping exactly as
// lazy as the heap mapping it shadows.
func MapRange(ensure func(addr.Address, uintptr) error, start addr.Address, n uintptr) error {
	if n == 0 {
		return nil
	}
	for _, s := range CoreSpecs() {
		from, _ := s.offset(start)
		to, _ := s.offset(start.Add(n - 1))
		base := addr.Address(uintptr(s.Base) + from)
		if err := ensure(base, to-from+addr.WordSize); err != nil {
			return err
		}
	}
	return nil
}

// FindObjectFromInternalPointer scans voBits backward from ptr for the
// nearest region-aligned address within minObjectSize bytes whose bit is
// set, returning the object reference there or the null reference if
// none is found. Every live object is guaranteed to be at least
// minObjectSize bytes (the binding's smallest allocatable size), so a
// set bit further back than that cannot be ptr's containing object —
// this is what lets the scan terminate without knowing the object's
// actual size.
func FindObjectFromInternalPointer(voBits Spec, ptr addr.Address, minObjectSize uintptr) addr.ObjectReference {
	step := uintptr(1) << voBits.LogBytesInRegion
	aligned := ptr.AlignDown(step)
	for dist := uintptr(0); dist < minObjectSize; dist += step {
		cand := aligned.Sub(dist)
		if voBits.Load(cand) != 0 {
			return addr.ObjectReference(cand)
		}
	}
	return addr.ObjectReference(0)
}

// WithBase returns a copy of the spec rebased at base; used once per heap
// at init to lay out the side-metadata region non-overlappingly.
func (s Spec) WithBase(base addr.Address) Spec {
	s.Base = base
	return s
}

// BasedAt returns a copy of the spec whose table entry for coveredStart
// lands exactly at tableStart. The bit-slice formula indexes by absolute
// heap address, so a table backed by an arbitrary buffer (a test's
// Go-heap slice, a scratch mapping) must shift its base back by
// coveredStart's own offset to make the buffer line up.
func (s Spec) BasedAt(tableStart, coveredStart addr.Address) Spec {
	off, _ := s.offset(coveredStart)
	s.Base = tableStart.Sub(off)
	return s
}

// SizeForRange returns the number of bytes this spec's table occupies to
// describe [start, end).
func (s Spec) SizeForRange(start, end addr.Address) uintptr {
	regions := (uintptr(end) - uintptr(start)) >> s.LogBytesInRegion
	bits := regions * uintptr(s.bitsPerRegion())
	return (bits + 7) / 8
}
