// Package barrier implements the write-barrier fast/slow path pair every
// generational or remembered-set plan needs: a one-bit side-metadata
// test inline at the store site, and a slow path that appends to a
// per-mutator buffer, flushed into the scheduler's Prepare bucket when
// full or at GC prepare.
package barrier

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/vm"
)

// modbufCapacity bounds a single flush packet, the same "bounded work
// per packet" trick the scheduler uses for ProcessEdges.
const modbufCapacity = 256

// Sink receives a full (or GC-prepare-flushed) remembered-set buffer.
// The scheduler implements this to turn it into Closure-bucket work.
type Sink interface {
	EnqueueModBuf(entries []addr.Address)
}

// Barrier is the per-mutator write-barrier object a binding calls on
// every reference-typed store, selected once per plan at mutator bind
// time.
type Barrier interface {
	// ObjectReferenceWrite records (or ignores) the write of target into
	// slot, which lives inside src, then performs the store itself so
	// callers never have to remember to do both.
	ObjectReferenceWrite(src addr.ObjectReference, slot vm.Slot, target addr.ObjectReference)
	// Flush forces any buffered entries out to the sink, called at GC
	// prepare so no remembered-set entries are lost across a collection.
	Flush()
}

// modbuf is a small fixed-capacity append buffer, mirroring the
// workbuf producer/consumer shape: push until full, then hand the whole
// buffer to the sink and start a fresh one.
type modbuf struct {
	sink    Sink
	entries []addr.Address
}

func newModbuf(sink Sink) *modbuf {
	return &modbuf{sink: sink, entries: make([]addr.Address, 0, modbufCapacity)}
}

func (m *modbuf) push(a addr.Address) {
	m.entries = append(m.entries, a)
	if len(m.entries) == cap(m.entries) {
		m.flush()
	}
}

func (m *modbuf) flush() {
	if len(m.entries) == 0 {
		return
	}
	m.sink.EnqueueModBuf(m.entries)
	m.entries = make([]addr.Address, 0, modbufCapacity)
}

// NoBarrier performs the store with no side-metadata test or buffering,
// used by plans with no remembered set (NoGC, SemiSpace's from-space
// mutators, MarkSweep).
type NoBarrier struct{}

func (NoBarrier) ObjectReferenceWrite(_ addr.ObjectReference, slot vm.Slot, target addr.ObjectReference) {
	slot.Store(target)
}

func (NoBarrier) Flush() {}

var _ Barrier = NoBarrier{}

// ObjectBarrier is a per-object remembered-set barrier: the fast path
// tests src's log bit, and only the first store through any slot of an
// unlogged object flips the bit and enqueues the object's start
// address. Every store still writes through regardless of logging
// outcome.
type ObjectBarrier struct {
	buf *modbuf
}

// NewObjectBarrier builds a per-mutator object barrier flushing into
// sink.
func NewObjectBarrier(sink Sink) *ObjectBarrier {
	return &ObjectBarrier{buf: newModbuf(sink)}
}

const (
	unlogged uint8 = 0
	logged   uint8 = 1
)

func (b *ObjectBarrier) ObjectReferenceWrite(src addr.ObjectReference, slot vm.Slot, target addr.ObjectReference) {
	slot.Store(target)
	start := src.Address()
	if sidemetadata.LogBit.Load(start) == unlogged {
		if sidemetadata.LogBit.CAS(start, unlogged, logged) {
			b.buf.push(start)
		}
	}
}

func (b *ObjectBarrier) Flush() { b.buf.flush() }

var _ Barrier = (*ObjectBarrier)(nil)

// FieldLoggingBarrier logs at slot granularity instead of object
// granularity: the log bit is keyed by the slot's own address, and the
// enqueued entry is the slot address rather than the owning object.
// This trades a finer remembered set for a bit per slot instead of a
// bit per object.
type FieldLoggingBarrier struct {
	buf *modbuf
}

func NewFieldLoggingBarrier(sink Sink) *FieldLoggingBarrier {
	return &FieldLoggingBarrier{buf: newModbuf(sink)}
}

func (b *FieldLoggingBarrier) ObjectReferenceWrite(_ addr.ObjectReference, slot vm.Slot, target addr.ObjectReference) {
	slot.Store(target)
	slotAddr := addr.Address(slot)
	if sidemetadata.LogBit.Load(slotAddr) == unlogged {
		if sidemetadata.LogBit.CAS(slotAddr, unlogged, logged) {
			b.buf.push(slotAddr)
		}
	}
}

func (b *FieldLoggingBarrier) Flush() { b.buf.flush() }

var _ Barrier = (*FieldLoggingBarrier)(nil)
