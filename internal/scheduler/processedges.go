package scheduler

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/plan"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/vm"
)

// TraceKind selects which trace a ProcessEdges packet drives.
type TraceKind int

const (
	// TraceKindMark is the ordinary closure trace: mark or copy each
	// reachable object and install the result in the slot.
	TraceKindMark TraceKind = iota
	// TraceKindForward re-walks the live graph after forwarding
	// addresses have been assigned, rewriting every slot without marking
	// anything new; only plans implementing plan.ForwardTracer (the
	// mark-compact family) schedule it.
	TraceKindForward
)

// objectQueueCapacity bounds one flush of the per-packet object queue; a
// full buffer becomes one child ProcessEdges packet.
const objectQueueCapacity = 512

// objectQueue accumulates newly-traced references inside a single
// ProcessEdges packet and flushes whenever it fills (or on final drain).
type objectQueue struct {
	buf    []addr.ObjectReference
	onFull func([]addr.ObjectReference)
}

func newObjectQueue(onFull func([]addr.ObjectReference)) *objectQueue {
	return &objectQueue{buf: make([]addr.ObjectReference, 0, objectQueueCapacity), onFull: onFull}
}

func (q *objectQueue) push(r addr.ObjectReference) {
	q.buf = append(q.buf, r)
	if len(q.buf) == cap(q.buf) {
		q.onFull(q.buf)
		q.buf = make([]addr.ObjectReference, 0, objectQueueCapacity)
	}
}

func (q *objectQueue) drain() {
	if len(q.buf) > 0 {
		q.onFull(q.buf)
		q.buf = nil
	}
}

// ProcessEdges is a slot-processing packet parameterised by the plan
// type, resolving trace dispatch at compile time instead of through a
// virtual call. Each
// packet owns a slice of slots: it loads each, traces the referent
// through the plan, and stores back the possibly-forwarded reference.
//
// Growth of the closure is driven by the spaces, not the packet: a
// space's TraceObject reports an object through Trace.Enqueue only on
// its first visit this cycle, and each full object-queue buffer of such
// first visits becomes one child packet scanning their outgoing slots.
// Re-traced objects are never re-enqueued, which is what makes the
// closure a fixpoint on cyclic graphs.
type ProcessEdges[P plan.Plan] struct {
	Plan   P
	Slots  []vm.Slot
	Model  vm.ObjectModel
	Scan   vm.Scanning
	TLS    vm.TLS
	Copy   space.CopyContext
	Bucket Bucket
	Kind   TraceKind
}

func (pe *ProcessEdges[P]) Execute(ctx *WorkerContext) {
	flush := func(refs []addr.ObjectReference) {
		var childSlots []vm.Slot
		for _, r := range refs {
			pe.Scan.ScanObject(pe.TLS, r, func(sl vm.Slot) {
				childSlots = append(childSlots, sl)
			})
		}
		if len(childSlots) > 0 {
			ctx.Post(pe.Bucket, &ProcessEdges[P]{
				Plan: pe.Plan, Slots: childSlots, Model: pe.Model,
				Scan: pe.Scan, TLS: pe.TLS, Copy: pe.Copy,
				Bucket: pe.Bucket, Kind: pe.Kind,
			})
		}
	}
	q := newObjectQueue(flush)
	t := &space.Trace{
		ObjectModel: pe.Model,
		Copy:        pe.Copy,
		WorkerID:    ctx.WorkerID,
		Enqueue:     q.push,
	}

	trace := pe.Plan.TraceObject
	if pe.Kind == TraceKindForward {
		if f, ok := any(pe.Plan).(plan.ForwardTracer); ok {
			trace = f.ForwardTraceObject
		}
	}

	for _, s := range pe.Slots {
		ref := s.Load()
		if ref.IsNull() {
			continue
		}
		newRef := trace(t, ref)
		if newRef != ref {
			s.Store(newRef)
		}
	}
	q.drain()
}

var _ Packet = (*ProcessEdges[plan.Plan])(nil)
