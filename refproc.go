package heapcore

import (
	"sync"
	"unsafe"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/scheduler"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

// refPlanOps is the slice of instance[P] the reference processor needs:
// liveness and forwarding resolution through the plan, and a way to grow
// the closure from inside a reference bucket. Narrowing it to an
// interface keeps refProcessor free of the instance's type parameter.
type refPlanOps interface {
	planIsLive(ref addr.ObjectReference) bool
	planForward(ref addr.ObjectReference) addr.ObjectReference
	postClosurePacket(ctx *scheduler.WorkerContext, slots []vm.Slot, scanning vm.Scanning)
}

// refProcessor owns the weak/phantom candidate tables and the
// finalization queue. Its hooks run as the seed packet
// of the WeakRefClosure / FinalRefClosure / PhantomRefClosure buckets,
// strictly after the ordinary closure has drained, so plan.IsLive is
// authoritative when they execute.
type refProcessor struct {
	ops  refPlanOps
	glue vm.ReferenceGlue

	mu       sync.Mutex
	weak     []addr.ObjectReference
	phantom  []addr.ObjectReference
	final    []addr.ObjectReference
	resCells []uintptr // resurrection slots for this cycle's dead finalizables
	ready    []addr.ObjectReference
}

func newRefProcessor(ops refPlanOps, glue vm.ReferenceGlue) *refProcessor {
	return &refProcessor{ops: ops, glue: glue}
}

func (r *refProcessor) addWeak(ref addr.ObjectReference) {
	r.mu.Lock()
	r.weak = append(r.weak, ref)
	r.mu.Unlock()
}

func (r *refProcessor) addPhantom(ref addr.ObjectReference) {
	r.mu.Lock()
	r.phantom = append(r.phantom, ref)
	r.mu.Unlock()
}

func (r *refProcessor) addFinalizer(ref addr.ObjectReference) {
	r.mu.Lock()
	r.final = append(r.final, ref)
	r.mu.Unlock()
}

func (r *refProcessor) popFinalized() addr.ObjectReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return addr.ObjectReference(0)
	}
	ref := r.ready[0]
	r.ready = r.ready[1:]
	return ref
}

// weakHook builds the WeakRefClosure bucket's packet body, or nil when
// the binding opted out of reference types entirely.
func (r *refProcessor) weakHook(opts options.Options) func(*scheduler.WorkerContext) {
	if opts.NoReferenceTypes || r.glue == nil {
		return nil
	}
	return func(*scheduler.WorkerContext) { r.weak = r.processTable(r.weak, true) }
}

func (r *refProcessor) phantomHook(opts options.Options) func(*scheduler.WorkerContext) {
	if opts.NoReferenceTypes || r.glue == nil {
		return nil
	}
	return func(*scheduler.WorkerContext) { r.phantom = r.processTable(r.phantom, false) }
}

// processTable walks one candidate table after the closure has settled:
// dead reference objects fall out of the table, surviving ones have
// their own reference forwarded, and their referent is either forwarded
// in place (still live) or cleared and handed to the binding's enqueue
// hook (dead). updateReferent distinguishes weak (referent readable
// until cleared) from phantom (never updated, only cleared) semantics.
func (r *refProcessor) processTable(table []addr.ObjectReference, updateReferent bool) []addr.ObjectReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := table[:0]
	for _, ref := range table {
		if !r.ops.planIsLive(ref) {
			continue
		}
		ref = r.ops.planForward(ref)
		referent := r.glue.GetReferent(ref)
		if referent.IsNull() {
			kept = append(kept, ref)
			continue
		}
		if r.ops.planIsLive(referent) {
			if updateReferent {
				r.glue.SetReferent(ref, r.ops.planForward(referent))
			}
			kept = append(kept, ref)
			continue
		}
		r.glue.ClearReferent(ref)
		r.glue.EnqueueForFinalization(ref)
		kept = append(kept, ref)
	}
	return kept
}

// finalHook builds the FinalRefClosure bucket's packet body: live
// finalizables just get their references forwarded; dead ones are
// resurrected by tracing them as fresh roots inside this bucket, so
// everything a finalizer can still reach survives the collection. The
// resurrected references are published
// to the ready queue once Release has run, when their slots hold the
// final post-collection addresses.
func (r *refProcessor) finalHook(opts options.Options, scanning vm.Scanning) func(*scheduler.WorkerContext) {
	if opts.NoFinalizer {
		return nil
	}
	return func(ctx *scheduler.WorkerContext) {
		r.mu.Lock()
		defer r.mu.Unlock()
		kept := r.final[:0]
		r.resCells = r.resCells[:0]
		for _, ref := range r.final {
			if r.ops.planIsLive(ref) {
				kept = append(kept, r.ops.planForward(ref))
				continue
			}
			r.resCells = append(r.resCells, uintptr(ref))
		}
		r.final = kept
		if len(r.resCells) == 0 {
			return
		}
		slots := make([]vm.Slot, len(r.resCells))
		for i := range r.resCells {
			slots[i] = vm.Slot(addr.FromPtr(unsafe.Pointer(&r.resCells[i])))
		}
		r.ops.postClosurePacket(ctx, slots, scanning)
	}
}

// pendingResurrectionSlots exposes this cycle's resurrection cells as
// extra root slots. A forwarding trace (mark-compact) must rewrite them
// like any other root, or the resurrected subgraph would keep its
// pre-slide addresses.
func (r *refProcessor) pendingResurrectionSlots() []vm.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := make([]vm.Slot, len(r.resCells))
	for i := range r.resCells {
		slots[i] = vm.Slot(addr.FromPtr(unsafe.Pointer(&r.resCells[i])))
	}
	return slots
}

// publishFinalized moves this cycle's resurrected objects to the ready
// queue, reading back the slots the resurrection trace rewrote. Runs
// from the controller's after-release hook.
func (r *refProcessor) publishFinalized() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cell := range r.resCells {
		r.ready = append(r.ready, addr.ObjectReference(cell))
	}
	r.resCells = r.resCells[:0]
}
