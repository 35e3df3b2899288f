package gcrequest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/heapcore/heapcore/internal/plan"
	"github.com/heapcore/heapcore/internal/scheduler"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

// Config wires a Controller to the plan it drives, the scheduler that
// executes its phases, and the binding callbacks the phase protocol
// needs. P is resolved at compile time so every ProcessEdges packet the
// controller creates dispatches through the plan without a virtual
// call.
type Config[P plan.Plan] struct {
	Scheduler   *scheduler.Scheduler
	Plan        P
	Collection  vm.Collection
	Scanning    vm.Scanning
	ObjectModel vm.ObjectModel
	Copy        space.CopyContext

	// Affinity pins GC worker goroutines' threads per the configured
	// policy; OsDefault leaves scheduling to the kernel.
	Affinity options.Affinity

	// PrepareMutators runs at Prepare, flushing every mutator's barrier
	// modbuf and dropping its thread-local allocation buffers before
	// root scanning starts. heapcore supplies this; gcrequest has no Mutator type of
	// its own to avoid an import cycle with the package that owns
	// mutator lifecycle.
	PrepareMutators func()

	// AfterRelease runs once Plan.Release has decided the next cycle's
	// allocation targets, letting a flip-flop plan repoint every bound
	// mutator's allocator at its new to-space and the
	// reference processor publish this cycle's finalizable objects.
	// Optional.
	AfterRelease func()

	// The reference-processing hooks run as the sole packet of their
	// bucket; each receives the worker context so it can post follow-on
	// closure packets (finalizer resurrection) into the same bucket. A
	// plan or binding with no reference work leaves them nil and the
	// bucket runs empty, which still preserves the total ordering
	// between buckets.
	ProcessWeakRefs    func(ctx *scheduler.WorkerContext)
	ProcessFinalRefs   func(ctx *scheduler.WorkerContext)
	ProcessPhantomRefs func(ctx *scheduler.WorkerContext)
	ProcessVMRefs      func(ctx *scheduler.WorkerContext)
}

// Controller is the single thread that owns global collection phase
// state.
type Controller[P plan.Plan] struct {
	cfg   Config[P]
	req   *Requester
	runID uuid.UUID
	log   *logrus.Entry

	// gcMu serializes collections regardless of which entry point asked
	// for one (the request loop, or a mutator collecting synchronously
	// from its allocation slow path); inGC lets the allocation machinery
	// recognize a reentrant poll from inside a collection and decline it.
	gcMu sync.Mutex
	inGC atomic.Bool
}

// NewController builds a controller for cfg, stamping every log line
// with a fresh per-process run ID so concurrent heapcore instances in
// the same log stream (e.g. under a test harness) stay distinguishable.
func NewController[P plan.Plan](cfg Config[P]) *Controller[P] {
	id := uuid.New()
	return &Controller[P]{
		cfg:   cfg,
		req:   NewRequester(),
		runID: id,
		log:   logrus.WithField("gc_run", id.String()),
	}
}

func (c *Controller[P]) Requester() *Requester { return c.req }

// Collecting reports whether a collection is running right now, used by
// the allocation slow path to refuse a GC-within-GC: a copy context
// exhausting its destination mid-copy must surface as a fatal error,
// not recurse into a second collection.
func (c *Controller[P]) Collecting() bool { return c.inGC.Load() }

// StartWorkers launches one goroutine per scheduler worker under an
// errgroup, so a worker panic is captured as an error on the group
// instead of crashing the process. Callers should hold onto the returned
// group and call Wait after Stop to observe any worker failure.
func (c *Controller[P]) StartWorkers(ctx context.Context) *errgroup.Group {
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Scheduler.NumWorkers(); i++ {
		id := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithFields(logrus.Fields{"worker": id, "panic": r}).Error("gc worker panicked")
					err = fmt.Errorf("gc worker %d panicked: %v", id, r)
				}
			}()
			c.applyAffinity(id)
			c.cfg.Scheduler.RunWorker(id)
			return nil
		})
	}
	return g
}

// applyAffinity pins the calling worker's thread per the configured
// policy. Failures are logged and ignored: a
// binding running inside a cpuset-restricted container may not be
// allowed to pin at all, and that must not kill the worker.
func (c *Controller[P]) applyAffinity(worker int) {
	a := c.cfg.Affinity
	if a.Kind == options.AffinityOsDefault || len(a.CPUs) == 0 {
		return
	}
	var set unix.CPUSet
	switch a.Kind {
	case options.AffinityAllInSet:
		for _, cpu := range a.CPUs {
			set.Set(cpu)
		}
	case options.AffinityRoundRobin:
		set.Set(a.CPUs[worker%len(a.CPUs)])
	default:
		return
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		c.log.WithFields(logrus.Fields{"worker": worker, "error": err}).Warn("could not set worker affinity")
	}
}

// Stop wakes every parked worker and the controller's own request loop
// so Run and the errgroup from StartWorkers both return.
func (c *Controller[P]) Stop() {
	c.cfg.Scheduler.Stop()
	c.req.Shutdown()
}

// RequestCollection asks the controller to run a nursery-only collection
// (for a non-generational plan, its only kind of collection); concurrent
// callers coalesce into a single run.
func (c *Controller[P]) RequestCollection() {
	c.req.Request()
}

// RequestFullCollection asks the controller to run a collection that
// promotes to a full-heap trace, the way an explicit user collection
// request always does. Coalesces with any other pending request the
// same way RequestCollection does.
func (c *Controller[P]) RequestFullCollection() {
	c.req.RequestFull()
}

// Run is the controller loop: wait for a request, run one collection,
// rearm. It returns once Stop has been called.
func (c *Controller[P]) Run(tls vm.TLS) {
	for {
		_, fullHeap, stop := c.req.wait()
		if stop {
			return
		}
		c.collect(tls, fullHeap)
	}
}

// CollectNow runs a single nursery-only collection synchronously on the
// calling goroutine, bypassing the request queue (callers that need
// synchronous semantics — the allocation slow path — use this instead
// of RequestCollection). A non-generational plan traces its whole heap
// every cycle regardless of the flag, since it never implements
// fullHeapSetter.
func (c *Controller[P]) CollectNow(tls vm.TLS) {
	c.collect(tls, false)
}

// CollectFullNow is CollectNow but promotes to a full-heap trace, for
// an explicit user collection request or a retry after a nursery-only
// collection failed to free enough space for the allocation that
// triggered it.
func (c *Controller[P]) CollectFullNow(tls vm.TLS) {
	c.collect(tls, true)
}

// fullHeapSetter is implemented by generational plans, which run two
// nested state machines (nursery-only vs full-heap) and need to know
// before Prepare which one this cycle is. Non-generational plans always
// trace everything and don't implement it.
type fullHeapSetter interface {
	SetFullHeap(full bool)
}

// forwardingPlan is implemented by plans that need a second,
// slot-rewriting trace between the closure buckets and Release (the
// mark-compact family): PrepareForwarding assigns post-compaction
// addresses, then the controller re-walks the roots with
// TraceKindForward packets.
type forwardingPlan interface {
	plan.ForwardTracer
	PrepareForwarding()
}

// collect drives one full pass through the phase protocol:
// ScheduleCollection stops the world, then Prepare, Closure, the
// reference-processing buckets, Release, and finally Final resumes
// mutators. Bucket N+1 never opens until bucket N has fully drained.
func (c *Controller[P]) collect(tls vm.TLS, fullHeap bool) {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()
	c.inGC.Store(true)
	defer c.inGC.Store(false)

	log := c.log.WithField("phase", "collect")
	log.WithField("full_heap", fullHeap).Info("collection starting")

	c.cfg.Scheduler.RunCoordinatorPacket(stopTheWorldPacket[P]{c, tls})

	if setter, ok := any(c.cfg.Plan).(fullHeapSetter); ok {
		setter.SetFullHeap(fullHeap)
	}

	c.cfg.Scheduler.RunBucket(scheduler.BucketPrepare, []scheduler.Packet{preparePacket[P]{c}})

	c.cfg.Scheduler.RunBucket(scheduler.BucketClosure, c.rootPackets(tls, scheduler.TraceKindMark))

	c.runRefBucket(scheduler.BucketWeakRefClosure, c.cfg.ProcessWeakRefs)
	c.runRefBucket(scheduler.BucketFinalRefClosure, c.cfg.ProcessFinalRefs)
	c.runRefBucket(scheduler.BucketPhantomRefClosure, c.cfg.ProcessPhantomRefs)
	c.runRefBucket(scheduler.BucketVMRefClosure, c.cfg.ProcessVMRefs)

	if fp, ok := any(c.cfg.Plan).(forwardingPlan); ok {
		fp.PrepareForwarding()
		c.cfg.Scheduler.RunBucket(scheduler.BucketRelease, c.rootPackets(tls, scheduler.TraceKindForward))
	}

	c.cfg.Scheduler.RunBucket(scheduler.BucketRelease, []scheduler.Packet{releasePacket[P]{c}})

	c.cfg.Scheduler.RunCoordinatorPacket(resumeWorldPacket[P]{c, tls})
	log.Info("collection finished")
}

// rootPackets asks the binding to enumerate roots into ProcessEdges
// packets of the given kind.
func (c *Controller[P]) rootPackets(tls vm.TLS, kind scheduler.TraceKind) []scheduler.Packet {
	var packets []scheduler.Packet
	factory := &rootsFactory[P]{dst: &packets, c: c, tls: tls, kind: kind}
	c.cfg.Scanning.ScanRoots(tls, factory)
	return packets
}

func (c *Controller[P]) runRefBucket(b scheduler.Bucket, hook func(ctx *scheduler.WorkerContext)) {
	if hook == nil {
		c.cfg.Scheduler.RunBucket(b, nil)
		return
	}
	c.cfg.Scheduler.RunBucket(b, []scheduler.Packet{refClosurePacket[P]{hook}})
}

// rootsFactory adapts the binding's root-scanning callback into
// ProcessEdges[P] packets for the current trace.
type rootsFactory[P plan.Plan] struct {
	dst  *[]scheduler.Packet
	c    *Controller[P]
	tls  vm.TLS
	kind scheduler.TraceKind
}

func (f *rootsFactory[P]) CreateProcessEdgesWork(slots []vm.Slot) {
	bucket := scheduler.BucketClosure
	if f.kind == scheduler.TraceKindForward {
		bucket = scheduler.BucketRelease
	}
	*f.dst = append(*f.dst, &scheduler.ProcessEdges[P]{
		Plan:   f.c.cfg.Plan,
		Slots:  slots,
		Model:  f.c.cfg.ObjectModel,
		Scan:   f.c.cfg.Scanning,
		TLS:    f.tls,
		Copy:   f.c.cfg.Copy,
		Bucket: bucket,
		Kind:   f.kind,
	})
}

var _ vm.RootsFactory = (*rootsFactory[plan.Plan])(nil)

// stopTheWorldPacket is the coordinator-only packet every collection
// starts with: it stops the world, via the binding, before any bucket
// opens.
type stopTheWorldPacket[P plan.Plan] struct {
	c   *Controller[P]
	tls vm.TLS
}

func (p stopTheWorldPacket[P]) Execute(*scheduler.WorkerContext) {
	p.c.cfg.Collection.StopAllMutators(p.tls)
}

type resumeWorldPacket[P plan.Plan] struct {
	c   *Controller[P]
	tls vm.TLS
}

func (p resumeWorldPacket[P]) Execute(*scheduler.WorkerContext) {
	p.c.cfg.Collection.ResumeMutators(p.tls)
}

// preparePacket runs every space's Prepare hook and flushes mutator
// modbufs before root scanning starts.
type preparePacket[P plan.Plan] struct{ c *Controller[P] }

func (p preparePacket[P]) Execute(*scheduler.WorkerContext) {
	p.c.cfg.Plan.Prepare()
	if p.c.cfg.PrepareMutators != nil {
		p.c.cfg.PrepareMutators()
	}
}

type releasePacket[P plan.Plan] struct{ c *Controller[P] }

func (p releasePacket[P]) Execute(*scheduler.WorkerContext) {
	p.c.cfg.Plan.Release()
	if p.c.cfg.AfterRelease != nil {
		p.c.cfg.AfterRelease()
	}
}

// refClosurePacket runs one of the reference-processing hooks
// (weak/final/phantom/vm) as the seed packet of its bucket.
type refClosurePacket[P plan.Plan] struct {
	hook func(ctx *scheduler.WorkerContext)
}

func (p refClosurePacket[P]) Execute(ctx *scheduler.WorkerContext) {
	p.hook(ctx)
}
