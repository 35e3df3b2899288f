// Package heapcore is the binding-facing facade: a pluggable
// memory-management toolkit a language runtime embeds instead of writing
// its own collector. It owns no threads and interprets no object
// contents itself; it only composes the internal/* packages around
// whichever vm.* contract implementations the binding supplies, a small
// set of entry points in front of the real machinery.
package heapcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/alloc"
	"github.com/heapcore/heapcore/internal/barrier"
	"github.com/heapcore/heapcore/internal/gcrequest"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
	"github.com/heapcore/heapcore/internal/plan"
	"github.com/heapcore/heapcore/internal/scheduler"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/internal/space"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

// maxCollectionRetries bounds how many times a failed allocation
// requests a fresh collection before Instance reports OOM to the
// binding.
const maxCollectionRetries = 2

// Plan is the subset of internal/plan.Plan every concrete plan this
// tree ships also implements: the allocator-selector table and
// mutator-allocator/barrier factories a plan needs to hand a binding
// don't belong on the scheduler-facing plan.Plan contract (plan.Plan is
// deliberately narrow), so heapcore widens it here with
// exactly the methods every one of the nine canonical plans already
// has.
type Plan interface {
	plan.Plan
	AllocatorSelectors() map[options.AllocationSemantics]alloc.Selector
	NewMutatorAllocators() map[alloc.Kind][]alloc.Allocator
	NewBarrier(sink barrier.Sink) barrier.Barrier
	ReservedPages() uintptr
}

// Bindings collects every vm.* contract a binding must supply at Init.
// ReferenceGlue is optional: a binding that passes
// options.NoReferenceTypes never needs one.
type Bindings struct {
	Collection    vm.Collection
	Scanning      vm.Scanning
	ObjectModel   vm.ObjectModel
	ActivePlan    vm.ActivePlan
	ReferenceGlue vm.ReferenceGlue
}

// Instance is the bound, running toolkit a binding holds onto after
// Init succeeds. Its methods mirror the C-ABI surface one to one;
// package capi is a thin shim over exactly these calls.
type Instance interface {
	Options() options.Options
	Bind(tls vm.TLS) *Mutator
	Destroy(m *Mutator)
	Alloc(m *Mutator, tls vm.TLS, size, align, offset uintptr, semantics options.AllocationSemantics) (addr.Address, error)
	HandleUserCollectionRequest(tls vm.TLS)
	IsInHeapSpaces(ref addr.ObjectReference) bool
	IsHeapObject(ref addr.ObjectReference) bool
	// Dump renders the instance's space-function table for diagnostics
	// (heapcorectl's layout command and sanity-violation reports both
	// use this).
	Dump() string
	EnableCollection()
	DisableCollection()
	InitializeCollection(tls vm.TLS)
	StartWorkers(ctx context.Context) *errgroup.Group
	Stop()

	// Reference-processing surface.
	// Candidates registered here are examined in the corresponding
	// closure buckets of every collection; GetFinalized pops one object
	// whose finalizer became runnable, or the null reference.
	AddWeakCandidate(ref addr.ObjectReference)
	AddPhantomCandidate(ref addr.ObjectReference)
	AddFinalizer(ref addr.ObjectReference)
	GetFinalized() addr.ObjectReference
}

var (
	initMu         sync.Mutex
	initialized    bool
	globalInstance Instance
)

// Init builds and installs the process-wide Instance, resolving opts.Plan
// into one of the nine concrete plan types. It is an error to call Init
// twice.
func Init(opts options.Options, b Bindings) (Instance, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return nil, mmtkerrors.BindingMisuse("mmtk_init called more than once")
	}
	inst, err := newInstance(opts, b)
	if err != nil {
		return nil, err
	}
	initialized = true
	globalInstance = inst
	return inst, nil
}

// Global returns the instance installed by Init, or nil if Init has not
// run yet. package capi uses this to recover the instance behind each
// exported call without threading a handle through the C ABI.
func Global() Instance { return globalInstance }

func newInstance(opts options.Options, b Bindings) (Instance, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	mmapper := mmap.NewMmapper()
	table := sft.NewTable(opts.Layout.HeapStart, uintptr(1)<<opts.Layout.LogAddressSpace)
	extent := uintptr(1) << opts.Layout.LogSpaceExtent
	if window := uintptr(1) << opts.Layout.LogAddressSpace; extent > window {
		extent = window
	}
	start := opts.Layout.HeapStart

	numWorkers := opts.Threads
	if numWorkers <= 0 {
		numWorkers = 1
	}

	// limiter is handed to every space at construction time, before the
	// instance that will actually answer PollForGC exists yet; bind()
	// patches in the real target once buildInstance has built it. The
	// heap decides when to collect, and that decision needs the heap to
	// already exist, hence the two-step wiring.
	limiter := &heapLimiterShim{}

	switch opts.Plan {
	case options.PlanNoGC:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewNoGC(start, extent, mmapper, table, limiter))
	case options.PlanSemiSpace:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewSemiSpace(start, extent, mmapper, table, limiter))
	case options.PlanImmix:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewImmix(start, extent, mmapper, table, limiter))
	case options.PlanGenCopy:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewGenCopy(start, extent, mmapper, table, limiter))
	case options.PlanGenImmix:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewGenImmix(start, extent, mmapper, table, limiter))
	case options.PlanStickyImmix:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewStickyImmix(start, extent, mmapper, table, limiter))
	case options.PlanMarkSweep:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewMarkSweep(start, extent, mmapper, table, limiter))
	case options.PlanMarkCompact:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewMarkCompact(start, extent, mmapper, table, limiter, b.ObjectModel))
	case options.PlanPageProtect:
		return buildInstance(opts, b, numWorkers, limiter,
			plan.NewPageProtect(start, extent, mmapper, table, limiter))
	default:
		return nil, mmtkerrors.ConfigInvalid("options: unknown plan " + string(opts.Plan))
	}
}

// heapLimiterShim defers to whatever HeapLimiter is bound after
// construction, letting every space be built with a live limiter
// instead of nil even though the instance they'd otherwise poll doesn't
// exist until after every space does.
type heapLimiterShim struct {
	mu     sync.Mutex
	target space.HeapLimiter
}

func (h *heapLimiterShim) bind(target space.HeapLimiter) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
}

func (h *heapLimiterShim) resolve() space.HeapLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

func (h *heapLimiterShim) PollForGC(bytesRequested uintptr) bool {
	if target := h.resolve(); target != nil {
		return target.PollForGC(bytesRequested)
	}
	return false
}

func (h *heapLimiterShim) PollBeforePageAcquire(bytesRequested uintptr) bool {
	if target := h.resolve(); target != nil {
		return target.PollBeforePageAcquire(bytesRequested)
	}
	return false
}

// buildInstance finishes wiring a concrete plan P into a running
// instance[P] and binds limiter to it so every space it registered can
// now trigger a real collection on exhaustion.
func buildInstance[P Plan](opts options.Options, b Bindings, numWorkers int, limiter *heapLimiterShim, p P) (Instance, error) {
	inst := &instance[P]{
		opts:  opts,
		plan:  p,
		sched: scheduler.New(numWorkers),
		sink:  newRemSetSink(),
	}
	inst.collection = b.Collection
	inst.activePlan = b.ActivePlan
	inst.model = b.ObjectModel
	inst.copy = newCopyContext()
	inst.refs = newRefProcessor(inst, b.ReferenceGlue)
	inst.ctrl = gcrequest.NewController(gcrequest.Config[P]{
		Scheduler:          inst.sched,
		Plan:               p,
		Collection:         b.Collection,
		Scanning:           &scanningWithRemSet{Scanning: b.Scanning, sink: inst.sink, extraRoots: inst.refs.pendingResurrectionSlots},
		ObjectModel:        b.ObjectModel,
		Copy:               inst.copy,
		Affinity:           opts.Affinity,
		PrepareMutators:    inst.prepareMutators,
		AfterRelease:       inst.afterRelease,
		ProcessWeakRefs:    inst.refs.weakHook(opts),
		ProcessFinalRefs:   inst.refs.finalHook(opts, b.Scanning),
		ProcessPhantomRefs: inst.refs.phantomHook(opts),
	})
	limiter.bind(inst)
	return inst, nil
}

// instance is the generic Instance implementation, parameterised over
// the concrete plan type chosen at Init. P is resolved once inside
// newInstance's switch and never changes for the instance's lifetime,
// so every ProcessEdges packet the controller builds dispatches through
// P at compile time.
type instance[P Plan] struct {
	opts       options.Options
	plan       P
	sched      *scheduler.Scheduler
	ctrl       *gcrequest.Controller[P]
	sink       *remSetSink
	refs       *refProcessor
	copy       *copyContext
	model      vm.ObjectModel
	collection vm.Collection
	activePlan vm.ActivePlan
	collecting atomic.Bool

	mu       sync.Mutex
	mutators []*Mutator
}

func (m *instance[P]) Options() options.Options { return m.opts }

func (m *instance[P]) Bind(tls vm.TLS) *Mutator {
	mu := &Mutator{
		tls:        tls,
		allocators: m.plan.NewMutatorAllocators(),
		selectors:  m.plan.AllocatorSelectors(),
		barrier:    m.plan.NewBarrier(m.sink),
	}
	m.mu.Lock()
	m.mutators = append(m.mutators, mu)
	m.mu.Unlock()
	return mu
}

func (m *instance[P]) Destroy(mu *Mutator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.mutators {
		if x == mu {
			m.mutators = append(m.mutators[:i], m.mutators[i+1:]...)
			return
		}
	}
}

// prepareMutators runs from the Prepare bucket, while the world is
// stopped: it flushes every mutator's barrier modbuf into the remembered
// set and drops every thread-local allocation buffer, since the spaces
// behind them are about to flip, sweep or compact.
func (m *instance[P]) prepareMutators() {
	m.copy.Reset()
	m.mu.Lock()
	mutators := append([]*Mutator(nil), m.mutators...)
	m.mu.Unlock()
	// The world is stopped here, so the binding's mutator census and
	// this instance's must agree; a mismatch means a thread was bound or
	// destroyed outside the BindMutator/DestroyMutator protocol.
	if m.activePlan != nil && m.activePlan.NumMutators() != len(mutators) {
		logrus.WithFields(logrus.Fields{
			"binding_mutators": m.activePlan.NumMutators(),
			"bound_mutators":   len(mutators),
		}).Warn("mutator census mismatch at GC prepare")
	}
	for _, mu := range mutators {
		mu.barrier.Flush()
		mu.resetAllocators()
	}
}

// mutatorRebinder is implemented by plans that report which allocator
// slots need repointing at a new space once Release has picked the next
// cycle's target (SemiSpace's flip-flop copyspace pair).
// Plans with nothing to rebind (no copying, or a copying target that
// never changes identity) simply don't implement it.
type mutatorRebinder interface {
	RebindTargets() []alloc.RebindTarget
}

// afterRelease runs from the Release bucket, after the plan has decided
// the next cycle's allocation targets: it repoints mutator allocators
// whose bound space changed identity and publishes this cycle's
// resurrected finalizables to the finalization queue.
func (m *instance[P]) afterRelease() {
	m.rebindMutators()
	m.refs.publishFinalized()
}

// rebindMutators applies every RebindTarget the plan reports to each
// bound mutator.
func (m *instance[P]) rebindMutators() {
	r, ok := any(m.plan).(mutatorRebinder)
	if !ok {
		return
	}
	targets := r.RebindTargets()
	if len(targets) == 0 {
		return
	}
	m.mu.Lock()
	mutators := append([]*Mutator(nil), m.mutators...)
	m.mu.Unlock()
	for _, mu := range mutators {
		for _, t := range targets {
			mu.RebindCopySpace(t.Kind, t.Index, t.Space, t.RefillSize)
		}
	}
}

// isHeapOOM reports whether err is the retryable heap-exhaustion kind; a
// mmap-level failure or a binding misuse is surfaced as-is.
func isHeapOOM(err error) bool {
	var ae *mmtkerrors.AllocationError
	return errors.As(err, &ae) && ae.Kind == mmtkerrors.HeapOutOfMemory
}

// Alloc satisfies size/align/offset out of the allocator the semantics
// selects, retrying through collection up to maxCollectionRetries times
// before reporting OOM to the binding. The first retry asks for a nursery-only cycle; if that
// didn't free enough to satisfy this allocation the nursery is
// considered full and every subsequent
// retry forces a full-heap trace instead.
func (m *instance[P]) Alloc(mu *Mutator, tls vm.TLS, size, align, offset uintptr, semantics options.AllocationSemantics) (addr.Address, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		a, err := mu.alloc(semantics, size, align, offset)
		if err == nil && !a.IsZero() {
			return a, nil
		}
		if err != nil && !isHeapOOM(err) {
			return addr.Zero, err
		}
		lastErr = err
		if !m.collecting.Load() || attempt >= maxCollectionRetries {
			break
		}
		if m.collection != nil {
			m.collection.BlockForGC(tls)
		}
		if attempt == 0 {
			m.ctrl.CollectNow(tls)
		} else {
			m.ctrl.CollectFullNow(tls)
		}
	}
	if m.collection != nil {
		m.collection.OutOfMemory(tls, int(mmtkerrors.HeapOutOfMemory))
	}
	if lastErr == nil {
		lastErr = &mmtkerrors.AllocationError{Kind: mmtkerrors.HeapOutOfMemory, Size: size}
	}
	return addr.Zero, lastErr
}

// HandleUserCollectionRequest drives an explicit user collection request
// straight to a full-heap trace: an explicit request always promotes a
// generational plan, and a non-generational plan ignores
// the flag since it traces everything every cycle regardless.
func (m *instance[P]) HandleUserCollectionRequest(tls vm.TLS) {
	m.ctrl.CollectFullNow(tls)
}

// collectionDecider is implemented by plans that can veto a heap-trigger
// collection outright; NoGC's CollectionRequired is always false, so its exhaustion failures surface immediately instead of
// paying for a pointless pause first.
type collectionDecider interface {
	CollectionRequired(bytesRequested uintptr) bool
}

func (m *instance[P]) wantsCollection(bytesRequested uintptr) bool {
	if !m.collecting.Load() || m.ctrl.Collecting() {
		return false
	}
	if d, ok := any(m.plan).(collectionDecider); ok && !d.CollectionRequired(bytesRequested) {
		return false
	}
	return true
}

// PollForGC satisfies space.HeapLimiter: a space calls this from inside
// Acquire when it can't satisfy a request out of its page budget. A
// true answer makes the acquire surface a retryable failure; the
// collection itself runs from the Alloc slow path above, which then
// retries through the mutator's rebound allocator. A poll arriving from
// inside a running collection (a copy context exhausting its
// destination) is declined: that failure is fatal upstream, never a
// second collection.
func (m *instance[P]) PollForGC(bytesRequested uintptr) bool {
	return m.wantsCollection(bytesRequested)
}

// PollBeforePageAcquire fires the configured heap trigger before a page
// resource grows: with a FixedHeapSize trigger, crossing the configured
// byte budget forces a collection even though the space's virtual
// extent still has room.
func (m *instance[P]) PollBeforePageAcquire(bytesRequested uintptr) bool {
	if m.opts.GCTrigger.Kind != options.TriggerFixedHeapSize {
		return false
	}
	reserved := m.plan.ReservedPages() * addr.BytesInPage
	if reserved+bytesRequested <= m.opts.GCTrigger.Bytes {
		return false
	}
	return m.wantsCollection(bytesRequested)
}

// spaceLister is satisfied by every concrete plan through plan.Base; it
// backs the is-in-heap fallback for malloc-backed spaces, whose cells
// live outside the SFT's window.
type spaceLister interface {
	Spaces() []space.Space
}

func (m *instance[P]) IsInHeapSpaces(ref addr.ObjectReference) bool {
	if m.plan.SFT().Covers(ref.Address()) {
		return m.plan.SFT().Lookup(ref.Address()) != nil
	}
	if l, ok := any(m.plan).(spaceLister); ok {
		for _, sp := range l.Spaces() {
			if sp.InSpace(ref) {
				return true
			}
		}
	}
	return false
}

// IsHeapObject answers is_mmtk_object: the address must fall in an owned
// region (which guarantees its metadata shadow is mapped) and carry the
// valid-object bit a post-alloc set there.
func (m *instance[P]) IsHeapObject(ref addr.ObjectReference) bool {
	if !m.IsInHeapSpaces(ref) {
		return false
	}
	return sidemetadata.ValidObjectBit.Load(ref.Address()) != 0
}

func (m *instance[P]) Dump() string { return m.plan.SFT().Dump() }

func (m *instance[P]) EnableCollection()  { m.collecting.Store(true) }
func (m *instance[P]) DisableCollection() { m.collecting.Store(false) }

// InitializeCollection starts the controller's request loop on a fresh
// goroutine and enables collection; the binding calls this once after
// BindMutator has registered its first mutator.
func (m *instance[P]) InitializeCollection(tls vm.TLS) {
	m.EnableCollection()
	go m.ctrl.Run(tls)
}

func (m *instance[P]) StartWorkers(ctx context.Context) *errgroup.Group {
	return m.ctrl.StartWorkers(ctx)
}

func (m *instance[P]) Stop() { m.ctrl.Stop() }

func (m *instance[P]) AddWeakCandidate(ref addr.ObjectReference)    { m.refs.addWeak(ref) }
func (m *instance[P]) AddPhantomCandidate(ref addr.ObjectReference) { m.refs.addPhantom(ref) }
func (m *instance[P]) AddFinalizer(ref addr.ObjectReference)        { m.refs.addFinalizer(ref) }
func (m *instance[P]) GetFinalized() addr.ObjectReference           { return m.refs.popFinalized() }

// refPlanOps adapts instance[P] for the reference processor, which can't
// be generic over P itself without infecting every call site.
func (m *instance[P]) planIsLive(ref addr.ObjectReference) bool { return m.plan.IsLive(ref) }

func (m *instance[P]) planForward(ref addr.ObjectReference) addr.ObjectReference {
	t := &space.Trace{ObjectModel: m.model, Copy: m.copy}
	return m.plan.TraceObject(t, ref)
}

func (m *instance[P]) postClosurePacket(ctx *scheduler.WorkerContext, slots []vm.Slot, scanning vm.Scanning) {
	ctx.Post(scheduler.BucketFinalRefClosure, &scheduler.ProcessEdges[P]{
		Plan:   m.plan,
		Slots:  slots,
		Model:  m.model,
		Scan:   scanning,
		Copy:   m.copy,
		Bucket: scheduler.BucketFinalRefClosure,
		Kind:   scheduler.TraceKindMark,
	})
}

var (
	_ Instance          = (*instance[Plan])(nil)
	_ space.HeapLimiter = (*instance[Plan])(nil)
	_ space.HeapLimiter = (*heapLimiterShim)(nil)
)
