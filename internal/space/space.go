// Package space implements the per-region allocation and tracing
// policies: immortal, copy, large-object (treadmill),
// malloc, immix, mark-compact and page-protect. Every policy implements
// the common Space contract; plans compose spaces into a complete GC
// algorithm.
package space

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/vm"
)

// HeapLimiter lets a space ask the owning plan whether exhausting its
// page budget should trigger a collection or fail outright. Plans
// implement this and hand themselves to every space they own; spaces
// never reach back into a concrete plan type, only this interface: a
// narrow capability instead of a raw back-pointer.
type HeapLimiter interface {
	// PollForGC is called when a space's acquire() would exceed its page
	// budget. True means a collection could reclaim space: the acquire
	// surfaces a retryable failure (addr.Zero with a nil error) and the
	// allocation slow path above runs the collection and retries through
	// the mutator's — possibly rebound — allocator. False means fail
	// outright (collection disabled, or a plan like NoGC that never
	// collects).
	PollForGC(bytesRequested uintptr) bool
	// PollBeforePageAcquire is consulted before every page-resource
	// request: true means the plan's configured heap trigger (e.g. a
	// fixed heap size smaller than the virtual extents) has fired and a
	// collection should run before this request commits more pages; the
	// acquire surfaces the same retryable failure as PollForGC.
	PollBeforePageAcquire(bytesRequested uintptr) bool
}

// CopyContext is a worker-local allocator used only to copy live objects
// during GC. Moving spaces obtain one
// from the calling worker instead of allocating via the mutator path.
// dst names which destination space to bump-allocate into, since a
// single shared CopyContext serves every moving space in a plan (the
// to-space half of a Copy pair, or an Immix space evacuating into its
// own fresh blocks) and has no way to infer the destination from bytes
// alone.
type CopyContext interface {
	AllocCopy(dst Space, bytes, align, offset uintptr) addr.Address
	PostCopy(dst Space, ref addr.ObjectReference, bytes uintptr)
}

// Trace is the GC-time context passed into TraceObject: it lets a space
// consult the object model for copying, obtain a copy context when it
// decides to move an object, and report each object it reaches for the
// first time this cycle so the caller's closure can grow.
type Trace struct {
	ObjectModel vm.ObjectModel
	Copy        CopyContext
	// WorkerID distinguishes concurrent callers only for diagnostics.
	WorkerID int
	// Enqueue receives every object a TraceObject call marks or forwards
	// for the first time this cycle — and only those, which is what keeps
	// the transitive closure finite on cyclic graphs: an object whose
	// mark/forwarding state was already set is returned without being
	// re-enqueued. Nil when the caller only wants the forwarded
	// reference (reference-glue lookups), never during a closure.
	Enqueue func(addr.ObjectReference)
}

// ReportFirstVisit forwards ref to the trace's enqueue hook, if any.
func (t *Trace) ReportFirstVisit(ref addr.ObjectReference) {
	if t.Enqueue != nil {
		t.Enqueue(ref)
	}
}

// Space is the contract every region policy implements.
type Space interface {
	Name() string
	// Acquire reserves and commits bytes worth of pages and returns
	// their start, or addr.Zero on failure. On a heap-limit breach it
	// asks its HeapLimiter whether to retry after a GC or fail.
	Acquire(bytes uintptr) (addr.Address, error)
	InSpace(ref addr.ObjectReference) bool
	// TraceObject marks (non-moving) or forwards/copies (moving) ref and
	// returns the reference to use from now on. At-most-once forwarding
	// per object per collection is the space's responsibility, as is
	// reporting exactly the first visit through t.ReportFirstVisit.
	TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference
	// IsLive reports whether ref survived the current collection's
	// closure: marked for a non-moving policy, forwarded for a moving
	// one. Reference processing consults this after Closure drains and
	// before anything is reclaimed.
	IsLive(ref addr.ObjectReference) bool
	Prepare()
	Release()
	ReservedPages() uintptr
	CommittedPages() uintptr
}

// Base is embedded by every concrete space; it owns the bookkeeping
// common to all seven policies (name, SFT registration, mmapper, heap
// limiter) so each policy only implements the parts of the
// contract its algorithm actually differs on.
type Base struct {
	name      string
	mu        sync.Mutex
	start     addr.Address
	extent    uintptr
	mmapper   *mmap.Mmapper
	sftTable  *sft.Table
	limiter   HeapLimiter
	committed uintptr // bytes, not pages; no space in this tree updates it
	log       *logrus.Entry
}

// NewBase wires the bookkeeping common to every space. start/extent
// describe the virtual range this space may grow into (for
// discontiguous spaces this is the ceiling on total chunks it may ever
// claim, not a single contiguous reservation).
func NewBase(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter) Base {
	return Base{
		name:     name,
		start:    start,
		extent:   extent,
		mmapper:  mmapper,
		sftTable: table,
		limiter:  limiter,
		log:      logrus.WithField("space", name),
	}
}

func (b *Base) Name() string { return b.name }

// registerChunks records ownership of every chunk covering [start,
// start+n) in the SFT, commits the side-metadata table slices shadowing
// the range, and logs the extension at debug level.
func (b *Base) registerChunks(entry sft.Entry, start addr.Address, n uintptr) error {
	for c := addr.ChunkAlign(start); c < start.Add(n); c = c.Add(addr.ChunkSize) {
		if err := b.sftTable.SetChunk(c, entry); err != nil {
			return err
		}
	}
	if err := sidemetadata.MapRange(b.mmapper.EnsureMapped, start, n); err != nil {
		return err
	}
	b.log.WithFields(logrus.Fields{"start": fmt.Sprintf("%#x", uintptr(start)), "bytes": n}).Debug("space extended")
	return nil
}

// pollOrFail brackets a page-resource request with the plan's two heap
// polls: the pre-acquire poll fires the configured heap trigger even
// when the virtual extent still has room, and the post-failure poll
// decides whether a genuine extent exhaustion is worth a collection.
// Either way the caller sees addr.Zero with a nil error — "collect,
// then retry through your allocator" — never a retry against this
// space's own page resource, whose role (to-space, from-space, swept)
// may be about to change under the collection.
func pollOrFail(limiter HeapLimiter, bytesRequested uintptr, get func() (addr.Address, error)) (addr.Address, error) {
	if limiter != nil && limiter.PollBeforePageAcquire(bytesRequested) {
		return addr.Zero, nil
	}
	a, err := get()
	if err == nil {
		return a, nil
	}
	if limiter != nil && limiter.PollForGC(bytesRequested) {
		return addr.Zero, nil
	}
	return addr.Zero, err
}

func (b *Base) ReservedPagesFrom(r pages.Resource) uintptr  { return r.ReservedPages() }
func (b *Base) CommittedPagesFrom(r pages.Resource) uintptr { return r.CommittedPages() }
func (b *Base) Extent() uintptr                             { return b.extent }
func (b *Base) StartAddr() addr.Address                     { return b.start }
func (b *Base) Mmapper() *mmap.Mmapper                      { return b.mmapper }
func (b *Base) SFT() *sft.Table                             { return b.sftTable }
func (b *Base) Logger() *logrus.Entry                       { return b.log }
