package space

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// MarkCompact implements the two-phase compaction algorithm: a mark +
// calculate-forward pass does a linear scan assigning each live object
// its post-compaction address (stored in the forwarding side table),
// then a second pass rewrites slot values through ForwardedAddress and
// slides live objects down to their calculated address.
//
// Unlike Copy, MarkCompact never allocates into a second semispace: the
// compaction happens in place, which is why the algorithm needs two
// full-heap passes instead of one.
type MarkCompact struct {
	Base
	pr   *pages.Monotone
	mark sidemetadata.Spec
	fwd  sidemetadata.Spec

	mu         sync.Mutex
	liveStart  []addr.Address // object-start addresses observed during mark
	compactEnd addr.Address   // first free address after the last slide
}

// NewMarkCompact builds a mark-compact space covering [start,
// start+extent).
func NewMarkCompact(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter, markBits, fwd sidemetadata.Spec) *MarkCompact {
	return &MarkCompact{
		Base: NewBase(name, start, extent, mmapper, table, limiter),
		pr:   pages.NewMonotone(mmapper, start, extent),
		mark: markBits,
		fwd:  fwd,
	}
}

func (s *MarkCompact) Acquire(bytes uintptr) (addr.Address, error) {
	npages := addr.BytesToPages(bytes)
	a, err := pollOrFail(s.limiter, bytes, func() (addr.Address, error) { return s.pr.GetNewPages(npages) })
	if err != nil || a.IsZero() {
		return addr.Zero, err
	}
	if err := s.registerChunks(s, a, npages*addr.BytesInPage); err != nil {
		return addr.Zero, err
	}
	return a, nil
}

func (s *MarkCompact) InSpace(ref addr.ObjectReference) bool {
	a := ref.Address()
	return a >= s.StartAddr() && a < s.StartAddr().Add(s.Extent())
}

// TraceObject, during the mark + calculate-forward pass, marks ref and
// records it as live; the actual new address isn't assigned until
// CalculateForwardingAddresses runs over the full liveStart list (it
// must see every survivor before it can compute slide targets), so
// TraceObject itself always returns ref unchanged — slots are only
// rewritten to forwarded addresses in the second, forwarding trace.
func (s *MarkCompact) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	if s.mark.CAS(ref.Address(), 0, 1) {
		s.mu.Lock()
		s.liveStart = append(s.liveStart, ref.Address())
		s.mu.Unlock()
		t.ReportFirstVisit(ref)
	}
	return ref
}

func (s *MarkCompact) IsLive(ref addr.ObjectReference) bool {
	return s.mark.Load(ref.Address()) != 0
}

// CalculateForwardingAddresses performs the first linear scan: walking
// liveStart in ascending order (tracing order does not guarantee
// address order, so this sorts first), it assigns each live object the
// next free slide-down address and records it in the forwarding table.
func (s *MarkCompact) CalculateForwardingAddresses(objectBytes func(addr.Address) uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sortAddrs(s.liveStart)
	cursor := s.StartAddr()
	for _, a := range s.liveStart {
		s.fwd.StoreWord(a, uintptr(cursor))
		cursor = cursor.Add(objectBytes(a))
	}
	s.compactEnd = cursor
}

// ForwardedAddress resolves ref's post-compaction address, valid between
// CalculateForwardingAddresses and the slide in Release. Unmarked
// addresses resolve to themselves.
func (s *MarkCompact) ForwardedAddress(ref addr.ObjectReference) addr.ObjectReference {
	if s.mark.Load(ref.Address()) == 0 {
		return ref
	}
	return addr.ObjectReference(s.fwd.LoadWord(ref.Address()))
}

// ApplyForwardingAndCompact performs the second linear scan: for each
// live object, in ascending address order, it slides the bytes down to
// the calculated address. Ascending order makes the overlap safe: a
// destination is never above its source.
func (s *MarkCompact) ApplyForwardingAndCompact(slide func(from, to addr.Address)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.liveStart {
		to := addr.Address(s.fwd.LoadWord(a))
		slide(a, to)
	}
	s.liveStart = s.liveStart[:0]
}

func sortAddrs(a []addr.Address) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

// Prepare clears the previous cycle's marks and forwarding words over
// everything allocated so far, then forgets the stale live list.
func (s *MarkCompact) Prepare() {
	if used := s.pr.CursorBytes(); used > 0 {
		s.mark.BulkZero(s.StartAddr(), s.StartAddr().Add(used))
		s.fwd.BulkZero(s.StartAddr(), s.StartAddr().Add(used))
	}
	s.mu.Lock()
	s.liveStart = s.liveStart[:0]
	s.compactEnd = s.StartAddr()
	s.mu.Unlock()
}

// Release rewinds the bump cursor to just past the last compacted
// object, reclaiming everything above the new high-water mark. The
// owning plan runs the slide before delegating here.
func (s *MarkCompact) Release() {
	s.mu.Lock()
	end := s.compactEnd
	s.mu.Unlock()
	s.pr.ResetTo(end)
}

func (s *MarkCompact) ReservedPages() uintptr  { return s.ReservedPagesFrom(s.pr) }
func (s *MarkCompact) CommittedPages() uintptr { return s.CommittedPagesFrom(s.pr) }

var _ Space = (*MarkCompact)(nil)
