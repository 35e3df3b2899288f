package space

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// Immortal is a monotone bump-allocated space whose objects are never
// reclaimed. TraceObject only sets the mark bit and always
// returns the same reference; the mark still matters for closure
// termination (first visit per cycle) and for statistics, so Prepare
// clears the allocated range's bits before every trace.
type Immortal struct {
	Base
	pr   *pages.Monotone
	mark sidemetadata.Spec
}

// NewImmortal builds an immortal space covering [start, start+extent).
func NewImmortal(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter, markBits sidemetadata.Spec) *Immortal {
	s := &Immortal{
		Base: NewBase(name, start, extent, mmapper, table, limiter),
		pr:   pages.NewMonotone(mmapper, start, extent),
		mark: markBits,
	}
	return s
}

func (s *Immortal) Acquire(bytes uintptr) (addr.Address, error) {
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

func (s *Immortal) InSpace(ref addr.ObjectReference) bool {
	a := ref.Address()
	return a >= s.StartAddr() && a < s.StartAddr().Add(s.Extent())
}

func (s *Immortal) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	if s.mark.CAS(ref.Address(), 0, 1) {
		t.ReportFirstVisit(ref)
	}
	return ref
}

// IsLive is unconditionally true: immortal objects are never reclaimed.
func (s *Immortal) IsLive(addr.ObjectReference) bool { return true }

// Prepare clears the mark bits over everything allocated so far, so this
// cycle's trace re-discovers (and re-reports exactly once) each object.
func (s *Immortal) Prepare() {
	if used := s.pr.CursorBytes(); used > 0 {
		s.mark.BulkZero(s.StartAddr(), s.StartAddr().Add(used))
	}
}

func (s *Immortal) Release() {}

func (s *Immortal) ReservedPages() uintptr  { return s.ReservedPagesFrom(s.pr) }
func (s *Immortal) CommittedPages() uintptr { return s.CommittedPagesFrom(s.pr) }

var _ Space = (*Immortal)(nil)
