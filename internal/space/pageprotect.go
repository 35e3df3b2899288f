package space

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// PageProtect places exactly one object per page; on release it
// mprotects freed pages instead of reusing them, so a dangling access to
// a collected object traps immediately instead of silently reading
// reused memory. It is a debugging/hardening plan, not one a
// throughput-sensitive binding would pick by default.
type PageProtect struct {
	Base
	pr   *pages.FreeList
	mark sidemetadata.Spec

	mu        sync.Mutex
	live      map[addr.Address]uintptr // start -> npages, currently live
	protected map[addr.Address]uintptr // start -> npages, mprotected and unreachable
}

// NewPageProtect builds a one-object-per-page space over [start,
// start+extent).
func NewPageProtect(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter, markBits sidemetadata.Spec) *PageProtect {
	return &PageProtect{
		Base:      NewBase(name, start, extent, mmapper, table, limiter),
		pr:        pages.NewFreeList(mmapper, start, extent),
		mark:      markBits,
		live:      make(map[addr.Address]uintptr),
		protected: make(map[addr.Address]uintptr),
	}
}

func (s *PageProtect) Acquire(bytes uintptr) (addr.Address, error) {
	npages := addr.BytesToPages(bytes)
	if npages == 0 {
		npages = 1
	}
	a, err := pollOrFail(s.limiter, bytes, func() (addr.Address, error) { return s.pr.GetNewPages(npages) })
	if err != nil || a.IsZero() {
		return addr.Zero, err
	}
	if err := s.registerChunks(s, a, npages*addr.BytesInPage); err != nil {
		return addr.Zero, err
	}
	s.mu.Lock()
	s.live[a] = npages
	s.mu.Unlock()
	return a, nil
}

func (s *PageProtect) InSpace(ref addr.ObjectReference) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[ref.Address().AlignDown(addr.BytesInPage)]
	return ok
}

func (s *PageProtect) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	if s.mark.CAS(ref.Address(), 0, 1) {
		t.ReportFirstVisit(ref)
	}
	return ref
}

func (s *PageProtect) IsLive(ref addr.ObjectReference) bool {
	return s.mark.Load(ref.Address()) != 0
}

func (s *PageProtect) Prepare() {}

// Release unmaps (mprotects PROT_NONE) every page whose object did not
// survive, moving it from live to protected; already-protected pages are
// never reused, matching the "unmap or mprotect freed pages to trap
// dangling accesses" contract.
func (s *PageProtect) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a, npages := range s.live {
		end := a.Add(npages * addr.BytesInPage)
		if s.mark.ScanNonZero(a, end).IsZero() {
			sidemetadata.ValidObjectBit.BulkZero(a, end)
			_ = s.Mmapper().Protect(a, npages*addr.BytesInPage)
			s.protected[a] = npages
			delete(s.live, a)
		} else {
			s.mark.BulkZero(a, end)
		}
	}
}

func (s *PageProtect) ReservedPages() uintptr  { return s.ReservedPagesFrom(s.pr) }
func (s *PageProtect) CommittedPages() uintptr { return s.CommittedPagesFrom(s.pr) }

var _ Space = (*PageProtect)(nil)
