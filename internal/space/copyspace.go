package space

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// Forwarding states, stored in the low two bits of the forwarding
// word.
const (
	fwdUnforwarded    uintptr = 0
	fwdBeingForwarded uintptr = 1
	fwdForwarded      uintptr = 2
	fwdStateMask      uintptr = 0x3
)

// Copy is a semispace: two such spaces flip the "to-space" role every
// collection. TraceObject forwards each object at most once: the racer
// that wins a CAS into "being-forwarded" copies it via the worker's copy
// context; losers spin on the forwarding word until it reads "forwarded"
// and then read the new reference out of the same word.
type Copy struct {
	Base
	pr        *pages.Monotone
	fromSpace bool // true while this instance is the cycle's evacuation source
	fwd       sidemetadata.Spec
	to        Space // this cycle's forwarding target, set by the owning plan's Prepare
}

// SetForwardTarget records which space this instance forwards surviving
// objects into for the current cycle: a sibling copyspace for a
// semispace flip, or a mature space for a nursery promotion. The owning
// plan calls this once per Prepare, after it has decided the current
// cycle's destination.
func (s *Copy) SetForwardTarget(to Space) { s.to = to }

// SetFromSpace records whether this instance is being evacuated this
// cycle. TraceObject on a non-from-space copyspace returns the reference
// untouched: an object already sitting in to-space was put there by this
// cycle's copier, which reported the first visit itself.
func (s *Copy) SetFromSpace(from bool) { s.fromSpace = from }

// NewCopy builds one semispace of a flip-flop pair covering [start,
// start+extent).
func NewCopy(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter, fwd sidemetadata.Spec) *Copy {
	return &Copy{
		Base: NewBase(name, start, extent, mmapper, table, limiter),
		pr:   pages.NewMonotone(mmapper, start, extent),
		fwd:  fwd,
	}
}

func (s *Copy) Acquire(bytes uintptr) (addr.Address, error) {
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

func (s *Copy) InSpace(ref addr.ObjectReference) bool {
	a := ref.Address()
	return a >= s.StartAddr() && a < s.StartAddr().Add(s.Extent())
}

// TraceObject implements the at-most-once forwarding protocol: exactly
// one caller per object observes the unforwarded->being-forwarded
// transition, performs the copy, and reports the new reference as this
// cycle's first visit; every other caller (including the winner's own
// later re-traces via a stale slot) spins until it can read a forwarded
// reference back out of the same word.
func (s *Copy) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	if !s.fromSpace {
		// Already in to-space: this cycle's copy of a live object. The
		// copier enqueued it when it won the forwarding race.
		return ref
	}
	word := s.fwd.LoadWord(ref.Address())
	switch word & fwdStateMask {
	case fwdForwarded:
		return addr.ObjectReference(word &^ fwdStateMask)
	case fwdBeingForwarded:
		return s.spinForwarded(ref)
	default: // unforwarded
		if !s.fwd.CASWord(ref.Address(), word, fwdBeingForwarded) {
			return s.spinForwarded(ref)
		}
		size := t.ObjectModel.CopyBytes(ref)
		newStart := t.Copy.AllocCopy(s.to, size, addr.MinAlignment, 0)
		newRef := t.ObjectModel.CopyObject(ref, newStart)
		t.Copy.PostCopy(s.to, newRef, size)
		s.fwd.StoreWord(ref.Address(), uintptr(newRef)|fwdForwarded)
		t.ReportFirstVisit(newRef)
		return newRef
	}
}

// spinForwarded waits out a racing copier and returns its result.
func (s *Copy) spinForwarded(ref addr.ObjectReference) addr.ObjectReference {
	for {
		w := s.fwd.LoadWord(ref.Address())
		if w&fwdStateMask == fwdForwarded {
			return addr.ObjectReference(w &^ fwdStateMask)
		}
	}
}

// IsLive: a to-space object is this cycle's copy of a survivor; a
// from-space object survived only if something forwarded it.
func (s *Copy) IsLive(ref addr.ObjectReference) bool {
	if !s.fromSpace {
		return true
	}
	return s.fwd.LoadWord(ref.Address())&fwdStateMask == fwdForwarded
}

func (s *Copy) Prepare() {}

// Release clears the evacuated range's forwarding words — so when the
// pair's roles flip again the copies landing here start from a zeroed
// forwarding table — along with the valid-object, mark and nursery bits
// of the dead objects left behind, then resets the bump cursor. Only
// the owning plan calls Release on the space it actually evacuated; the
// to-space half of the pair keeps its contents.
func (s *Copy) Release() {
	if used := s.pr.CursorBytes(); used > 0 {
		end := s.StartAddr().Add(used)
		s.fwd.BulkZero(s.StartAddr(), end)
		sidemetadata.ValidObjectBit.BulkZero(s.StartAddr(), end)
		sidemetadata.MarkBit.BulkZero(s.StartAddr(), end)
		sidemetadata.NurseryBit.BulkZero(s.StartAddr(), end)
	}
	s.pr.Reset()
}

func (s *Copy) ReservedPages() uintptr  { return s.ReservedPagesFrom(s.pr) }
func (s *Copy) CommittedPages() uintptr { return s.CommittedPagesFrom(s.pr) }

var _ Space = (*Copy)(nil)
