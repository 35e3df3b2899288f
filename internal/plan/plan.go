// Package plan composes spaces, allocators and barriers into a complete
// GC algorithm. Concrete plans embed Base,
// which owns the bookkeeping every plan shares: the space registry, the
// SFT, and the heap-limit decision every space's HeapLimiter defers to.
package plan

import (
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/space"
)

// Plan is the contract the scheduler's generic ProcessEdges packet is
// parameterised over: resolving which space owns a
// reference and forwarding the trace call to it is the one thing every
// plan must provide, so the scheduler never imports a concrete plan
// type. Everything else a plan does (space composition, phase
// callbacks, allocator-selector tables) is plan-specific and lives on
// the concrete type.
type Plan interface {
	// TraceObject looks up ref's owning space via the SFT and forwards
	// to that space's TraceObject, returning the (possibly forwarded)
	// reference.
	TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference
	// IsLive reports whether ref survived the current cycle's closure,
	// resolved through the owning space. Reference processing runs on
	// this between the Closure and Release buckets.
	IsLive(ref addr.ObjectReference) bool
	// SFT exposes the plan's space-function table for is-in-heap checks
	// and root/slot validation.
	SFT() *sft.Table
	// Prepare and Release run every registered space's corresponding
	// hook, in registration order, from the scheduler's Prepare/Release
	// buckets.
	Prepare()
	Release()
	// Name identifies the plan for diagnostics and CLI reporting.
	Name() string
}

// Base is embedded by every concrete plan. It
// is the Go-native stand-in for the macro-generated space enumeration
// the source tree's plan derive macro produces (explicitly out of scope,
// macros): spaces register themselves explicitly instead of being
// discovered by reflection.
type Base struct {
	name     string
	sftTable *sft.Table
	spaces   []space.Space
}

// NewBase builds the shared bookkeeping for a plan named name, backed by
// table for is-in-heap resolution.
func NewBase(name string, table *sft.Table) Base {
	return Base{name: name, sftTable: table}
}

func (b *Base) Name() string    { return b.name }
func (b *Base) SFT() *sft.Table { return b.sftTable }

// RegisterSpace adds sp to the plan's space list, walked by Prepare,
// Release and the default TraceObject dispatch. Concrete plan
// constructors call this once per owned space, in a fixed order, so the
// plan's composition is explicit and inspectable rather than
// discovered.
func (b *Base) RegisterSpace(sp space.Space) {
	b.spaces = append(b.spaces, sp)
}

func (b *Base) Spaces() []space.Space { return b.spaces }

// Prepare runs every registered space's Prepare hook in registration
// order.
func (b *Base) Prepare() {
	for _, sp := range b.spaces {
		sp.Prepare()
	}
}

// Release runs every registered space's Release hook in registration
// order.
func (b *Base) Release() {
	for _, sp := range b.spaces {
		sp.Release()
	}
}

// TraceObject resolves ref's owning space through the SFT and forwards
// the trace call to it. A malloc-backed space's cells live wherever the
// host allocator put them — outside the SFT's address window — so an
// SFT miss falls back to probing each space's own membership test
// before concluding the reference is foreign (the "vm space" no-op).
// Concrete plans needing a different dispatch (e.g. a generational plan
// skipping an untraced mature space) override this on their own type.
func (b *Base) TraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference {
	if sp := b.owningSpace(ref); sp != nil {
		return sp.TraceObject(t, ref)
	}
	return ref
}

// owningSpace resolves ref to the registered space that owns it, or nil
// for addresses heapcore does not manage. Inside the SFT's window the
// table is authoritative (an unowned chunk is foreign memory, whatever
// a space's virtual extent might claim); outside it, only a space with
// its own membership bookkeeping — the malloc policy — can own the
// address, so each space is probed directly.
func (b *Base) owningSpace(ref addr.ObjectReference) space.Space {
	if b.sftTable.Covers(ref.Address()) {
		e := b.sftTable.Lookup(ref.Address())
		if e == nil {
			return nil
		}
		for _, sp := range b.spaces {
			if sp.Name() == e.Name() {
				return sp
			}
		}
		return nil
	}
	for _, sp := range b.spaces {
		if sp.InSpace(ref) {
			return sp
		}
	}
	return nil
}

// IsLive resolves ref's owning space and asks it. Addresses outside
// every registered space are reported live: heapcore never reclaims
// what it doesn't manage. Generational plans override this for spaces
// they skipped tracing this cycle.
func (b *Base) IsLive(ref addr.ObjectReference) bool {
	if sp := b.owningSpace(ref); sp != nil {
		return sp.IsLive(ref)
	}
	return true
}

// ForwardTracer is implemented by plans whose collection needs a second,
// slot-rewriting walk of the live graph after forwarding addresses are
// assigned (the mark-compact family). The scheduler's ProcessEdges
// dispatches TraceKindForward packets through it.
type ForwardTracer interface {
	ForwardTraceObject(t *space.Trace, ref addr.ObjectReference) addr.ObjectReference
}

// ReservedPages sums every registered space's reserved page count, used
// by the heap-trigger policy to decide when to request a collection.
func (b *Base) ReservedPages() uintptr {
	var total uintptr
	for _, sp := range b.spaces {
		total += sp.ReservedPages()
	}
	return total
}

var _ Plan = (*Base)(nil)
