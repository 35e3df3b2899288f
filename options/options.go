// Package options implements the free-form configuration object: plan
// selection, heap layout, GC trigger policy, nursery sizing,
// worker affinity, and the two finalization/reference-type opt-outs. It
// loads from TOML via pelletier/go-toml/v2, the same config-loading
// library the corpus's CLI tooling uses, and validates into a
// mmtkerrors.ConfigInvalid on bad input.
package options

import (
	"github.com/pelletier/go-toml/v2"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// PlanKind names one of the nine canonical plans.
type PlanKind string

const (
	PlanNoGC        PlanKind = "NoGC"
	PlanSemiSpace   PlanKind = "SemiSpace"
	PlanImmix       PlanKind = "Immix"
	PlanGenCopy     PlanKind = "GenCopy"
	PlanGenImmix    PlanKind = "GenImmix"
	PlanStickyImmix PlanKind = "StickyImmix"
	PlanMarkSweep   PlanKind = "MarkSweep"
	PlanMarkCompact PlanKind = "MarkCompact"
	PlanPageProtect PlanKind = "PageProtect"
)

func (p PlanKind) valid() bool {
	switch p {
	case PlanNoGC, PlanSemiSpace, PlanImmix, PlanGenCopy, PlanGenImmix,
		PlanStickyImmix, PlanMarkSweep, PlanMarkCompact, PlanPageProtect:
		return true
	}
	return false
}

// AllocationSemantics is the C-compatible enum a binding
// tags every allocation request with, letting the plan route it to the
// right allocator without the binding knowing the plan's internal
// space layout.
type AllocationSemantics int

const (
	SemanticsDefault AllocationSemantics = iota
	SemanticsImmortal
	SemanticsLOS
	SemanticsCode
	SemanticsReadOnly
	SemanticsNonMoving
	SemanticsMalloc
)

func (s AllocationSemantics) String() string {
	switch s {
	case SemanticsDefault:
		return "Default"
	case SemanticsImmortal:
		return "Immortal"
	case SemanticsLOS:
		return "Los"
	case SemanticsCode:
		return "Code"
	case SemanticsReadOnly:
		return "ReadOnly"
	case SemanticsNonMoving:
		return "NonMoving"
	case SemanticsMalloc:
		return "Malloc"
	default:
		return "AllocationSemantics(?)"
	}
}

// GCTriggerKind selects the heap-exhaustion policy.
type GCTriggerKind string

const (
	TriggerFixedHeapSize GCTriggerKind = "FixedHeapSize"
	TriggerDelegate      GCTriggerKind = "DelegateTrigger"
)

// GCTrigger is the resolved trigger policy: FixedHeapSize uses Bytes,
// DelegateTrigger defers the decision to the binding's own heap-growth
// hook (not modeled further here; heapcore just stops asking on its
// own).
type GCTrigger struct {
	Kind  GCTriggerKind `toml:"kind"`
	Bytes uintptr       `toml:"bytes"`
}

// NurseryKind selects how a generational plan sizes its nursery.
type NurseryKind string

const (
	NurseryBounded             NurseryKind = "Bounded"
	NurseryProportionalBounded NurseryKind = "ProportionalBounded"
	NurseryFixed               NurseryKind = "Fixed"
)

type Nursery struct {
	Kind  NurseryKind `toml:"kind"`
	Min   uintptr     `toml:"min"`
	Max   uintptr     `toml:"max"`
	Bytes uintptr     `toml:"bytes"`
}

// AffinityKind selects how GC worker threads are pinned.
type AffinityKind string

const (
	AffinityOsDefault  AffinityKind = "OsDefault"
	AffinityAllInSet   AffinityKind = "AllInSet"
	AffinityRoundRobin AffinityKind = "RoundRobin"
)

type Affinity struct {
	Kind AffinityKind `toml:"kind"`
	CPUs []int        `toml:"cpus"`
}

// Layout is the configurable VM address-space layout: it
// fixes where the heap and its side-metadata tables live. Defaults vary
// by pointer width; heapcore targets 64-bit only, so DefaultLayout
// reflects that.
type Layout struct {
	LogAddressSpace          uint         `toml:"log_address_space"`
	HeapStart                addr.Address `toml:"-"`
	HeapEnd                  addr.Address `toml:"-"`
	LogSpaceExtent           uint         `toml:"log_space_extent"`
	ForceUseContiguousSpaces bool         `toml:"force_use_contiguous_spaces"`
}

// DefaultLayout reserves a 2^44-byte address-space window with per-plan
// extents of 2^41 bytes, placed so the window ends exactly where the
// side-metadata tables' fixed region begins: comfortably inside a
// 64-bit process's mappable range, clear of the Go runtime's own heap
// arenas, and provably non-overlapping with every metadata table image
// (sidemetadata.LowestTableBase).
func DefaultLayout() Layout {
	const logAddressSpace = 44
	const logSpaceExtent = 41
	start := addr.Address(0x0000_1000_0000_0000)
	return Layout{
		LogAddressSpace:          logAddressSpace,
		HeapStart:                start,
		HeapEnd:                  start.Add(uintptr(1) << logAddressSpace),
		LogSpaceExtent:           logSpaceExtent,
		ForceUseContiguousSpaces: false,
	}
}

// Options is the full free-form configuration object.
type Options struct {
	Plan            PlanKind  `toml:"plan"`
	GCTrigger       GCTrigger `toml:"gc_trigger"`
	Nursery         Nursery   `toml:"nursery"`
	Threads         int       `toml:"threads"`
	Affinity        Affinity  `toml:"affinity"`
	NoFinalizer     bool      `toml:"no_finalizer"`
	NoReferenceTypes bool     `toml:"no_reference_types"`
	Layout          Layout    `toml:"-"`
}

// Default returns an Options populated with a sensible baseline: Immix
// plan, a 512MiB fixed heap trigger, a proportionally-bounded nursery,
// GOMAXPROCS-sized worker pool, default OS affinity.
func Default() Options {
	return Options{
		Plan:      PlanImmix,
		GCTrigger: GCTrigger{Kind: TriggerFixedHeapSize, Bytes: 512 << 20},
		Nursery:   Nursery{Kind: NurseryProportionalBounded, Min: 2 << 20, Max: 32 << 20},
		Threads:   0, // 0 means "use GOMAXPROCS", resolved by the caller
		Affinity:  Affinity{Kind: AffinityOsDefault},
		Layout:    DefaultLayout(),
	}
}

// Load parses TOML-encoded option data, applying Default() first so any
// key the document omits keeps its default value, then validates the
// result.
func Load(data []byte) (Options, error) {
	o := Default()
	if err := toml.Unmarshal(data, &o); err != nil {
		return Options{}, mmtkerrors.ConfigInvalid("options: " + err.Error())
	}
	o.Layout = DefaultLayout()
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks the cross-field invariants a TOML document can't
// express on its own.
func (o Options) Validate() error {
	if !o.Plan.valid() {
		return mmtkerrors.ConfigInvalid("options: unknown plan " + string(o.Plan))
	}
	if o.GCTrigger.Kind == TriggerFixedHeapSize && o.GCTrigger.Bytes == 0 {
		return mmtkerrors.ConfigInvalid("options: FixedHeapSize trigger requires bytes > 0")
	}
	if o.Nursery.Kind == NurseryProportionalBounded && o.Nursery.Min > o.Nursery.Max {
		return mmtkerrors.ConfigInvalid("options: nursery min exceeds max")
	}
	if o.Threads < 0 {
		return mmtkerrors.ConfigInvalid("options: threads must be >= 0")
	}
	if o.Layout.LogAddressSpace == 0 || o.Layout.LogAddressSpace > 47 {
		return mmtkerrors.ConfigInvalid("options: log_address_space out of range")
	}
	end := uintptr(o.Layout.HeapStart) + (uintptr(1) << o.Layout.LogAddressSpace)
	if end > sidemetadata.LowestTableBase {
		return mmtkerrors.ConfigInvalid("options: heap range overlaps the side-metadata table region")
	}
	return nil
}
