package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadAppliesDefaultsForOmittedKeys(t *testing.T) {
	o, err := Load([]byte(`plan = "SemiSpace"`))
	require.NoError(t, err)
	assert.Equal(t, PlanSemiSpace, o.Plan)
	assert.Equal(t, TriggerFixedHeapSize, o.GCTrigger.Kind, "omitted keys keep their defaults")
	assert.NotZero(t, o.GCTrigger.Bytes)
}

func TestLoadFullDocument(t *testing.T) {
	doc := `
plan = "GenImmix"
threads = 4
no_finalizer = true

[gc_trigger]
kind = "FixedHeapSize"
bytes = 67108864

[nursery]
kind = "ProportionalBounded"
min = 1048576
max = 8388608

[affinity]
kind = "RoundRobin"
cpus = [0, 2, 4]
`
	o, err := Load([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, PlanGenImmix, o.Plan)
	assert.Equal(t, 4, o.Threads)
	assert.True(t, o.NoFinalizer)
	assert.EqualValues(t, 64<<20, o.GCTrigger.Bytes)
	assert.Equal(t, NurseryProportionalBounded, o.Nursery.Kind)
	assert.Equal(t, AffinityRoundRobin, o.Affinity.Kind)
	assert.Equal(t, []int{0, 2, 4}, o.Affinity.CPUs)
}

func TestLoadRejectsUnknownPlan(t *testing.T) {
	_, err := Load([]byte(`plan = "Shenandoah"`))
	require.Error(t, err)
	assert.ErrorIs(t, err, mmtkerrors.ErrConfigInvalid)
}

func TestValidateRejectsZeroByteFixedTrigger(t *testing.T) {
	o := Default()
	o.GCTrigger = GCTrigger{Kind: TriggerFixedHeapSize, Bytes: 0}
	assert.ErrorIs(t, o.Validate(), mmtkerrors.ErrConfigInvalid)
}

func TestValidateRejectsInvertedNurseryBounds(t *testing.T) {
	o := Default()
	o.Nursery = Nursery{Kind: NurseryProportionalBounded, Min: 2, Max: 1}
	assert.ErrorIs(t, o.Validate(), mmtkerrors.ErrConfigInvalid)
}

func TestValidateRejectsHeapOverlappingMetadataRegion(t *testing.T) {
	o := Default()
	o.Layout.HeapStart = addr.Address(0x0000_1f00_0000_0000)
	o.Layout.LogAddressSpace = 44
	assert.ErrorIs(t, o.Validate(), mmtkerrors.ErrConfigInvalid)
}

func TestAllocationSemanticsStrings(t *testing.T) {
	for sem, want := range map[AllocationSemantics]string{
		SemanticsDefault:   "Default",
		SemanticsImmortal:  "Immortal",
		SemanticsLOS:       "Los",
		SemanticsCode:      "Code",
		SemanticsReadOnly:  "ReadOnly",
		SemanticsNonMoving: "NonMoving",
		SemanticsMalloc:    "Malloc",
	} {
		assert.Equal(t, want, sem.String())
	}
}
