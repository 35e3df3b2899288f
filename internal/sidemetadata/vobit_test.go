package sidemetadata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/heapcore/heapcore/internal/addr"
)

// TestFindObjectFromInternalPointer exercises the interior-pointer scan: a
// 16-byte object at a is found from a+8 (an interior pointer) but not
// from a+16 (past the end of the guaranteed minimum object size).
func TestFindObjectFromInternalPointer(t *testing.T) {
	spec, start, _ := heapRange(t, ValidObjectBit, 64)
	a := start.Add(8 * 4)
	spec.Store(a, 1)

	ref := FindObjectFromInternalPointer(spec, a.Add(8), 16)
	assert.Equal(t, addr.ObjectReference(a), ref)

	none := FindObjectFromInternalPointer(spec, a.Add(16), 16)
	assert.True(t, none.IsNull())
}

func TestFindObjectFromInternalPointerAtExactStart(t *testing.T) {
	spec, start, _ := heapRange(t, ValidObjectBit, 64)
	a := start.Add(8 * 2)
	spec.Store(a, 1)

	ref := FindObjectFromInternalPointer(spec, a, 16)
	assert.Equal(t, addr.ObjectReference(a), ref)
}

func TestFindObjectFromInternalPointerNoneWithinRange(t *testing.T) {
	spec, start, _ := heapRange(t, ValidObjectBit, 64)

	ref := FindObjectFromInternalPointer(spec, start.Add(8*10), 16)
	assert.True(t, ref.IsNull())
}
