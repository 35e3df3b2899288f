//go:build !heapcore_debug

package sidemetadata

// assertPrecondition compiles to nothing in normal builds; the
// heapcore_debug tag swaps in the checking variant.
func assertPrecondition(bool, string) {}
