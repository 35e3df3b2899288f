//go:build heapcore_debug

package sidemetadata

// assertPrecondition panics when a caller violates one of the metadata
// primitives' alignment or range preconditions. These are infallible
// memory operations in release builds; the debug tag exists so a binding
// porting its object model can catch a mis-specced table early.
func assertPrecondition(ok bool, what string) {
	if !ok {
		panic("sidemetadata: precondition violated: " + what)
	}
}
