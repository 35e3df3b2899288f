package heapcore

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/alloc"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/internal/space"
)

// copyRefillSize is how many bytes a worker's copy cursor requests from
// a destination space at a time, the GC-time analogue of a mutator's
// bump-pointer refill.
const copyRefillSize = addr.ImmixBlockSize

// copyContext is the space.CopyContext every moving space's TraceObject
// uses to bump-allocate a survivor's new home. A single instance is
// shared by every GC worker and every moving space in a plan (one per
// Controller, installed via gcrequest.Config.Copy), so it keeps one
// mutex-guarded alloc.BumpPointer per destination space instead of one
// per worker: the forwarding protocol already serializes which
// worker wins the right to copy a given object, so the only remaining
// race this type has to close is two winners for two different objects
// bumping the same destination's cursor at once.
type copyContext struct {
	mu      sync.Mutex
	cursors map[space.Space]*alloc.BumpPointer
}

func newCopyContext() *copyContext {
	return &copyContext{cursors: make(map[space.Space]*alloc.BumpPointer)}
}

// Reset drops every destination cursor at the start of a collection: a
// region acquired for copying last cycle may since have been released
// and handed back to mutators, so each cycle's copies renegotiate with
// their destination spaces from scratch.
func (c *copyContext) Reset() {
	c.mu.Lock()
	c.cursors = make(map[space.Space]*alloc.BumpPointer)
	c.mu.Unlock()
}

// AllocCopy bump-allocates bytes worth of aligned room out of dst. The
// whole call runs under c.mu: alloc.BumpPointer's cursor/limit pair is
// not itself safe for concurrent callers, and serializing copy
// allocation (as opposed to mutator allocation, which is per-mutator
// already) keeps this type's state machine simple. A failure here is
// fatal: running out of to-space mid-copy is unrecoverable, since the object being forwarded has nowhere left to
// go and the from-space copy cannot be un-forwarded once another worker
// may already have observed the being-forwarded state.
func (c *copyContext) AllocCopy(dst space.Space, bytes, align, offset uintptr) addr.Address {
	c.mu.Lock()
	bp, ok := c.cursors[dst]
	if !ok {
		bp = alloc.NewBumpPointer(dst, copyRefillSize)
		c.cursors[dst] = bp
	}
	a, err := bp.Alloc(bytes, align, offset)
	c.mu.Unlock()

	if err != nil {
		mmtkerrors.Fatal("copy-space-exhausted", err, nil)
	}
	if a.IsZero() {
		mmtkerrors.Fatal("copy-space-exhausted",
			&mmtkerrors.AllocationError{Kind: mmtkerrors.HeapOutOfMemory, Size: bytes}, nil)
	}
	return a
}

// PostCopy re-establishes the copy's side-metadata state: the mark bit
// so a sweep pass sees the fresh copy as live, and the valid-object bit
// so is_mmtk_object keeps answering true at the new address, mirroring
// what the mutator's post-alloc hook set for the original.
func (c *copyContext) PostCopy(dst space.Space, ref addr.ObjectReference, bytes uintptr) {
	sidemetadata.MarkBit.Store(ref.Address(), 1)
	sidemetadata.ValidObjectBit.Store(ref.Address(), 1)
}

var _ space.CopyContext = (*copyContext)(nil)
