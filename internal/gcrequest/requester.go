// Package gcrequest implements the GC controller and request
// coalescing: user and internal collection
// requests serialize behind a mutex+flag+condvar equivalent, and the
// controller drives the scheduler through the bucketed phase protocol.
package gcrequest

import "sync"

// Requester coalesces concurrent collection requests into one wakeup: a
// request sets a flag and signals, the controller loop wakes, clears the
// flag, and runs exactly one collection no matter how many requesters
// piled up while it was running.
type Requester struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	fullHeap  bool
	stopped   bool
	gen       uint64
}

// NewRequester builds an idle requester.
func NewRequester() *Requester {
	r := &Requester{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Request signals that a collection should run. Safe to call from any
// number of mutator threads concurrently; a request arriving while the
// controller is already awake and about to clear the flag is still
// observed, since the flag and the wake happen under the same lock.
func (r *Requester) Request() {
	r.request(false)
}

// RequestFull signals that a collection should run and should promote to
// a full-heap trace. Concurrent requests
// coalesce their full-heap flag with OR, so a full-heap request among
// several coalesced ones still forces the collection that runs.
func (r *Requester) RequestFull() {
	r.request(true)
}

func (r *Requester) request(fullHeap bool) {
	r.mu.Lock()
	r.requested = true
	r.fullHeap = r.fullHeap || fullHeap
	r.gen++
	r.cond.Signal()
	r.mu.Unlock()
}

// Shutdown wakes the controller loop one last time so it can exit
// instead of blocking forever, used at process teardown.
func (r *Requester) Shutdown() {
	r.mu.Lock()
	r.stopped = true
	r.cond.Signal()
	r.mu.Unlock()
}

// wait blocks until a request arrives or Shutdown is called, then clears
// the flag and returns the generation number observed (monotonically
// increasing; callers that only care "did a new request land" can
// compare generations), whether the coalesced requests asked for a
// full-heap trace, and whether the caller should stop.
func (r *Requester) wait() (gen uint64, fullHeap bool, stop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.requested && !r.stopped {
		r.cond.Wait()
	}
	if r.stopped {
		return r.gen, false, true
	}
	r.requested = false
	full := r.fullHeap
	r.fullHeap = false
	return r.gen, full, false
}
