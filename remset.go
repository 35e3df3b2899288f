package heapcore

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/sidemetadata"
	"github.com/heapcore/heapcore/vm"
)

// remSetSink is the barrier.Sink every mutator's write barrier flushes
// into. It just accumulates object references; turning those back into
// ProcessEdges-shaped root work happens in scanningWithRemSet, once per
// collection, right before root scanning.
type remSetSink struct {
	mu      sync.Mutex
	objects []addr.Address
}

func newRemSetSink() *remSetSink {
	return &remSetSink{}
}

func (s *remSetSink) EnqueueModBuf(entries []addr.Address) {
	s.mu.Lock()
	s.objects = append(s.objects, entries...)
	s.mu.Unlock()
}

// drain empties the accumulated remembered set and returns it.
func (s *remSetSink) drain() []addr.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.objects
	s.objects = nil
	return out
}

// scanningWithRemSet wraps the binding's vm.Scanning so that the
// remembered set a generational barrier accumulated gets scanned for
// outgoing edges and enqueued as extra Closure-bucket roots, the same
// work a real ProcessModBuf packet would do. extraRoots, when set,
// contributes further root slots per scan — the reference processor's
// resurrection cells, which a forwarding trace must rewrite like any
// other root.
type scanningWithRemSet struct {
	vm.Scanning
	sink       *remSetSink
	extraRoots func() []vm.Slot
}

func (s *scanningWithRemSet) ScanRoots(tls vm.TLS, factory vm.RootsFactory) {
	s.Scanning.ScanRoots(tls, factory)
	for _, objAddr := range s.sink.drain() {
		// The barrier records the logged object's own reference address;
		// its outgoing slots are the remembered work. Clearing the log
		// bit re-arms the barrier, so a store into the same object after
		// this collection remembers it again.
		ref := addr.ObjectReferenceFromAddress(objAddr)
		sidemetadata.LogBit.Store(objAddr, 0)
		var slots []vm.Slot
		s.Scanning.ScanObject(tls, ref, func(sl vm.Slot) { slots = append(slots, sl) })
		if len(slots) > 0 {
			factory.CreateProcessEdgesWork(slots)
		}
	}
	if s.extraRoots != nil {
		if slots := s.extraRoots(); len(slots) > 0 {
			factory.CreateProcessEdgesWork(slots)
		}
	}
}

var _ vm.Scanning = (*scanningWithRemSet)(nil)
