package space

import (
	"sync"
	"unsafe"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// Malloc is backed directly by the system allocator rather than a page
// resource: acquire() calls through to the process malloc, TraceObject
// sets a side-metadata mark bit, and sweep (called at Release) walks the
// side-metadata table freeing unmarked cells.
//
// Unlike every other policy, Malloc has no bound virtual range: its
// side-metadata table slices are committed lazily, one cell at a time,
// since the host allocator decides where cells live.
type Malloc struct {
	Base
	mmapper *mmap.Mmapper
	mark    sidemetadata.Spec

	mu    sync.Mutex
	cells map[addr.Address]uintptr // start -> size, for sweep
}

// NewMalloc builds a malloc-backed space. It registers no SFT chunks and
// reserves no virtual range of its own; mmapper is only used to back the
// metadata shadows of whatever addresses the host allocator returns.
func NewMalloc(name string, mmapper *mmap.Mmapper, markBits sidemetadata.Spec) *Malloc {
	return &Malloc{
		Base:    NewBase(name, addr.Zero, 0, mmapper, nil, nil),
		mmapper: mmapper,
		mark:    markBits,
		cells:   make(map[addr.Address]uintptr),
	}
}

func (s *Malloc) Acquire(bytes uintptr) (addr.Address, error) {
	p := mallocBytes(bytes)
	if p == nil {
		return addr.Zero, nil
	}
	a := addr.FromPtr(p)
	if err := sidemetadata.MapRange(s.mmapper.EnsureMapped, a, bytes); err != nil {
		return addr.Zero, err
	}
	s.mu.Lock()
	s.cells[a] = bytes
	s.mu.Unlock()
	return a, nil
}

func (s *Malloc) InSpace(ref addr.ObjectReference) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for start, size := range s.cells {
		if ref.Address() >= start && ref.Address() < start.Add(size) {
			return true
		}
	}
	return false
}

func (s *Malloc) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	if s.mark.CAS(ref.Address(), 0, 1) {
		t.ReportFirstVisit(ref)
	}
	return ref
}

func (s *Malloc) IsLive(ref addr.ObjectReference) bool {
	return s.mark.Load(ref.Address()) != 0
}

func (s *Malloc) Prepare() {}

// Release sweeps: a cell none of whose granules carry a mark is freed
// back to the system allocator; survivors have their marks cleared for
// the next cycle. Cells are scanned as ranges because allocators
// sub-allocate within them (the freelist allocator's block pool) or
// return aligned addresses past the cell start, so the liveness signal
// can sit anywhere inside the cell.
func (s *Malloc) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a, size := range s.cells {
		if s.mark.ScanNonZero(a, a.Add(size)).IsZero() {
			sidemetadata.ValidObjectBit.BulkZero(a, a.Add(size))
			freeBytes(a.ToPtr())
			delete(s.cells, a)
		} else {
			s.mark.BulkZero(a, a.Add(size))
		}
	}
}

func (s *Malloc) ReservedPages() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uintptr
	for _, size := range s.cells {
		total += addr.BytesToPages(size)
	}
	return total
}

func (s *Malloc) CommittedPages() uintptr { return s.ReservedPages() }

var _ Space = (*Malloc)(nil)

// mallocBytes and freeBytes isolate the two calls into the host
// allocator Malloc makes, so its tracing/sweeping logic above stays
// testable without actually exercising cgo malloc/free: the Go heap
// stands in for the system allocator, with freeBytes dropping the
// retaining reference instead of calling C.free.
var retained = struct {
	mu   sync.Mutex
	bufs map[unsafe.Pointer][]byte
}{bufs: make(map[unsafe.Pointer][]byte)}

func mallocBytes(n uintptr) unsafe.Pointer {
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	p := unsafe.Pointer(&buf[0])
	retained.mu.Lock()
	retained.bufs[p] = buf
	retained.mu.Unlock()
	return p
}

func freeBytes(p unsafe.Pointer) {
	retained.mu.Lock()
	delete(retained.bufs, p)
	retained.mu.Unlock()
}
