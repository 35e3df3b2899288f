package space

import (
	"sync"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmap"
	"github.com/heapcore/heapcore/internal/pages"
	"github.com/heapcore/heapcore/internal/sft"
	"github.com/heapcore/heapcore/internal/sidemetadata"
)

// BlockState is the per-block state machine: a block starts
// Unallocated, becomes Unmarked once given to an allocator, Marked if
// every line in it survives a trace, or Reusable if some but not all of
// its lines survived (in which case UnavailableLines records how many of
// its LinesPerBlock lines are still live and therefore off-limits to the
// reusable-block allocator).
type BlockState int

const (
	BlockUnallocated BlockState = iota
	BlockUnmarked
	BlockMarked
	BlockReusable
)

type immixBlock struct {
	start            addr.Address
	state            BlockState
	unavailableLines int
	isDefragSource   bool
}

// Immix implements the block/line-structured policy: 32 KiB
// blocks subdivided into 256 B lines, a reusable-block allocator that
// finds runs of consecutive unmarked lines, and opportunistic
// defragmentation that copies objects out of blocks selected as
// "defrag source" into fresh "defrag target" blocks using the same
// forwarding-word protocol as Copy.
type Immix struct {
	Base
	pr       *pages.FreeList
	lineMark sidemetadata.Spec
	objMark  sidemetadata.Spec
	fwd      sidemetadata.Spec

	mu     sync.Mutex
	blocks map[addr.Address]*immixBlock
	// chunkBlocks counts how many live blocks each SFT chunk currently
	// owns. A chunk (2^22 B) holds 128 32 KiB blocks, so freeing one
	// empty block must not clear the chunk's SFT entry while siblings in
	// the same chunk are still live; ClearChunk only runs once a chunk's
	// count reaches zero.
	chunkBlocks map[addr.Address]int
	defragging  bool
	// fragmentationHistory feeds the defrag decision in the next Prepare
	//; Release appends the reusable-block ratio it observes.
	fragmentationHistory []float64
}

// NewImmix builds an immix space drawing blocks from [start,
// start+extent). lineMark carries the per-line liveness bits, objMark
// the per-object first-visit bits, fwd the defrag forwarding words.
func NewImmix(name string, start addr.Address, extent uintptr, mmapper *mmap.Mmapper, table *sft.Table, limiter HeapLimiter, lineMark, objMark, fwd sidemetadata.Spec) *Immix {
	return &Immix{
		Base:        NewBase(name, start, extent, mmapper, table, limiter),
		pr:          pages.NewFreeList(mmapper, start, extent),
		lineMark:    lineMark,
		objMark:     objMark,
		fwd:         fwd,
		blocks:      make(map[addr.Address]*immixBlock),
		chunkBlocks: make(map[addr.Address]int),
	}
}

// Acquire is only used for whole-block acquisition; most mutator
// allocation traffic goes through alloc.Immix, which calls
// GetReusableRun/AcquireBlocks directly.
func (s *Immix) Acquire(bytes uintptr) (addr.Address, error) {
	nblocks := (bytes + addr.ImmixBlockSize - 1) / addr.ImmixBlockSize
	a, err := s.AcquireBlocks(int(nblocks))
	return a, err
}

// AcquireBlocks commits n fresh blocks and returns the start of the
// first one (blocks are contiguous only because FreeList happens to hand
// out contiguous runs when its free list is empty; callers must not rely
// on more than one block's worth of contiguity). Recycled pages may
// carry a previous tenant's marks and forwarding words, so every
// acquired block's metadata is scrubbed before it is handed out.
func (s *Immix) AcquireBlocks(n int) (addr.Address, error) {
	npages := uintptr(n) * (addr.ImmixBlockSize / addr.BytesInPage)
	a, err := pollOrFail(s.limiter, uintptr(n)*addr.ImmixBlockSize, func() (addr.Address, error) { return s.pr.GetNewPages(npages) })
	if err != nil || a.IsZero() {
		return addr.Zero, err
	}
	if err := s.registerChunks(s, a, npages*addr.BytesInPage); err != nil {
		return addr.Zero, err
	}
	end := a.Add(uintptr(n) * addr.ImmixBlockSize)
	s.lineMark.BulkZero(a, end)
	s.objMark.BulkZero(a, end)
	s.fwd.BulkZero(a, end)
	s.mu.Lock()
	for i := 0; i < n; i++ {
		blockAddr := a.Add(uintptr(i) * addr.ImmixBlockSize)
		s.blocks[blockAddr] = &immixBlock{start: blockAddr, state: BlockUnmarked}
		s.chunkBlocks[addr.ChunkAlign(blockAddr)]++
	}
	s.mu.Unlock()
	return a, nil
}

// GetReusableRun searches the Reusable blocks for a run of at least
// minLines consecutive unmarked lines and returns its start and length
// in lines, or addr.Zero if no block qualifies (the caller then acquires
// a fresh block). The run's line marks are set before it is handed out
// so no other allocator is given an overlapping run; the next trace
// cycle rebuilds them from actual liveness anyway.
func (s *Immix) GetReusableRun(minLines int) (addr.Address, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if b.state != BlockReusable || b.isDefragSource {
			continue
		}
		if addr.LinesPerBlock-b.unavailableLines < minLines {
			continue
		}
		if start, n := s.findRun(b, minLines); n >= minLines {
			for i := 0; i < n; i++ {
				s.lineMark.Store(start.Add(uintptr(i)*addr.ImmixLineSize), 1)
			}
			b.unavailableLines += n
			return start, n
		}
	}
	return addr.Zero, 0
}

// findRun returns the first maximal run of unmarked lines in b that is
// at least n lines long. Caller holds s.mu.
func (s *Immix) findRun(b *immixBlock, n int) (addr.Address, int) {
	run := 0
	for i := 0; i < addr.LinesPerBlock; i++ {
		lineAddr := b.start.Add(uintptr(i) * addr.ImmixLineSize)
		if s.lineMark.Load(lineAddr) == 0 {
			run++
			if run >= n {
				// Extend to the end of the free run before returning.
				for i+1 < addr.LinesPerBlock &&
					s.lineMark.Load(b.start.Add(uintptr(i+1)*addr.ImmixLineSize)) == 0 {
					i++
					run++
				}
				return b.start.Add(uintptr(i+1-run) * addr.ImmixLineSize), run
			}
		} else {
			run = 0
		}
	}
	return addr.Zero, 0
}

func (s *Immix) InSpace(ref addr.ObjectReference) bool {
	a := ref.Address()
	return a >= s.StartAddr() && a < s.StartAddr().Add(s.Extent())
}

// TraceObject marks the object and its line on first visit. If ref's
// block was selected as a defrag source this collection, it is forwarded
// instead, using the identical CAS-on-forwarding-word protocol as
// Copy.TraceObject; the winner reports the new copy as the first visit.
func (s *Immix) TraceObject(t *Trace, ref addr.ObjectReference) addr.ObjectReference {
	blockAddr := ref.Address().AlignDown(addr.ImmixBlockSize)
	s.mu.Lock()
	b, ok := s.blocks[blockAddr]
	defragSource := ok && b.isDefragSource
	s.mu.Unlock()
	if !ok {
		return ref
	}
	if defragSource {
		word := s.fwd.LoadWord(ref.Address())
		switch word & fwdStateMask {
		case fwdForwarded:
			return addr.ObjectReference(word &^ fwdStateMask)
		case fwdBeingForwarded:
			return s.spinDefrag(ref)
		default:
			if !s.fwd.CASWord(ref.Address(), word, fwdBeingForwarded) {
				return s.spinDefrag(ref)
			}
			size := t.ObjectModel.CopyBytes(ref)
			newStart := t.Copy.AllocCopy(s, size, addr.MinAlignment, 0)
			newRef := t.ObjectModel.CopyObject(ref, newStart)
			t.Copy.PostCopy(s, newRef, size)
			s.fwd.StoreWord(ref.Address(), uintptr(newRef)|fwdForwarded)
			s.objMark.Store(newRef.Address(), 1)
			s.markLine(newRef.Address())
			t.ReportFirstVisit(newRef)
			return newRef
		}
	}
	if s.objMark.CAS(ref.Address(), 0, 1) {
		s.markLine(ref.Address())
		t.ReportFirstVisit(ref)
	}
	return ref
}

func (s *Immix) spinDefrag(ref addr.ObjectReference) addr.ObjectReference {
	for {
		w := s.fwd.LoadWord(ref.Address())
		if w&fwdStateMask == fwdForwarded {
			return addr.ObjectReference(w &^ fwdStateMask)
		}
	}
}

// IsLive: marked in place, or evacuated out of a defrag source.
func (s *Immix) IsLive(ref addr.ObjectReference) bool {
	if s.objMark.Load(ref.Address()) != 0 {
		return true
	}
	return s.fwd.LoadWord(ref.Address())&fwdStateMask == fwdForwarded
}

func (s *Immix) markLine(a addr.Address) {
	line := a.AlignDown(addr.ImmixLineSize)
	s.lineMark.Store(line, 1)
	s.mu.Lock()
	blockAddr := a.AlignDown(addr.ImmixBlockSize)
	if b, ok := s.blocks[blockAddr]; ok && b.state == BlockUnmarked {
		b.state = BlockMarked
	}
	s.mu.Unlock()
}

// Prepare selects defrag source blocks when fragmentation history
// crosses the threshold, and clears line and object marks so tracing
// rediscovers this cycle's survivors.
func (s *Immix) Prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defragging = s.shouldDefragLocked()
	for a, b := range s.blocks {
		if b.state == BlockUnallocated {
			continue
		}
		if s.defragging && b.state == BlockReusable {
			b.isDefragSource = true
		}
		end := a.Add(addr.ImmixBlockSize)
		s.lineMark.BulkZero(a, end)
		s.objMark.BulkZero(a, end)
	}
}

// DefragThreshold is the fraction of reusable-but-fragmented blocks that
// triggers opportunistic defrag.
const DefragThreshold = 0.2

func (s *Immix) shouldDefragLocked() bool {
	if len(s.fragmentationHistory) == 0 {
		return false
	}
	return s.fragmentationHistory[len(s.fragmentationHistory)-1] > DefragThreshold
}

// RecordFragmentation appends an observed fragmentation ratio (reusable
// blocks / total blocks) for the defrag decision in the next Prepare.
func (s *Immix) RecordFragmentation(ratio float64) {
	s.mu.Lock()
	s.recordFragmentationLocked(ratio)
	s.mu.Unlock()
}

func (s *Immix) recordFragmentationLocked(ratio float64) {
	s.fragmentationHistory = append(s.fragmentationHistory, ratio)
	if len(s.fragmentationHistory) > 8 {
		s.fragmentationHistory = s.fragmentationHistory[1:]
	}
}

// Release reclassifies every block by its post-trace line marks: no
// lines marked -> freed back to the page resource, all lines marked ->
// Marked (fully live, skipped by the allocator), some marked -> Reusable
// with UnavailableLines recording the live count. The observed
// reusable-block ratio is appended to the fragmentation history for the
// next cycle's defrag decision.
func (s *Immix) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	reusable, total := 0, 0
	for a, b := range s.blocks {
		if b.state == BlockUnallocated {
			continue
		}
		total++
		live := 0
		for i := 0; i < addr.LinesPerBlock; i++ {
			if s.lineMark.Load(a.Add(uintptr(i)*addr.ImmixLineSize)) != 0 {
				live++
			}
		}
		b.isDefragSource = false
		switch {
		case live == 0:
			s.fwd.BulkZero(a, a.Add(addr.ImmixBlockSize))
			sidemetadata.ValidObjectBit.BulkZero(a, a.Add(addr.ImmixBlockSize))
			s.pr.ReleasePages(a, addr.ImmixBlockSize/addr.BytesInPage)
			chunk := addr.ChunkAlign(a)
			s.chunkBlocks[chunk]--
			if s.chunkBlocks[chunk] == 0 {
				s.SFT().ClearChunk(a)
				delete(s.chunkBlocks, chunk)
			}
			delete(s.blocks, a)
			total--
		case live == addr.LinesPerBlock:
			b.state = BlockMarked
			b.unavailableLines = live
		default:
			b.state = BlockReusable
			b.unavailableLines = live
			reusable++
		}
	}
	s.defragging = false
	if total > 0 {
		s.recordFragmentationLocked(float64(reusable) / float64(total))
	}
}

func (s *Immix) ReservedPages() uintptr  { return s.ReservedPagesFrom(s.pr) }
func (s *Immix) CommittedPages() uintptr { return s.CommittedPagesFrom(s.pr) }

var _ Space = (*Immix)(nil)
