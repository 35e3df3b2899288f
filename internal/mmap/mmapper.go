// Package mmap is the one package in the tree allowed to call directly
// into the operating system's virtual memory interface. Every space and
// page resource reserves and commits memory through the Mmapper here
// instead of calling unix.Mmap itself, so the "which pages are
// committed" bookkeeping lives in exactly one place.
package mmap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/mmtkerrors"
)

// Mmapper reserves and commits page-aligned ranges and tracks which
// chunks have been committed so EnsureMapped is idempotent and IsMapped
// is O(1).
type Mmapper struct {
	mu        sync.Mutex
	committed map[uintptr]bool // chunk index -> committed
}

// NewMmapper returns an Mmapper with nothing committed yet.
func NewMmapper() *Mmapper {
	return &Mmapper{committed: make(map[uintptr]bool)}
}

// rawMmapFixed issues the mmap(2) syscall directly (rather than through
// unix.Mmap, which only ever hands back a slice it picked the address
// for) so the page resource can reserve specific chunks of the VM
// layout's address space with MAP_FIXED.
func rawMmapFixed(at addr.Address, n uintptr) error {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_FIXED
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(at), n,
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// ReserveAndCommit mmaps a fresh, zero-filled, page-aligned range of n
// bytes. If hint is non-zero the mapping is placed exactly there
// (MAP_FIXED); otherwise the kernel chooses the address.
func (m *Mmapper) ReserveAndCommit(hint addr.Address, n uintptr) (addr.Address, error) {
	n = addr.PageAlign(n)
	if !hint.IsZero() {
		if err := rawMmapFixed(hint, n); err != nil {
			return addr.Zero, &mmtkerrors.AllocationError{Kind: mmtkerrors.MmapOutOfMemory, Size: n}
		}
		m.markCommitted(hint, n)
		return hint, nil
	}
	data, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return addr.Zero, &mmtkerrors.AllocationError{Kind: mmtkerrors.MmapOutOfMemory, Size: n}
	}
	base := addr.Address(uintptr(unsafeSliceAddr(data)))
	m.markCommitted(base, n)
	return base, nil
}

// EnsureMapped guarantees that [a, a+n) is backed by committed memory,
// mapping any not-yet-committed chunks. Calling it twice has the same
// effect as calling it once.
func (m *Mmapper) EnsureMapped(a addr.Address, n uintptr) error {
	n = addr.PageAlign(n)
	m.mu.Lock()
	defer m.mu.Unlock()
	start := addr.ChunkIndex(a)
	end := addr.ChunkIndex(a.Add(n - 1))
	for idx := start; idx <= end; idx++ {
		if m.committed[idx] {
			continue
		}
		chunkAddr := addr.Address(idx << addr.ChunkShift)
		if err := rawMmapFixed(chunkAddr, addr.ChunkSize); err != nil {
			return &mmtkerrors.AllocationError{Kind: mmtkerrors.MmapOutOfMemory, Size: addr.ChunkSize}
		}
		m.committed[idx] = true
	}
	return nil
}

// Map maps [a, a+n) without EnsureMapped's idempotent skipping of chunks
// that are already committed: if any chunk in the range is already mapped and
// replace is false this returns ErrMmapConflict: mapping over an
// already-mapped page must be asked for explicitly.
func (m *Mmapper) Map(a addr.Address, n uintptr, replace bool) error {
	n = addr.PageAlign(n)
	m.mu.Lock()
	defer m.mu.Unlock()
	start := addr.ChunkIndex(a)
	end := addr.ChunkIndex(a.Add(n - 1))
	if !replace {
		for idx := start; idx <= end; idx++ {
			if m.committed[idx] {
				return mmtkerrors.ErrMmapConflict
			}
		}
	}
	for idx := start; idx <= end; idx++ {
		if m.committed[idx] && !replace {
			continue
		}
		chunkAddr := addr.Address(idx << addr.ChunkShift)
		if err := rawMmapFixed(chunkAddr, addr.ChunkSize); err != nil {
			return &mmtkerrors.AllocationError{Kind: mmtkerrors.MmapOutOfMemory, Size: addr.ChunkSize}
		}
		m.committed[idx] = true
	}
	return nil
}

// IsMapped reports whether a's chunk has been committed.
func (m *Mmapper) IsMapped(a addr.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[addr.ChunkIndex(a)]
}

// Protect removes access to [a, a+n), used by PageProtect space release
// to trap dangling accesses to freed single-object pages.
func (m *Mmapper) Protect(a addr.Address, n uintptr) error {
	n = addr.PageAlign(n)
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(a), n, uintptr(unix.PROT_NONE))
	if errno != 0 {
		return errno
	}
	return nil
}

// Unmap releases [a, a+n) back to the OS and clears its committed bits.
func (m *Mmapper) Unmap(a addr.Address, n uintptr) error {
	n = addr.PageAlign(n)
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(a), n, 0)
	if errno != 0 {
		return fmt.Errorf("mmtk: munmap %x..%x: %w", uintptr(a), uintptr(a)+n, errno)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start := addr.ChunkIndex(a)
	end := addr.ChunkIndex(a.Add(n - 1))
	for idx := start; idx <= end; idx++ {
		delete(m.committed, idx)
	}
	return nil
}

// Discard advises the OS that the physical pages behind [a, a+n) can be
// dropped without unmapping the virtual range, used when a treadmill or
// Immix block is freed but its chunk may be reused soon.
func (m *Mmapper) Discard(a addr.Address, n uintptr) error {
	n = addr.PageAlign(n)
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, uintptr(a), n, uintptr(unix.MADV_DONTNEED))
	if errno != 0 {
		return errno
	}
	return nil
}

func (m *Mmapper) markCommitted(base addr.Address, n uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := addr.ChunkIndex(base)
	end := addr.ChunkIndex(base.Add(n - 1))
	for idx := start; idx <= end; idx++ {
		m.committed[idx] = true
	}
}
