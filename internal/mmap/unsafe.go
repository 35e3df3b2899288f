package mmap

import "unsafe"

// unsafeSliceAddr returns the address of a mapped byte slice's backing
// storage, i.e. the address the kernel chose for an unhinted mmap.
func unsafeSliceAddr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
