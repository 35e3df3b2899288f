// Package mmtkerrors defines the error taxonomy shared by every package in
// the tree. Recoverable conditions are returned as errors;
// everything classified fatal below is raised with Fatal, which logs a
// structured diagnostic through logrus before panicking.
package mmtkerrors

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AllocationErrorKind distinguishes why an allocation could not be
// satisfied.
type AllocationErrorKind int

const (
	// HeapOutOfMemory means collection ran and still could not reclaim
	// enough space.
	HeapOutOfMemory AllocationErrorKind = iota
	// MmapOutOfMemory means the OS refused to back more pages.
	MmapOutOfMemory
)

func (k AllocationErrorKind) String() string {
	switch k {
	case HeapOutOfMemory:
		return "heap-out-of-memory"
	case MmapOutOfMemory:
		return "mmap-out-of-memory"
	default:
		return "unknown-allocation-error"
	}
}

// AllocationError is returned by slow-path allocation when every retry
// has been exhausted.
type AllocationError struct {
	Kind AllocationErrorKind
	Size uintptr
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed (%s): requested %d bytes", e.Kind, e.Size)
}

// Sentinel errors for the non-fatal part of the taxonomy.
var (
	// ErrMmapConflict: target range already mapped and replace=false.
	ErrMmapConflict = errors.New("mmtk: mmap target already mapped (replace=false)")
	// ErrConfigInvalid: a bad option or VM layout value at init.
	ErrConfigInvalid = errors.New("mmtk: invalid configuration")
)

// SanityViolation records a fatal tracing invariant break: duplicate slot
// seen during tracing, mark bit unset on a known-live object, or a
// dangling reference encountered where none was expected.
type SanityViolation struct {
	Reason    string
	Fields    logrus.Fields
	SFTDump   string
	VMMapDump string
}

func (s *SanityViolation) Error() string {
	return fmt.Sprintf("mmtk: sanity violation: %s", s.Reason)
}

// Fatal logs a structured diagnostic and panics. It is the only place in
// the tree allowed to turn an error into a panic; every call site names
// which fatal category it belongs to via the "category"
// field.
func Fatal(category string, err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["category"] = category
	logrus.WithFields(fields).Error(err)
	panic(err)
}

// ConfigInvalid wraps ErrConfigInvalid with a specific reason. Like
// BindingMisuse it is returned as an ordinary error so validation code
// can compose and test it; the init path that calls it is expected to
// escalate it to Fatal once it has nowhere else to propagate the error.
func ConfigInvalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, reason)
}

// BindingMisuse reports a call sequence the binding should never make,
// e.g. allocating before InitializeCollection and then exceeding the
// heap. It is returned to the caller as an ordinary error.
func BindingMisuse(reason string) error {
	return fmt.Errorf("mmtk: GC is not allowed here: %s", reason)
}
