// Package errs defines the error taxonomy of the graph runtime.
//
// Every typed error reports its kind through errors.Is, so callers can branch on
// the kind without knowing the concrete type:
//
//	if errors.Is(err, errs.ErrUsage) { ... }
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Error kinds.
var (
	ErrUsage          = errors.New("usage error")
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrUnsupported    = errors.New("unsupported configuration")
	ErrCorruptArchive = errors.New("corrupt archive")
)

// UsageError reports an API called in the wrong state or with the wrong arguments,
// e.g. running before weights are bound or binding weights twice.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Is implements errors.Is.
func (e *UsageError) Is(target error) bool { return target == ErrUsage }

// Usagef builds a UsageError.
func Usagef(op, format string, args ...any) error {
	return &UsageError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ShapeMismatchError reports an argument that disagrees with its declared signature.
type ShapeMismatchError struct {
	Index    int    // argument index
	Field    string // "count", "dtype", "rank", "dim" or "device"
	Expected string
	Actual   string
}

func (e *ShapeMismatchError) Error() string {
	if e.Field == "count" {
		return fmt.Sprintf("expected %s inputs, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("input %d: %s mismatch: expected %s, got %s", e.Index, e.Field, e.Expected, e.Actual)
}

// Is implements errors.Is.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// PoolStatus is a snapshot of a memory pool, attached to out-of-memory errors.
type PoolStatus struct {
	Device    string
	Allocated int64
	Peak      int64
	Reserved  int64
	Active    int64
}

// String renders the status the way the pool logs it.
func (s PoolStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status of %s memory pool\n", s.Device)
	fmt.Fprintf(&b, "%12s: %s\n", "Allocated", FormatBytes(s.Allocated))
	fmt.Fprintf(&b, "%12s: %s\n", "Peak", FormatBytes(s.Peak))
	fmt.Fprintf(&b, "%12s: %s\n", "Reserved", FormatBytes(s.Reserved))
	fmt.Fprintf(&b, "%12s: %s", "Active", FormatBytes(s.Active))
	return b.String()
}

// OutOfMemoryError is returned when an allocation still fails after the pool has
// released every cached block back to the device.
type OutOfMemoryError struct {
	Requested int64
	Status    PoolStatus
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("can not allocate %s from %s device.\n%s", FormatBytes(e.Requested), e.Status.Device, e.Status)
}

// Is implements errors.Is.
func (e *OutOfMemoryError) Is(target error) bool { return target == ErrOutOfMemory }

// UnsupportedConfigurationError is raised before any device work when a request can
// not be honoured for this graph, e.g. capturing a graph with dynamic shapes.
type UnsupportedConfigurationError struct {
	Feature string
	Reason  string
}

func (e *UnsupportedConfigurationError) Error() string {
	return fmt.Sprintf("cannot create %s: %s", e.Feature, e.Reason)
}

// Is implements errors.Is.
func (e *UnsupportedConfigurationError) Is(target error) bool { return target == ErrUnsupported }

// CorruptArchiveError describes malformed persisted content. Readers that can
// degrade (the dispatch table) log it and carry on with empty state.
type CorruptArchiveError struct {
	Path   string
	Line   int
	Reason string
}

func (e *CorruptArchiveError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Is implements errors.Is.
func (e *CorruptArchiveError) Is(target error) bool { return target == ErrCorruptArchive }

// FormatBytes renders a byte count in the largest unit that keeps it above one.
func FormatBytes(n int64) string {
	switch {
	case n > 1024*1024:
		return fmt.Sprintf("%d MiB", n/1024/1024)
	case n > 1024:
		return fmt.Sprintf("%d KiB", n/1024)
	default:
		return fmt.Sprintf("%d Bytes", n)
	}
}
