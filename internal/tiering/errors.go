package tiering

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the tiering subsystem. Callers match with errors.Is.
var (
	// ErrConfig marks manifest or cold-path problems that need an operator fix.
	ErrConfig = errors.New("tiering config error")
	// ErrStaleMount marks a mounted path failing with a transport-disconnect class error.
	ErrStaleMount = errors.New("stale mount")
	// ErrPermission marks access-control failures. These are never auto-repaired.
	ErrPermission = errors.New("permission denied")
	// ErrAbsentPath marks a path that does not exist at all.
	ErrAbsentPath = errors.New("path absent")
	// ErrUnmountFailure marks a stale mountpoint that could not be released.
	ErrUnmountFailure = errors.New("unmount failed")
	// ErrLockContention means another watchdog cycle holds the run lock.
	ErrLockContention = errors.New("run lock held elsewhere")
	// ErrCapExceeded means the per-target daily recovery cap was reached.
	ErrCapExceeded = errors.New("recovery cap exceeded")
	// ErrPartialRepair means an ordered repair step failed and the rest were halted.
	ErrPartialRepair = errors.New("partial repair failure")
	// ErrUnsupported is returned by mount primitives on platforms without bind mounts.
	ErrUnsupported = errors.New("mount operations unsupported on this platform")
)

// PathError ties an error kind to the path and operation that produced it.
type PathError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

// NewPathError builds a PathError.
func NewPathError(op, path string, kind, err error) *PathError {
	return &PathError{Op: op, Path: path, Kind: kind, Err: err}
}

func (e *PathError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *PathError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindError maps a probe classification onto its error kind.
func KindError(kind ErrorKind) error {
	switch kind {
	case KindNone:
		return nil
	case KindStale:
		return ErrStaleMount
	case KindPermissionDenied:
		return ErrPermission
	case KindAbsent:
		return ErrAbsentPath
	default:
		return errors.New("unclassified probe failure")
	}
}
