package tiering

import (
	"context"
	"time"
)

// Prober checks whether a path is a live, readable mount. Implementations
// must bound their execution time and never return an error.
type Prober interface {
	Probe(ctx context.Context, path string) ProbeResult
}

// MountTable gives read-only access to the kernel mount table. Reading it
// never touches the mounted filesystems themselves.
type MountTable interface {
	IsMountpoint(path string) (bool, error)
	Lookup(path string) (MountInfo, bool, error)
	// SameSource reports whether hotPath is a bind mount of coldPath.
	SameSource(hotPath, coldPath string) (bool, error)
}

// Mounter performs mount table mutations.
type Mounter interface {
	MountTable
	BindMount(source, target string) error
	Unmount(target string) error
	// LazyUnmount detaches the mountpoint even if it is busy or unresponsive.
	LazyUnmount(target string) error
	MkdirAll(path string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
