// Package tiering defines the hot/cold storage model and the bind-mount manager
// that keeps canonical hot paths pointed at their cold-tier storage.
package tiering

import (
	"path/filepath"
	"strings"
	"time"
)

// ManifestEntry pairs a cold-tier storage location with the hot path it is
// bind-mounted onto.
type ManifestEntry struct {
	ColdPath string `json:"cold_path"`
	HotPath  string `json:"hot_path"`
	// Line is the 1-based manifest line the entry was parsed from.
	Line int `json:"line,omitempty"`
}

// Manifest is the ordered list of tiering entries. Order is processing order.
type Manifest struct {
	Source  string          `json:"source,omitempty"`
	Entries []ManifestEntry `json:"entries"`
}

// HotPaths returns the hot paths in manifest order.
func (m Manifest) HotPaths() []string {
	out := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.HotPath)
	}
	return out
}

// EntryFor returns the entry whose hot path equals or contains path.
// When several entries match, the deepest hot path wins.
func (m Manifest) EntryFor(path string) (ManifestEntry, bool) {
	var (
		best  ManifestEntry
		found bool
	)
	for _, e := range m.Entries {
		if !WithinPath(e.HotPath, path) {
			continue
		}
		if !found || len(e.HotPath) > len(best.HotPath) {
			best = e
			found = true
		}
	}
	return best, found
}

// ResolveCold maps a path to the cold-tier location that backs it. Paths
// under a hot path are translated through the manifest; anything else is
// returned cleaned, as-is.
func (m Manifest) ResolveCold(path string) string {
	clean := filepath.Clean(path)
	entry, ok := m.EntryFor(clean)
	if !ok {
		return clean
	}
	rel, err := filepath.Rel(entry.HotPath, clean)
	if err != nil || rel == "." {
		return filepath.Clean(entry.ColdPath)
	}
	return filepath.Join(entry.ColdPath, rel)
}

// WithinPath reports whether path equals base or lives beneath it.
func WithinPath(base, path string) bool {
	base = filepath.Clean(base)
	path = filepath.Clean(path)
	if base == path {
		return true
	}
	if base == string(filepath.Separator) {
		return strings.HasPrefix(path, base)
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

// PathsOverlap reports whether one path contains the other.
func PathsOverlap(a, b string) bool {
	return WithinPath(a, b) || WithinPath(b, a)
}

// ErrorKind classifies the outcome of a mount probe.
type ErrorKind string

// Probe classifications.
const (
	KindNone             ErrorKind = "none"
	KindStale            ErrorKind = "stale"
	KindPermissionDenied ErrorKind = "permissionDenied"
	KindAbsent           ErrorKind = "absent"
	KindUnknown          ErrorKind = "unknown"
)

// ProbeResult is the classified outcome of probing one path.
type ProbeResult struct {
	Path     string        `json:"path"`
	Mounted  bool          `json:"mounted"`
	Readable bool          `json:"readable"`
	Kind     ErrorKind     `json:"error_kind"`
	Detail   string        `json:"detail,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

// Healthy reports whether the probe saw a readable path.
func (r ProbeResult) Healthy() bool {
	return r.Kind == KindNone && r.Readable
}

// ApplyOptions controls a manager run.
type ApplyOptions struct {
	// ColdBase is the base cold-storage mount. When set it must probe healthy
	// before any entry is touched.
	ColdBase          string
	RepairStaleMounts bool
	DryRun            bool
}

// ActionKind names a filesystem mutation the manager performs or plans.
type ActionKind string

// Manager actions.
const (
	ActionUnmount     ActionKind = "unmount"
	ActionLazyUnmount ActionKind = "lazy-unmount"
	ActionMkdir       ActionKind = "mkdir"
	ActionBind        ActionKind = "bind"
	ActionNoop        ActionKind = "noop"
)

// Action records one planned or executed manager step.
type Action struct {
	Kind     ActionKind `json:"kind"`
	HotPath  string     `json:"hot_path"`
	ColdPath string     `json:"cold_path,omitempty"`
	Executed bool       `json:"executed"`
}

// ApplyResult summarises a manager run.
type ApplyResult struct {
	Planned    int      `json:"planned"`
	MountedNow int      `json:"mounted_now"`
	Errors     []error  `json:"-"`
	Actions    []Action `json:"actions"`
}

// MountInfo describes one row of the kernel mount table.
type MountInfo struct {
	MountPoint string `json:"mount_point"`
	// Root is the path inside the source filesystem that is mounted here.
	Root   string `json:"root"`
	Device string `json:"device"`
	FSType string `json:"fs_type"`
	Source string `json:"source"`
}
