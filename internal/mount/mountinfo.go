// Package mount reads the kernel mount table and performs bind mounts.
package mount

import (
	"fmt"
	"path/filepath"

	"github.com/moby/sys/mountinfo"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// DefaultMountInfoPath is the per-process mount table exposed by Linux.
const DefaultMountInfoPath = "/proc/self/mountinfo"

// Table implements tiering.MountTable over a mountinfo file. The file is
// re-read on every call so callers always see the live table.
type Table struct {
	path string
}

// NewTable returns a Table reading path (DefaultMountInfoPath when empty).
func NewTable(path string) *Table {
	if path == "" {
		path = DefaultMountInfoPath
	}
	return &Table{path: path}
}

// Entries returns the rows of the mount table accepted by filter, in kernel
// order. A nil filter returns every row.
func (t *Table) Entries(filter mountinfo.FilterFunc) ([]tiering.MountInfo, error) {
	infos, err := t.mounts(filter)
	if err != nil {
		return nil, err
	}
	out := make([]tiering.MountInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, fromInfo(info))
	}
	return out, nil
}

// IsMountpoint reports whether path is listed as a mountpoint.
func (t *Table) IsMountpoint(path string) (bool, error) {
	_, ok, err := t.Lookup(path)
	return ok, err
}

// Lookup returns the topmost mount at exactly path.
func (t *Table) Lookup(path string) (tiering.MountInfo, bool, error) {
	entries, err := t.Entries(mountedAt(filepath.Clean(path)))
	if err != nil || len(entries) == 0 {
		return tiering.MountInfo{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// SameSource reports whether hotPath is mounted from coldPath: the hot mount
// must share the device of the filesystem holding coldPath and expose the
// same directory of it.
func (t *Table) SameSource(hotPath, coldPath string) (bool, error) {
	hot, ok, err := t.Lookup(hotPath)
	if err != nil || !ok {
		return false, err
	}
	coldPath = filepath.Clean(coldPath)
	parents, err := t.Entries(mountinfo.ParentsFilter(coldPath))
	if err != nil {
		return false, err
	}
	cold, ok := containingMount(parents, coldPath)
	if !ok || hot.Device != cold.Device {
		return false, nil
	}
	rel, err := filepath.Rel(cold.MountPoint, coldPath)
	if err != nil {
		return false, fmt.Errorf("relate %s to %s: %w", coldPath, cold.MountPoint, err)
	}
	return filepath.Clean(hot.Root) == filepath.Join(cold.Root, rel), nil
}

// mountedAt keeps every mount stacked at exactly path. Unlike
// mountinfo.SingleEntryFilter it does not stop at the first match, so the
// topmost mount is the last one returned.
func mountedAt(path string) mountinfo.FilterFunc {
	return func(info *mountinfo.Info) (skip, stop bool) {
		return info.Mountpoint != path, false
	}
}

// containingMount returns the deepest mount that contains path. Later
// entries win ties because they are stacked on top. ParentsFilter matches on
// string prefixes, so components are checked again here.
func containingMount(entries []tiering.MountInfo, path string) (tiering.MountInfo, bool) {
	var (
		found tiering.MountInfo
		ok    bool
	)
	for _, e := range entries {
		if !tiering.WithinPath(e.MountPoint, path) {
			continue
		}
		if !ok || len(e.MountPoint) >= len(found.MountPoint) {
			found, ok = e, true
		}
	}
	return found, ok
}

func fromInfo(info *mountinfo.Info) tiering.MountInfo {
	return tiering.MountInfo{
		MountPoint: info.Mountpoint,
		Root:       info.Root,
		Device:     fmt.Sprintf("%d:%d", info.Major, info.Minor),
		FSType:     info.FSType,
		Source:     info.Source,
	}
}
