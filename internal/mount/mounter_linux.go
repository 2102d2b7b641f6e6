//go:build linux

package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mounter performs bind mounts and unmounts through mount(2)/umount2(2).
// It needs CAP_SYS_ADMIN.
type Mounter struct {
	*Table
}

// NewMounter returns a Mounter that inspects table before mutating it.
func NewMounter(table *Table) *Mounter {
	if table == nil {
		table = NewTable("")
	}
	return &Mounter{Table: table}
}

// BindMount mounts source onto target with MS_BIND.
func (m *Mounter) BindMount(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return &os.PathError{Op: "mount --bind " + source, Path: target, Err: err}
	}
	return nil
}

// Unmount performs a plain unmount of target.
func (m *Mounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return &os.PathError{Op: "umount", Path: target, Err: err}
	}
	return nil
}

// LazyUnmount detaches target with MNT_DETACH.
func (m *Mounter) LazyUnmount(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return &os.PathError{Op: "umount -l", Path: target, Err: err}
	}
	return nil
}

// MkdirAll creates target and any missing parents.
func (m *Mounter) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
