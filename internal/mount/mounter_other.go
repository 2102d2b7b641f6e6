//go:build !linux

package mount

import (
	"os"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// Mounter is unavailable off Linux; every mutation returns tiering.ErrUnsupported.
type Mounter struct {
	*Table
}

// NewMounter returns a Mounter whose mutations all fail.
func NewMounter(table *Table) *Mounter {
	if table == nil {
		table = NewTable("")
	}
	return &Mounter{Table: table}
}

// BindMount is unsupported.
func (m *Mounter) BindMount(_, target string) error {
	return &os.PathError{Op: "mount --bind", Path: target, Err: tiering.ErrUnsupported}
}

// Unmount is unsupported.
func (m *Mounter) Unmount(target string) error {
	return &os.PathError{Op: "umount", Path: target, Err: tiering.ErrUnsupported}
}

// LazyUnmount is unsupported.
func (m *Mounter) LazyUnmount(target string) error {
	return &os.PathError{Op: "umount -l", Path: target, Err: tiering.ErrUnsupported}
}

// MkdirAll creates path and any missing parents.
func (m *Mounter) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}
