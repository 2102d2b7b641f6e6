// Package lock provides the non-blocking run lock that serialises watchdog
// cycles across processes.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// RunLock is an advisory flock(2) on a lock file. The kernel drops the lock
// when the holding process exits, so a crashed cycle never wedges the next one.
type RunLock struct {
	path string
	fl   *flock.Flock
}

// New returns an unlocked RunLock for path.
func New(path string) *RunLock {
	return &RunLock{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.path
}

// TryAcquire takes the lock without blocking. It returns an error wrapping
// tiering.ErrLockContention when another holder has it.
func (l *RunLock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	locked, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock %s: %w", l.path, err)
	}
	if !locked {
		return tiering.NewPathError("acquire run lock", l.path, tiering.ErrLockContention, nil)
	}
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *RunLock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release run lock %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this handle currently owns the lock.
func (l *RunLock) Held() bool {
	return l.fl.Locked()
}
