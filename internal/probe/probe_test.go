package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

type stubTable struct {
	mounted map[string]bool
}

func (s stubTable) IsMountpoint(path string) (bool, error) { return s.mounted[path], nil }

func (s stubTable) Lookup(path string) (tiering.MountInfo, bool, error) {
	return tiering.MountInfo{MountPoint: path}, s.mounted[path], nil
}

func (s stubTable) SameSource(string, string) (bool, error) { return true, nil }

func TestProbeHealthyDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.warc.gz"), []byte("x"), 0o600))

	p := New(stubTable{mounted: map[string]bool{dir: true}})
	res := p.Probe(context.Background(), dir)
	assert.True(t, res.Healthy())
	assert.True(t, res.Mounted)
	assert.Equal(t, tiering.KindNone, res.Kind)
	assert.NoError(t, res.Err)
}

func TestProbeEmptyDirectoryIsReadable(t *testing.T) {
	t.Parallel()

	res := New(nil).Probe(context.Background(), t.TempDir())
	assert.True(t, res.Healthy())
	assert.False(t, res.Mounted)
}

func TestProbeAbsentPath(t *testing.T) {
	t.Parallel()

	res := New(nil).Probe(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, tiering.KindAbsent, res.Kind)
	assert.False(t, res.Readable)
	assert.ErrorIs(t, res.Err, os.ErrNotExist)
}

func TestProbeStaleReadClassified(t *testing.T) {
	t.Parallel()

	p := New(stubTable{mounted: map[string]bool{"/srv/a": true}})
	p.lstat = func(string) error { return nil }
	p.readdir = func(path string) error {
		return &os.PathError{Op: "open", Path: path, Err: syscall.ENOTCONN}
	}

	res := p.Probe(context.Background(), "/srv/a")
	assert.Equal(t, tiering.KindStale, res.Kind)
	assert.True(t, res.Mounted)
	assert.Contains(t, res.Detail, "not connected")
}

func TestProbePermissionDenied(t *testing.T) {
	t.Parallel()

	p := New(nil)
	p.lstat = func(string) error { return nil }
	p.readdir = func(path string) error {
		return &os.PathError{Op: "open", Path: path, Err: syscall.EACCES}
	}
	res := p.Probe(context.Background(), "/srv/a")
	assert.Equal(t, tiering.KindPermissionDenied, res.Kind)
}

func TestProbeHungCallTimesOutAsStale(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p := New(nil, WithTimeout(20*time.Millisecond))
	p.lstat = func(string) error {
		<-release
		return nil
	}

	start := time.Now()
	res := p.Probe(context.Background(), "/srv/hung")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, tiering.KindStale, res.Kind)
	assert.ErrorIs(t, res.Err, ErrTimeout)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want tiering.ErrorKind
	}{
		{nil, tiering.KindNone},
		{syscall.ENOTCONN, tiering.KindStale},
		{syscall.ESTALE, tiering.KindStale},
		{syscall.EIO, tiering.KindStale},
		{syscall.EHOSTDOWN, tiering.KindStale},
		{syscall.ECONNABORTED, tiering.KindStale},
		{syscall.ETIMEDOUT, tiering.KindStale},
		{fmt.Errorf("wrapped: %w", ErrTimeout), tiering.KindStale},
		{syscall.EACCES, tiering.KindPermissionDenied},
		{syscall.EPERM, tiering.KindPermissionDenied},
		{&os.PathError{Op: "stat", Path: "/x", Err: syscall.ENOENT}, tiering.KindAbsent},
		{syscall.ENOTDIR, tiering.KindUnknown},
		{errors.New("boom"), tiering.KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}
