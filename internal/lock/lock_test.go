package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

func TestRunLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", "watchdog.lock")
	first := New(path)
	second := New(path)

	require.NoError(t, first.TryAcquire())
	assert.True(t, first.Held())

	err := second.TryAcquire()
	require.ErrorIs(t, err, tiering.ErrLockContention)
	assert.False(t, second.Held())

	require.NoError(t, first.Release())
	require.NoError(t, second.TryAcquire())
	require.NoError(t, second.Release())
}

func TestRunLockReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l := New(filepath.Join(t.TempDir(), "watchdog.lock"))
	require.NoError(t, l.Release())
	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	assert.Equal(t, filepath.Base(l.Path()), "watchdog.lock")
}
