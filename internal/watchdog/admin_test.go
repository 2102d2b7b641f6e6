package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/lock"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
	"github.com/JakeFAU/warc-tiering/internal/watchdog"
)

func TestSetEnabled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	st, err := e.wd.SetEnabled(context.Background(), e.cfg, false)
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	got, err := watchdog.Status(e.cfg)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Contains(t, e.textfile(t), "warc_tiering_watchdog_enabled 0")

	_, err = e.wd.SetEnabled(context.Background(), e.cfg, true)
	require.NoError(t, err)
	got, err = watchdog.Status(e.cfg)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestSetEnabledRespectsRunLock(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	held := lock.New(e.cfg.LockFile)
	require.NoError(t, held.TryAcquire())
	t.Cleanup(func() { _ = held.Release() })

	_, err := e.wd.SetEnabled(context.Background(), e.cfg, false)
	require.ErrorIs(t, err, tiering.ErrLockContention)
}

func TestStatusWithoutStateFile(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	st, err := watchdog.Status(e.cfg)
	require.NoError(t, err)
	assert.True(t, st.Enabled, "a fresh install starts enabled")

	_, err = watchdog.Status(watchdog.Config{})
	require.ErrorIs(t, err, tiering.ErrConfig)
}

func TestServeRunsUntilCancelled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.wd.Serve(ctx, e.cfg, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, ok := e.wd.LastOutcome()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	assert.Error(t, e.wd.Serve(context.Background(), e.cfg, 0))
}
