package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
)

func TestJobRegistryLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := NewJobRegistry(
		jobs.Record{ID: "b", Status: jobs.StatusRunning, SourceCode: "gov", RetryCount: 3},
		jobs.Record{ID: "a", Status: jobs.StatusRunning, SourceCode: "news"},
		jobs.Record{ID: "c", Status: jobs.StatusIndexed, SourceCode: "gov"},
	)

	running, err := reg.List(ctx, jobs.Query{Status: jobs.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "a", running[0].ID)

	gov, err := reg.List(ctx, jobs.Query{SourceCode: "gov", JobIDs: []string{"c"}})
	require.NoError(t, err)
	require.Len(t, gov, 1)
	assert.Equal(t, "c", gov[0].ID)

	changed, err := reg.SetRetryable(ctx, "b")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := reg.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRetryable, got.Status)
	assert.Zero(t, got.RetryCount)

	changed, err = reg.SetRetryable(ctx, "b")
	require.NoError(t, err)
	assert.False(t, changed, "second transition is a no-op")

	_, err = reg.Get(ctx, "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestJobRegistryTouch(t *testing.T) {
	t.Parallel()

	reg := NewJobRegistry(jobs.Record{ID: "a", Status: jobs.StatusRunning})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.Touch("a", at)

	got, err := reg.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, at, got.Progress())
}
