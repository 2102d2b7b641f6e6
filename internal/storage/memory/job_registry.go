package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
)

// JobRegistry is an in-memory jobs.Registry for development and drills.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]jobs.Record
	// FailSetRetryable forces SetRetryable to fail for the listed IDs.
	FailSetRetryable map[string]error
}

// NewJobRegistry seeds a registry with records.
func NewJobRegistry(records ...jobs.Record) *JobRegistry {
	r := &JobRegistry{jobs: make(map[string]jobs.Record, len(records))}
	for _, rec := range records {
		r.jobs[rec.ID] = rec
	}
	return r
}

// Put inserts or replaces a record.
func (r *JobRegistry) Put(rec jobs.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[rec.ID] = rec
}

// Touch records progress for a job.
func (r *JobRegistry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return
	}
	ts := at
	rec.LastProgressAt = &ts
	r.jobs[id] = rec
}

// List returns matching records ordered by ID.
func (r *JobRegistry) List(_ context.Context, q jobs.Query) ([]jobs.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]jobs.Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		if q.SourceCode != "" && rec.SourceCode != q.SourceCode {
			continue
		}
		if len(q.JobIDs) > 0 && !slices.Contains(q.JobIDs, rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b jobs.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// Get fetches a job by ID.
func (r *JobRegistry) Get(_ context.Context, id string) (jobs.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return jobs.Record{}, jobs.ErrNotFound
	}
	return rec, nil
}

// SetRetryable moves a running job to retryable.
func (r *JobRegistry) SetRetryable(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailSetRetryable[id]; err != nil {
		return false, err
	}
	rec, ok := r.jobs[id]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if rec.Status != jobs.StatusRunning {
		return false, nil
	}
	rec.Status = jobs.StatusRetryable
	rec.RetryCount = 0
	r.jobs[id] = rec
	return true, nil
}
