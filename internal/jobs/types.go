// Package jobs recovers ingestion job records that are stuck in the running
// state so the scheduler can retry them.
package jobs

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an ingestion job as recorded by the scheduler.
type Status string

// Job statuses. Only running -> retryable is ever written by this package.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetryable Status = "retryable"
	StatusFailed    Status = "failed"
	StatusIndexed   Status = "indexed"
)

// ErrNotFound is returned when a job ID is unknown to the registry.
var ErrNotFound = errors.New("job not found")

// Record is one ingestion job as seen by the recovery subsystem.
type Record struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	SourceCode     string     `json:"source_code"`
	OutputDir      string     `json:"output_dir"`
	StartedAt      time.Time  `json:"started_at"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
}

// Progress returns the last progress timestamp, falling back to the start time.
func (r Record) Progress() time.Time {
	if r.LastProgressAt != nil && !r.LastProgressAt.IsZero() {
		return *r.LastProgressAt
	}
	return r.StartedAt
}

// Query narrows a registry listing. Zero values match everything.
type Query struct {
	Status     Status
	SourceCode string
	JobIDs     []string
}

// Registry is the job store owned by the ingestion scheduler.
type Registry interface {
	List(ctx context.Context, q Query) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// SetRetryable moves a running job to retryable and resets its retry
	// count. It reports false when the job was no longer running.
	SetRetryable(ctx context.Context, id string) (bool, error)
}

// Filter selects stale jobs for recovery.
type Filter struct {
	// OlderThan is the minimum time since last progress.
	OlderThan time.Duration
	// RequireNoProgress is a second gate on the same signal; the larger wins.
	RequireNoProgress time.Duration
	SourceCode        string
	JobID             string
	// JobIDs scopes recovery to a set of jobs, e.g. those on a broken path.
	JobIDs []string
	// Limit caps the number of candidates; 0 means unlimited.
	Limit int
}

// Threshold returns the effective staleness threshold.
func (f Filter) Threshold() time.Duration {
	return max(f.OlderThan, f.RequireNoProgress)
}

func (f Filter) ids() []string {
	if f.JobID == "" {
		return f.JobIDs
	}
	return append([]string{f.JobID}, f.JobIDs...)
}

// RecoveryResult reports a recovery pass.
type RecoveryResult struct {
	Candidates []Record `json:"candidates"`
	Recovered  int      `json:"recovered"`
	// Unchanged counts candidates that left the running state before the update.
	Unchanged int     `json:"unchanged"`
	Errors    []error `json:"-"`
}

// Err joins the per-record errors.
func (r RecoveryResult) Err() error {
	return errors.Join(r.Errors...)
}
