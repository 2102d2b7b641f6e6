package jobs

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// Recoverer transitions stale running jobs to retryable.
type Recoverer struct {
	registry Registry
	clock    tiering.Clock
	logger   *zap.Logger
}

// NewRecoverer constructs a Recoverer.
func NewRecoverer(registry Registry, clock tiering.Clock, logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{registry: registry, clock: clock, logger: logger}
}

// Running lists running jobs, optionally narrowed to a source.
func (r *Recoverer) Running(ctx context.Context, sourceCode string) ([]Record, error) {
	records, err := r.registry.List(ctx, Query{Status: StatusRunning, SourceCode: sourceCode})
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	return records, nil
}

// RecoverStale selects running jobs whose last progress is older than the
// filter threshold, oldest first. With apply set each candidate is moved to
// retryable in its own transaction; per-record failures are collected in the
// result and never stop the batch. The returned error is reserved for the
// listing itself failing.
func (r *Recoverer) RecoverStale(ctx context.Context, f Filter, apply bool) (RecoveryResult, error) {
	var res RecoveryResult
	records, err := r.registry.List(ctx, Query{
		Status:     StatusRunning,
		SourceCode: f.SourceCode,
		JobIDs:     f.ids(),
	})
	if err != nil {
		return res, fmt.Errorf("list running jobs: %w", err)
	}

	now := r.clock.Now()
	threshold := f.Threshold()
	for _, rec := range records {
		if rec.Status != StatusRunning {
			continue
		}
		if now.Sub(rec.Progress()) <= threshold {
			continue
		}
		res.Candidates = append(res.Candidates, rec)
	}
	slices.SortStableFunc(res.Candidates, func(a, b Record) int {
		return a.Progress().Compare(b.Progress())
	})
	if f.Limit > 0 && len(res.Candidates) > f.Limit {
		res.Candidates = res.Candidates[:f.Limit]
	}

	r.logger.Info("stale job candidates selected",
		zap.Int("candidates", len(res.Candidates)),
		zap.Duration("threshold", threshold),
		zap.String("source_code", f.SourceCode),
		zap.Bool("apply", apply),
	)
	if !apply {
		return res, nil
	}

	for _, rec := range res.Candidates {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("recover job %s: %w", rec.ID, err))
			continue
		}
		changed, err := r.registry.SetRetryable(ctx, rec.ID)
		if err != nil {
			r.logger.Warn("job recovery failed", zap.String("job_id", rec.ID), zap.Error(err))
			res.Errors = append(res.Errors, fmt.Errorf("recover job %s: %w", rec.ID, err))
			continue
		}
		if !changed {
			res.Unchanged++
			continue
		}
		res.Recovered++
		r.logger.Info("job marked retryable",
			zap.String("job_id", rec.ID),
			zap.String("output_dir", rec.OutputDir),
			zap.Time("last_progress", rec.Progress()),
		)
	}
	return res, nil
}
