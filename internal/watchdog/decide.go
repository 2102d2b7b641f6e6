package watchdog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// evaluate decides, for every broken target, whether automation may act and
// with which plan. The same decisions drive live and dry runs; only the
// bookkeeping writes are gated on Apply.
func (w *Watchdog) evaluate(_ context.Context, c *cycle, broken []int) {
	now := c.out.StartedAt
	for _, i := range broken {
		t := &c.out.Targets[i]
		logger := c.logger.With(zap.String("target", t.Target))

		if t.Probe.Kind != tiering.KindStale {
			t.Decision = DecisionFailed
			t.State = "failed"
			t.Detail = fmt.Sprintf("%s failure is not repaired automatically", t.Probe.Kind)
			t.Err = tiering.NewPathError("probe", t.Target, tiering.KindError(t.Probe.Kind), t.Probe.Err)
			logger.Error("broken hot path needs an operator", zap.String("kind", string(t.Probe.Kind)))
			continue
		}

		seen := c.st.ObserveBroken(t.Target, string(t.Probe.Kind), now)
		if age := now.Sub(seen.FirstSeen); age < c.cfg.MinFailureAge || seen.Runs < max(c.cfg.ConfirmRuns, 1) {
			t.Decision = DecisionSkip
			t.Reason = SkipPending
			t.State = "pending"
			t.Detail = fmt.Sprintf("broken for %s over %d run(s)", age.Truncate(time.Second), seen.Runs)
			logger.Info("stale mount pending confirmation",
				zap.Duration("age", age),
				zap.Int("runs", seen.Runs),
			)
			continue
		}

		if done := c.st.Recoveries(t.Target, now); done >= c.cfg.MaxRecoveriesPerTargetPerDay {
			t.Decision = DecisionSkip
			t.Reason = SkipCap
			t.State = "capped"
			t.Detail = fmt.Sprintf("%s: %d of %d recoveries used today",
				tiering.ErrCapExceeded, done, c.cfg.MaxRecoveriesPerTargetPerDay)
			logger.Warn("recovery cap reached", zap.Int("recoveries_today", done))
			continue
		}

		t.AffectedJobs = affectedJobs(c.running, t.Target)
		if healthy, ok := softPeer(c, t.Target, t.AffectedJobs, now); ok {
			t.Decision = DecisionSoft
			t.Plan = SoftRecoveryPlan()
			t.Detail = fmt.Sprintf("job %s is still progressing on the same cold base", healthy)
		} else {
			t.Decision = DecisionFull
			t.Plan = FullRepairPlan()
			t.MountPoint = w.staleMountpoint(c.manifest, t.Target)
		}
		logger.Info("recovery planned",
			zap.String("decision", string(t.Decision)),
			zap.Strings("affected_jobs", t.AffectedJobs),
		)

		if c.cfg.Apply {
			c.st.RecordRecovery(t.Target, now)
			c.st.ClearBroken(t.Target)
		}
	}
}

// affectedJobs returns the IDs of running jobs writing on or around target.
func affectedJobs(running []jobs.Record, target string) []string {
	var ids []string
	for _, job := range running {
		if job.OutputDir != "" && tiering.PathsOverlap(job.OutputDir, target) {
			ids = append(ids, job.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// softPeer finds a running job that proves the cold base is still serving:
// it writes outside every broken target, progressed within the window and
// resolves to the same cold base as target. Soft recovery needs affected
// jobs to release.
func softPeer(c *cycle, target string, affected []string, now time.Time) (string, bool) {
	base := c.cfg.ColdBase
	if base == "" || len(affected) == 0 {
		return "", false
	}
	if !tiering.WithinPath(base, c.manifest.ResolveCold(target)) {
		return "", false
	}
	unhealthy := []string{target}
	for _, other := range c.out.Targets {
		if other.Decision != DecisionHealthy {
			unhealthy = append(unhealthy, other.Target)
		}
	}
	for _, job := range c.running {
		if job.OutputDir == "" || overlapsAny(job.OutputDir, unhealthy) {
			continue
		}
		if now.Sub(job.Progress()) > c.cfg.ProgressWindow {
			continue
		}
		if tiering.WithinPath(base, c.manifest.ResolveCold(job.OutputDir)) {
			return job.ID, true
		}
	}
	return "", false
}

func overlapsAny(dir string, paths []string) bool {
	for _, p := range paths {
		if tiering.PathsOverlap(dir, p) {
			return true
		}
	}
	return false
}

// staleMountpoint returns the mountpoint the unmount step should release:
// target itself when mounted, else the deepest manifest hot path above it
// that is a mountpoint. Parents outside the manifest are never returned.
func (w *Watchdog) staleMountpoint(manifest tiering.Manifest, target string) string {
	if ok, err := w.deps.Mounter.IsMountpoint(target); err == nil && ok {
		return target
	}
	best := ""
	for _, hot := range manifest.HotPaths() {
		if !tiering.WithinPath(hot, target) || len(hot) <= len(best) {
			continue
		}
		if ok, err := w.deps.Mounter.IsMountpoint(hot); err == nil && ok {
			best = hot
		}
	}
	return best
}
