package watchdog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// repair executes every planned target in detection order and reports
// whether any of them failed. Once a target fails, later full repairs leave
// the ingestion service stopped. A reapply remounts the whole manifest, so a
// later full target is probed again and, when already healthy, only has its
// jobs released.
func (w *Watchdog) repair(ctx context.Context, c *cycle) bool {
	failed, reapplied := false, false
	for i := range c.out.Targets {
		t := &c.out.Targets[i]
		if t.Decision != DecisionSoft && t.Decision != DecisionFull {
			continue
		}
		healed := false
		if t.Decision == DecisionFull && reapplied {
			if res := w.deps.Prober.Probe(ctx, t.Target); res.Healthy() {
				healed = true
				c.logger.Info("target healthy after an earlier reapply", zap.String("target", t.Target))
			}
		}
		if !w.execute(ctx, c, t, failed, healed) {
			failed = true
		}
		if stepSucceeded(t.Steps, StepReapply) {
			reapplied = true
		}
	}
	return failed
}

// execute runs t.Plan in order and halts on the first failing step. A healed
// target runs only its recover-jobs step.
func (w *Watchdog) execute(ctx context.Context, c *cycle, t *TargetOutcome, withholdStart, healed bool) bool {
	logger := c.logger.With(zap.String("target", t.Target), zap.String("decision", string(t.Decision)))
	t.Steps = t.Steps[:0]
	for i, step := range t.Plan {
		if healed && step != StepRecoverJobs {
			t.Steps = append(t.Steps, StepResult{
				Step:   step,
				Status: StepSkipped,
				Detail: "target healthy after an earlier reapply this cycle",
			})
			continue
		}
		if step == StepStart && withholdStart {
			t.Steps = append(t.Steps, StepResult{
				Step:   step,
				Status: StepWithheld,
				Detail: "an earlier repair failed this cycle; service left stopped",
			})
			logger.Warn("service start withheld")
			continue
		}

		detail, err := w.runStep(ctx, c, t, step)
		if err != nil {
			t.Steps = append(t.Steps, StepResult{Step: step, Status: StepFailed, Detail: detail, Err: err})
			for _, rest := range t.Plan[i+1:] {
				t.Steps = append(t.Steps, StepResult{Step: rest, Status: StepHalted})
			}
			t.State = "failed"
			t.Err = fmt.Errorf("%w: %s on %s: %w", tiering.ErrPartialRepair, step, t.Target, err)
			logger.Error("repair step failed", zap.String("step", string(step)), zap.Error(err))
			return false
		}
		t.Steps = append(t.Steps, StepResult{Step: step, Status: StepOK, Detail: detail})
		logger.Info("repair step done", zap.String("step", string(step)), zap.String("detail", detail))
	}
	if t.Decision == DecisionSoft {
		t.State = "soft_recovered"
	} else {
		t.State = "recovered"
	}
	return true
}

func stepSucceeded(results []StepResult, step Step) bool {
	for _, r := range results {
		if r.Step == step && r.Status == StepOK {
			return true
		}
	}
	return false
}

func (w *Watchdog) runStep(ctx context.Context, c *cycle, t *TargetOutcome, step Step) (string, error) {
	switch step {
	case StepStop:
		if err := w.deps.Service.Stop(ctx); err != nil {
			return "", err
		}
		return "ingestion service stopped", nil

	case StepUnmount:
		if t.MountPoint == "" {
			return "no stale mountpoint to release", nil
		}
		mounted, err := w.deps.Mounter.IsMountpoint(t.MountPoint)
		if err != nil {
			return "", fmt.Errorf("read mount table: %w", err)
		}
		if !mounted {
			return t.MountPoint + " already released", nil
		}
		how, err := tiering.ReleaseMount(w.deps.Mounter, t.MountPoint)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s released (%s)", t.MountPoint, how), nil

	case StepReapply:
		res, err := w.deps.Tiering.Apply(ctx, c.manifest, tiering.ApplyOptions{
			ColdBase:          c.cfg.ColdBase,
			RepairStaleMounts: true,
		})
		detail := fmt.Sprintf("%d entries, %d mounted", res.Planned, res.MountedNow)
		if err != nil {
			return detail, err
		}
		return detail, nil

	case StepRecoverJobs:
		return w.recoverJobs(ctx, c, t)

	case StepStart:
		if err := w.deps.Service.Start(ctx); err != nil {
			return "", err
		}
		return "ingestion service started", nil
	}
	return "", fmt.Errorf("unknown repair step %q", step)
}

// recoverJobs releases the running jobs on target. The running set is read
// again because a stop may have changed it since detection. Confirming the
// target stale already gated these jobs, so no progress-age threshold
// applies here; a step that releases none of them has failed.
func (w *Watchdog) recoverJobs(ctx context.Context, c *cycle, t *TargetOutcome) (string, error) {
	running, err := w.deps.Jobs.Running(ctx, "")
	if err != nil {
		return "", err
	}
	t.AffectedJobs = affectedJobs(running, t.Target)
	if len(t.AffectedJobs) == 0 {
		return "no running jobs on target", nil
	}
	res, err := w.deps.Jobs.RecoverStale(ctx, jobs.Filter{JobIDs: t.AffectedJobs}, true)
	if err != nil {
		return "", err
	}
	detail := fmt.Sprintf("%d of %d affected jobs marked retryable", res.Recovered, len(t.AffectedJobs))
	if err := res.Err(); err != nil {
		return detail, err
	}
	if res.Recovered+res.Unchanged == 0 {
		return detail, fmt.Errorf("none of %d affected jobs on %s was released", len(t.AffectedJobs), t.Target)
	}
	c.logger.Debug("affected jobs released",
		zap.String("target", t.Target),
		zap.Int("recovered", res.Recovered),
		zap.Int("unchanged", res.Unchanged),
	)
	return detail, nil
}
