package watchdog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/id/uuid"
	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/lock"
	"github.com/JakeFAU/warc-tiering/internal/metrics"
	"github.com/JakeFAU/warc-tiering/internal/service"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// Deps wires the watchdog to the system it repairs.
type Deps struct {
	Prober    tiering.Prober
	Mounter   tiering.Mounter
	Tiering   Applier
	Jobs      JobRecoverer
	Service   service.Controller
	Clock     tiering.Clock
	Metrics   *metrics.Exporter
	Publisher Publisher
	IDs       IDGenerator
	Logger    *zap.Logger
}

// Watchdog executes recovery cycles. A single Watchdog may be shared by a
// serve loop and the status server; cycles themselves are serialized by the
// run lock, not by the Watchdog.
type Watchdog struct {
	deps   Deps
	logger *zap.Logger

	mu   sync.RWMutex
	last *RunOutcome
}

// New validates deps and fills optional ones with defaults.
func New(deps Deps) (*Watchdog, error) {
	switch {
	case deps.Prober == nil:
		return nil, errors.New("watchdog: prober is required")
	case deps.Mounter == nil:
		return nil, errors.New("watchdog: mounter is required")
	case deps.Tiering == nil:
		return nil, errors.New("watchdog: tiering applier is required")
	case deps.Jobs == nil:
		return nil, errors.New("watchdog: job recoverer is required")
	case deps.Service == nil:
		return nil, errors.New("watchdog: service controller is required")
	case deps.Clock == nil:
		return nil, errors.New("watchdog: clock is required")
	}
	if deps.Metrics == nil {
		exp, err := metrics.New(metrics.DefaultPrefix)
		if err != nil {
			return nil, fmt.Errorf("watchdog metrics: %w", err)
		}
		deps.Metrics = exp
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Watchdog{deps: deps, logger: deps.Logger}, nil
}

// Metrics returns the exporter the watchdog updates after live cycles.
func (w *Watchdog) Metrics() *metrics.Exporter {
	return w.deps.Metrics
}

// LastOutcome returns the most recent cycle outcome, if any.
func (w *Watchdog) LastOutcome() (RunOutcome, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return RunOutcome{}, false
	}
	return *w.last, true
}

// cycle carries the per-run working set.
type cycle struct {
	cfg      Config
	out      *RunOutcome
	st       *state.WatchdogState
	manifest tiering.Manifest
	logger   *zap.Logger
	release  func()

	running    []jobs.Record
	runningErr error
}

// RunOnce executes one recovery cycle. It returns an error only when the
// cycle could not run at all (bad config, lock or state I/O, unreadable
// manifest); per-target failures are reported through out.Err().
func (w *Watchdog) RunOnce(ctx context.Context, cfg Config) (out RunOutcome, err error) {
	out = RunOutcome{
		RunID:     w.newRunID(),
		DryRun:    !cfg.Apply,
		StartedAt: w.deps.Clock.Now().UTC(),
	}
	logger := w.logger.With(zap.String("run_id", out.RunID), zap.Bool("dry_run", out.DryRun))
	w.enter(&out, PhaseIdle, logger)
	defer func() {
		out.FinishedAt = w.deps.Clock.Now().UTC()
		w.enter(&out, PhaseIdle, logger)
		if err != nil {
			logger.Error("watchdog cycle aborted", zap.Error(err))
		}
		w.remember(out)
	}()

	if err := cfg.Validate(); err != nil {
		return out, err
	}

	w.enter(&out, PhaseLocking, logger)
	runLock := lock.New(cfg.LockFile)
	if err := runLock.TryAcquire(); err != nil {
		if errors.Is(err, tiering.ErrLockContention) {
			out.Skipped = SkipLockHeld
			w.enter(&out, PhaseSkipped, logger)
			logger.Info("another watchdog cycle holds the lock", zap.String("lock", cfg.LockFile))
			w.deps.Metrics.MarkSkipped(string(SkipLockHeld))
			return out, nil
		}
		return out, err
	}
	c := &cycle{cfg: cfg, out: &out, logger: logger}
	c.release = func() {
		if !runLock.Held() {
			return
		}
		if err := runLock.Release(); err != nil {
			logger.Warn("release run lock", zap.Error(err))
		}
	}
	defer c.release()

	st, err := state.Load(cfg.StateFile)
	if err != nil {
		return out, err
	}
	c.st = st

	if cfg.ManifestPath != "" {
		manifest, err := tiering.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return out, err
		}
		c.manifest = manifest
	}

	if !st.Enabled {
		out.Skipped = SkipDisabled
		w.enter(&out, PhaseSkipped, logger)
		logger.Info("watchdog disabled, not acting")
		return out, w.finish(ctx, c)
	}

	w.enter(&out, PhaseDetecting, logger)
	broken := w.detect(ctx, c)
	if len(broken) == 0 {
		w.enter(&out, PhaseHealthy, logger)
		return out, w.finish(ctx, c)
	}

	w.enter(&out, PhaseEvaluating, logger)
	w.evaluate(ctx, c, broken)

	if !out.Acted() {
		// Failures that automation will not repair still end the cycle failed.
		if out.Err() != nil {
			w.enter(&out, PhasePartialFailure, logger)
		} else {
			w.enter(&out, PhaseSkipped, logger)
		}
		return out, w.finish(ctx, c)
	}
	if !cfg.Apply {
		markPlanned(&out)
		return out, w.finish(ctx, c)
	}

	w.enter(&out, PhaseRepairing, logger)
	if w.repair(ctx, c) {
		w.enter(&out, PhasePartialFailure, logger)
	} else {
		w.enter(&out, PhaseRecovered, logger)
	}
	return out, w.finish(ctx, c)
}

// detect probes every watched path and returns the indexes of broken ones.
func (w *Watchdog) detect(ctx context.Context, c *cycle) []int {
	c.running, c.runningErr = w.deps.Jobs.Running(ctx, "")
	if c.runningErr != nil {
		c.logger.Warn("list running jobs", zap.Error(c.runningErr))
	}

	targets := watchTargets(c.manifest, c.running)
	simulated := c.cfg.SimulateBrokenPath != ""
	if simulated {
		targets = []string{filepath.Clean(c.cfg.SimulateBrokenPath)}
	}

	var broken []int
	for _, target := range targets {
		var res tiering.ProbeResult
		if simulated {
			res = tiering.ProbeResult{
				Path:   target,
				Kind:   tiering.KindStale,
				Detail: "simulated broken path",
				Err:    tiering.ErrStaleMount,
			}
		} else {
			res = w.deps.Prober.Probe(ctx, target)
		}

		if res.Healthy() {
			c.st.ClearBroken(target)
			c.out.Targets = append(c.out.Targets, TargetOutcome{
				Target:   target,
				Probe:    res,
				Decision: DecisionHealthy,
				State:    "healthy",
			})
			continue
		}
		c.logger.Warn("broken hot path",
			zap.String("target", target),
			zap.String("kind", string(res.Kind)),
			zap.String("detail", res.Detail),
		)
		broken = append(broken, len(c.out.Targets))
		c.out.Targets = append(c.out.Targets, TargetOutcome{Target: target, Probe: res})
	}
	if !simulated {
		c.st.RetainBroken(targets)
	}
	return broken
}

// finish persists state and publishes metrics and notifications for live
// cycles. Dry runs leave every external artifact untouched.
func (w *Watchdog) finish(ctx context.Context, c *cycle) error {
	if !c.cfg.Apply {
		c.logger.Info("dry run complete",
			zap.String("phase", string(c.out.Phase())),
			zap.Bool("would_act", c.out.Acted()),
		)
		return nil
	}

	now := w.deps.Clock.Now().UTC()
	c.st.LastRunTimestamp = now
	if c.out.Acted() {
		c.st.MarkApply(c.out.Err() == nil, now)
	}
	c.st.Prune(now, 1)
	if err := c.st.Save(c.cfg.StateFile); err != nil {
		return err
	}
	c.release()

	w.deps.Metrics.Update(snapshotFrom(c.st, c.out, now))
	if err := w.deps.Metrics.WriteTextfile(c.cfg.TextfileDir, c.cfg.TextfileName); err != nil {
		return err
	}

	w.notify(ctx, c)
	c.logger.Info("watchdog cycle complete",
		zap.String("phase", string(c.out.Phase())),
		zap.Int("targets", len(c.out.Targets)),
		zap.Bool("acted", c.out.Acted()),
	)
	return nil
}

// watchTargets returns the manifest hot paths followed by the output
// directories of running jobs that no hot path covers.
func watchTargets(manifest tiering.Manifest, running []jobs.Record) []string {
	targets := manifest.HotPaths()
	for _, job := range running {
		if job.OutputDir == "" {
			continue
		}
		dir := filepath.Clean(job.OutputDir)
		if _, ok := manifest.EntryFor(dir); ok || slices.Contains(targets, dir) {
			continue
		}
		targets = append(targets, dir)
	}
	return targets
}

func (w *Watchdog) enter(out *RunOutcome, p Phase, logger *zap.Logger) {
	out.enter(p)
	logger.Info("watchdog phase", zap.String("phase", string(p)))
}

func (w *Watchdog) remember(out RunOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &out
}

func (w *Watchdog) newRunID() string {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		w.logger.Warn("generate run id", zap.Error(err))
		return "run-" + w.deps.Clock.Now().UTC().Format("20060102T150405.000000000Z")
	}
	return id
}

func markPlanned(out *RunOutcome) {
	for i := range out.Targets {
		t := &out.Targets[i]
		if t.Decision != DecisionSoft && t.Decision != DecisionFull {
			continue
		}
		t.State = "planned"
		t.Steps = t.Steps[:0]
		for _, step := range t.Plan {
			t.Steps = append(t.Steps, StepResult{Step: step, Status: StepPlanned})
		}
	}
}

// snapshotFrom builds the exporter view of the state after a cycle. out may
// be nil when only the persisted state is known.
func snapshotFrom(st *state.WatchdogState, out *RunOutcome, now time.Time) metrics.Snapshot {
	snap := metrics.Snapshot{
		Enabled:            st.Enabled,
		ApplyTotal:         st.ApplyTotal,
		LastApplyOk:        st.LastApplyOk,
		LastApplyTimestamp: st.LastApplyTimestamp,
		LastRunTimestamp:   st.LastRunTimestamp,
		Targets:            map[string]int{},
		Skipped:            map[string]int{},
		RecoveriesToday:    st.RecoveriesToday(now),
	}
	if out == nil {
		return snap
	}
	for _, t := range out.Targets {
		if t.State != "" {
			snap.Targets[t.State]++
		}
		if t.Decision == DecisionSkip {
			snap.Skipped[string(t.Reason)]++
		}
	}
	if out.Skipped != SkipNone {
		snap.Skipped[string(out.Skipped)]++
	}
	return snap
}
