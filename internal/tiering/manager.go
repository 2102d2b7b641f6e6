package tiering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Manager reconciles the mount table against a tiering manifest.
type Manager struct {
	mounter Mounter
	prober  Prober
	logger  *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(mounter Mounter, prober Prober, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{mounter: mounter, prober: prober, logger: logger}
}

// Apply walks the manifest in order and makes every hot path a healthy bind
// mount of its cold path. Any error is fatal for the run: entries after the
// failing one are not processed.
func (m *Manager) Apply(ctx context.Context, manifest Manifest, opts ApplyOptions) (ApplyResult, error) {
	var res ApplyResult
	fail := func(err error) (ApplyResult, error) {
		res.Errors = append(res.Errors, err)
		m.logger.Error("tiering apply aborted",
			zap.Int("planned", res.Planned),
			zap.Int("mounted_now", res.MountedNow),
			zap.Error(err),
		)
		return res, err
	}

	if opts.ColdBase != "" {
		base := m.prober.Probe(ctx, opts.ColdBase)
		if !base.Healthy() {
			return fail(NewPathError("probe cold base", opts.ColdBase, KindError(base.Kind), base.Err))
		}
	}

	for _, entry := range manifest.Entries {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("apply interrupted: %w", err))
		}
		res.Planned++
		if err := m.applyEntry(ctx, entry, opts, &res); err != nil {
			return fail(err)
		}
	}

	m.logger.Info("tiering apply finished",
		zap.Int("planned", res.Planned),
		zap.Int("mounted_now", res.MountedNow),
		zap.Bool("dry_run", opts.DryRun),
	)
	return res, nil
}

func (m *Manager) applyEntry(ctx context.Context, entry ManifestEntry, opts ApplyOptions, res *ApplyResult) error {
	logger := m.logger.With(zap.String("hot_path", entry.HotPath), zap.String("cold_path", entry.ColdPath))

	cold := m.prober.Probe(ctx, entry.ColdPath)
	switch cold.Kind {
	case KindNone:
	case KindAbsent:
		return NewPathError("check cold path", entry.ColdPath, ErrConfig, errors.Join(ErrAbsentPath, cold.Err))
	default:
		return NewPathError("check cold path", entry.ColdPath, KindError(cold.Kind), cold.Err)
	}

	mounted, err := m.mounter.IsMountpoint(entry.HotPath)
	if err != nil {
		return fmt.Errorf("inspect mount table for %s: %w", entry.HotPath, err)
	}
	if mounted {
		done, err := m.reconcileMounted(ctx, entry, opts, res, logger)
		if err != nil || done {
			return err
		}
	}

	res.Actions = append(res.Actions,
		Action{Kind: ActionMkdir, HotPath: entry.HotPath, Executed: !opts.DryRun},
		Action{Kind: ActionBind, HotPath: entry.HotPath, ColdPath: entry.ColdPath, Executed: !opts.DryRun},
	)
	if opts.DryRun {
		logger.Info("would bind mount")
		return nil
	}
	if err := m.mounter.MkdirAll(entry.HotPath); err != nil {
		return fmt.Errorf("create hot path %s: %w", entry.HotPath, err)
	}
	if err := m.mounter.BindMount(entry.ColdPath, entry.HotPath); err != nil {
		return fmt.Errorf("bind mount %s onto %s: %w", entry.ColdPath, entry.HotPath, err)
	}
	res.MountedNow++
	logger.Info("bind mounted")
	return nil
}

// reconcileMounted handles a hot path that is already in the mount table.
// It returns done=true when the entry needs no further work.
func (m *Manager) reconcileMounted(
	ctx context.Context,
	entry ManifestEntry,
	opts ApplyOptions,
	res *ApplyResult,
	logger *zap.Logger,
) (bool, error) {
	probe := m.prober.Probe(ctx, entry.HotPath)
	switch probe.Kind {
	case KindNone:
		same, err := m.mounter.SameSource(entry.HotPath, entry.ColdPath)
		if err != nil {
			return false, fmt.Errorf("verify mount source for %s: %w", entry.HotPath, err)
		}
		if !same {
			return false, NewPathError("verify mount source", entry.HotPath, ErrConfig,
				fmt.Errorf("mounted from a source other than %s", entry.ColdPath))
		}
		res.Actions = append(res.Actions, Action{Kind: ActionNoop, HotPath: entry.HotPath, ColdPath: entry.ColdPath})
		logger.Debug("bind mount healthy")
		return true, nil
	case KindStale:
		if !opts.RepairStaleMounts {
			return false, NewPathError("probe hot path", entry.HotPath, ErrStaleMount,
				fmt.Errorf("repair manually or re-run with stale mount repair enabled: %w", probe.Err))
		}
		logger.Warn("stale bind mount detected", zap.String("detail", probe.Detail))
		if opts.DryRun {
			res.Actions = append(res.Actions, Action{Kind: ActionUnmount, HotPath: entry.HotPath})
			return false, nil
		}
		kind, err := ReleaseMount(m.mounter, entry.HotPath)
		if err != nil {
			return false, err
		}
		res.Actions = append(res.Actions, Action{Kind: kind, HotPath: entry.HotPath, Executed: true})
		logger.Info("stale mount released", zap.String("method", string(kind)))
		return false, nil
	default:
		return false, NewPathError("probe hot path", entry.HotPath, KindError(probe.Kind), probe.Err)
	}
}

// ReleaseMount unmounts target, falling back to a lazy detach when the plain
// unmount fails. It returns the method that succeeded.
func ReleaseMount(m Mounter, target string) (ActionKind, error) {
	plainErr := m.Unmount(target)
	if plainErr == nil {
		return ActionUnmount, nil
	}
	if lazyErr := m.LazyUnmount(target); lazyErr != nil {
		return "", NewPathError("unmount", target, ErrUnmountFailure, errors.Join(plainErr, lazyErr))
	}
	return ActionLazyUnmount, nil
}
