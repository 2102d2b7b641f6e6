package watchdog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/lock"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// SetEnabled flips the persisted enable flag under the run lock and refreshes
// the metrics textfile. It fails with ErrLockContention while a cycle runs.
func (w *Watchdog) SetEnabled(_ context.Context, cfg Config, enabled bool) (*state.WatchdogState, error) {
	if cfg.StateFile == "" || cfg.LockFile == "" {
		return nil, fmt.Errorf("%w: watchdog state and lock files are required", tiering.ErrConfig)
	}
	runLock := lock.New(cfg.LockFile)
	if err := runLock.TryAcquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			w.logger.Warn("release run lock", zap.Error(err))
		}
	}()

	st, err := state.Load(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	st.Enabled = enabled
	if err := st.Save(cfg.StateFile); err != nil {
		return nil, err
	}
	w.logger.Info("watchdog enable flag updated", zap.Bool("enabled", enabled), zap.String("state_file", cfg.StateFile))

	if cfg.TextfileDir != "" && cfg.TextfileName != "" {
		w.deps.Metrics.Update(snapshotFrom(st, nil, w.deps.Clock.Now()))
		if err := w.deps.Metrics.WriteTextfile(cfg.TextfileDir, cfg.TextfileName); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Status reads the persisted state without taking the lock.
func Status(cfg Config) (*state.WatchdogState, error) {
	if cfg.StateFile == "" {
		return nil, fmt.Errorf("%w: watchdog state file is required", tiering.ErrConfig)
	}
	return state.Load(cfg.StateFile)
}
