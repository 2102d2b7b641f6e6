package watchdog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Serve runs a cycle immediately and then every interval until ctx is done.
// Cycle errors are logged and never stop the loop.
func (w *Watchdog) Serve(ctx context.Context, cfg Config, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("watchdog: serve interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		out, err := w.RunOnce(ctx, cfg)
		if err == nil && out.Err() != nil {
			w.logger.Warn("watchdog cycle finished with failures",
				zap.String("run_id", out.RunID),
				zap.Error(out.Err()),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
