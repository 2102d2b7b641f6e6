package watchdog

import (
	"fmt"
	"time"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// Config is everything one cycle needs. The state, lock and textfile paths
// have no implicit defaults so drills never touch production files.
type Config struct {
	ManifestPath string
	ColdBase     string

	StateFile    string
	LockFile     string
	TextfileDir  string
	TextfileName string

	// Apply performs mutations; false is a dry run that only plans.
	Apply bool
	// SimulateBrokenPath replaces detection with one path forced stale.
	SimulateBrokenPath string

	MinFailureAge                time.Duration
	ConfirmRuns                  int
	MaxRecoveriesPerTargetPerDay int
	// ProgressWindow is how recent another job's progress must be for a
	// soft recovery.
	ProgressWindow time.Duration

	NotifyTopic string
}

// Validate checks the config before any lock is taken.
func (c Config) Validate() error {
	switch {
	case c.StateFile == "":
		return fmt.Errorf("%w: watchdog state file is required", tiering.ErrConfig)
	case c.LockFile == "":
		return fmt.Errorf("%w: watchdog lock file is required", tiering.ErrConfig)
	case c.TextfileDir == "" || c.TextfileName == "":
		return fmt.Errorf("%w: metrics textfile directory and name are required", tiering.ErrConfig)
	case c.ManifestPath == "" && c.SimulateBrokenPath == "":
		return fmt.Errorf("%w: a manifest or a simulated broken path is required", tiering.ErrConfig)
	case c.MaxRecoveriesPerTargetPerDay < 1:
		return fmt.Errorf("%w: max recoveries per target per day must be at least 1", tiering.ErrConfig)
	case c.MinFailureAge < 0 || c.ProgressWindow < 0:
		return fmt.Errorf("%w: durations must not be negative", tiering.ErrConfig)
	}
	return nil
}
