// Package cmd defines the tieringctl command tree.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/warc-tiering/internal/app"
	"github.com/JakeFAU/warc-tiering/internal/clock/system"
	"github.com/JakeFAU/warc-tiering/internal/config"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType struct{}

var appKey = appKeyType{}

// flagValues holds every value a flag can override. A value is applied to
// the loaded config only when its flag was set on the command line.
type flagValues struct {
	configPath string
	at         string
	jsonOut    bool

	manifest          string
	coldBase          string
	repairStaleMounts bool

	stateFile    string
	lockFile     string
	textfileDir  string
	textfileName string

	minFailureAgeSeconds int
	confirmRuns          int
	maxRecoveries        int

	olderThanMinutes         int
	requireNoProgressSeconds int
	source                   string
	limit                    int
}

// newRootCmd creates the root command. opts are passed to every App the
// command builds, which lets tests swap out mounts and systemd.
func newRootCmd(opts ...app.Option) *cobra.Command {
	fv := &flagValues{}
	cmd := &cobra.Command{
		Use:   "tieringctl",
		Short: "Manage WARC hot/cold tiering mounts and the recovery watchdog.",
		Long: `tieringctl keeps the hot WARC paths bind-mounted onto cold storage.
It applies the tiering manifest, recovers ingestion jobs stuck on a broken
mount, and runs the watchdog that detects and repairs stale mounts.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Load config, apply flag overrides and build the App before any
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(fv.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fv.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%w: %v", tiering.ErrConfig, err)
			}

			appOpts := append([]app.Option{}, opts...)
			if fv.at != "" {
				at, err := time.Parse(time.RFC3339, fv.at)
				if err != nil {
					return fmt.Errorf("%w: --at must be RFC 3339: %v", tiering.ErrConfig, err)
				}
				appOpts = append(appOpts, app.WithClock(system.NewPinned(at)))
			}
			appInstance, err := app.NewApp(cfg, appOpts...)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&fv.configPath, "config", "", "config file (YAML)")
	pf.StringVar(&fv.manifest, "manifest", "", "tiering manifest path")
	pf.StringVar(&fv.coldBase, "cold-base", "", "base cold-storage mount that must be healthy")
	pf.StringVar(&fv.at, "at", "", "pin the clock to an RFC 3339 instant (drills)")
	pf.BoolVar(&fv.jsonOut, "json", false, "print results as JSON")

	cmd.AddCommand(
		newTieringCmd(fv),
		newJobsCmd(fv),
		newWatchdogCmd(fv),
		newEvidenceCmd(),
		newProbeCmd(fv),
	)
	return cmd
}

// apply copies every explicitly set flag onto cfg.
func (fv *flagValues) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("manifest") {
		cfg.Tiering.ManifestPath = fv.manifest
	}
	if set("cold-base") {
		cfg.Tiering.ColdBase = fv.coldBase
	}
	if set("repair-stale-mounts") {
		cfg.Tiering.RepairStaleMounts = fv.repairStaleMounts
	}
	if set("state-file") {
		cfg.Watchdog.StateFile = fv.stateFile
	}
	if set("lock-file") {
		cfg.Watchdog.LockFile = fv.lockFile
	}
	if set("textfile-out-dir") {
		cfg.Metrics.TextfileDir = fv.textfileDir
	}
	if set("textfile-out-file") {
		cfg.Metrics.TextfileName = fv.textfileName
	}
	if set("min-failure-age-seconds") {
		cfg.Watchdog.MinFailureAgeSeconds = fv.minFailureAgeSeconds
	}
	if set("confirm-runs") {
		cfg.Watchdog.ConfirmRuns = fv.confirmRuns
	}
	if set("max-recoveries-per-target-per-day") {
		cfg.Watchdog.MaxRecoveriesPerTargetPerDay = fv.maxRecoveries
	}
	if set("older-than-minutes") {
		cfg.Jobs.OlderThanMinutes = fv.olderThanMinutes
	}
	if set("require-no-progress-seconds") {
		cfg.Jobs.RequireNoProgressSeconds = fv.requireNoProgressSeconds
	}
	if set("source") {
		cfg.Jobs.Source = fv.source
	}
	if set("limit") {
		cfg.Jobs.Limit = fv.limit
	}
}

// addWatchdogPathFlags registers the state, lock and textfile locations.
func addWatchdogPathFlags(cmd *cobra.Command, fv *flagValues) {
	f := cmd.Flags()
	f.StringVar(&fv.stateFile, "state-file", "", "watchdog state file")
	f.StringVar(&fv.lockFile, "lock-file", "", "watchdog run lock file")
	f.StringVar(&fv.textfileDir, "textfile-out-dir", "", "node_exporter textfile collector directory")
	f.StringVar(&fv.textfileName, "textfile-out-file", "", "metrics textfile name")
}

// addJobFilterFlags registers the stale-job thresholds.
func addJobFilterFlags(cmd *cobra.Command, fv *flagValues) {
	f := cmd.Flags()
	f.IntVar(&fv.olderThanMinutes, "older-than-minutes", 0, "minimum minutes since last job progress")
	f.IntVar(&fv.requireNoProgressSeconds, "require-no-progress-seconds", 0, "second no-progress gate; the larger threshold wins")
}

// resolveApp fetches the App that PersistentPreRunE stored.
func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services are not initialized")
	}
	return appInstance, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// Execute runs the command tree and exits non-zero on failure: 2 for
// configuration errors, 1 for everything else.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tieringctl: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, tiering.ErrConfig) {
		return 2
	}
	return 1
}
