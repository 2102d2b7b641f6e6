package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/watchdog"
)

func newWatchdogCmd(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Detect and repair stale hot-path mounts",
	}
	cmd.AddCommand(
		newWatchdogRunCmd(fv),
		newWatchdogToggleCmd(fv, "enable", true),
		newWatchdogToggleCmd(fv, "disable", false),
		newWatchdogStatusCmd(fv),
		newWatchdogServeCmd(fv),
	)
	return cmd
}

// addCycleFlags registers the flags shared by run and serve.
func addCycleFlags(cmd *cobra.Command, fv *flagValues) {
	f := cmd.Flags()
	f.IntVar(&fv.minFailureAgeSeconds, "min-failure-age-seconds", 0, "how long a target must stay broken before acting")
	f.IntVar(&fv.confirmRuns, "confirm-runs", 0, "consecutive broken observations required before acting")
	f.IntVar(&fv.maxRecoveries, "max-recoveries-per-target-per-day", 0, "daily recovery cap per target (UTC days)")
	addWatchdogPathFlags(cmd, fv)
}

func newWatchdogRunCmd(fv *flagValues) *cobra.Command {
	var (
		apply    bool
		simulate string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one detection and recovery cycle",
		Long: `Takes the run lock, probes every watched path and repairs stale mounts
within the daily cap. Without --apply the full plan is printed and nothing is
changed or persisted. A cycle that finds the lock held exits cleanly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			wd, err := appInstance.Watchdog(cmd.Context())
			if err != nil {
				return err
			}
			wc := appInstance.WatchdogConfig()
			wc.Apply = apply
			wc.SimulateBrokenPath = simulate

			out, err := wd.RunOnce(cmd.Context(), wc)
			if fv.jsonOut {
				if jerr := writeJSON(cmd.OutOrStdout(), out); jerr != nil {
					return jerr
				}
			} else if rerr := watchdog.RenderReport(cmd.OutOrStdout(), out); rerr != nil {
				return rerr
			}
			if err != nil {
				return err
			}
			return out.Err()
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "execute repairs; default is a dry run")
	cmd.Flags().StringVar(&simulate, "simulate-broken-path", "", "treat this path as stale instead of probing (drills)")
	addCycleFlags(cmd, fv)
	return cmd
}

func newWatchdogToggleCmd(fv *flagValues, use string, enabled bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Persistently %s automatic recovery", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			wd, err := appInstance.Watchdog(cmd.Context())
			if err != nil {
				return err
			}
			st, err := wd.SetEnabled(cmd.Context(), appInstance.WatchdogConfig(), enabled)
			if err != nil {
				return err
			}
			if fv.jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watchdog %sd\n", use)
			return nil
		},
	}
	addWatchdogPathFlags(cmd, fv)
	return cmd
}

func newWatchdogStatusCmd(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted watchdog state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := watchdog.Status(appInstance.WatchdogConfig())
			if err != nil {
				return err
			}
			if fv.jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			return renderStatus(cmd.OutOrStdout(), st, appInstance.Clock().Now())
		},
	}
	cmd.Flags().StringVar(&fv.stateFile, "state-file", "", "watchdog state file")
	return cmd
}

func renderStatus(w io.Writer, st *state.WatchdogState, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "enabled\t%t\n", st.Enabled)
	fmt.Fprintf(tw, "last run\t%s\n", formatTime(st.LastRunTimestamp))
	fmt.Fprintf(tw, "last apply\t%s (ok=%t)\n", formatTime(st.LastApplyTimestamp), st.LastApplyOk)
	fmt.Fprintf(tw, "apply total\t%d\n", st.ApplyTotal)

	today := st.RecoveriesToday(now)
	targets := make([]string, 0, len(today))
	for t := range today {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	fmt.Fprintf(tw, "recoveries today (%s)\t%d targets\n", state.DayKey(now), len(targets))
	for _, t := range targets {
		fmt.Fprintf(tw, "  %s\t%d\n", t, today[t])
	}

	broken := make([]string, 0, len(st.BrokenSince))
	for t := range st.BrokenSince {
		broken = append(broken, t)
	}
	sort.Strings(broken)
	for _, t := range broken {
		b := st.BrokenSince[t]
		fmt.Fprintf(tw, "broken\t%s\tsince %s, %d runs (%s)\n", t, formatTime(b.FirstSeen), b.Runs, b.Kind)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func newWatchdogServeCmd(fv *flagValues) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run cycles on an interval and expose the status server",
		Long: `Runs a cycle immediately and then every watchdog.interval_seconds, and
serves /healthz, /readyz, /metrics, /v1/state and /v1/evidence on
server.port until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			wd, err := appInstance.Watchdog(cmd.Context())
			if err != nil {
				return err
			}
			apiServer, err := appInstance.Server(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			logger := appInstance.Logger()
			wc := appInstance.WatchdogConfig()
			wc.Apply = apply

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           apiServer.Handler(),
				ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return wd.Serve(ctx, wc, cfg.ServeInterval())
			})
			g.Go(func() error {
				logger.Info("status server started", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("status server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutdown initiated")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("status server shutdown: %w", err)
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "execute repairs; default is a dry run")
	addCycleFlags(cmd, fv)
	return cmd
}
