package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
)

func newJobsCmd(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and recover ingestion jobs",
	}
	cmd.AddCommand(newJobsRecoverCmd(fv))
	return cmd
}

func newJobsRecoverCmd(fv *flagValues) *cobra.Command {
	var (
		apply bool
		jobID string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Move stale running jobs back to retryable",
		Long: `Selects running jobs whose last progress is older than the threshold,
oldest first, and marks them retryable. Without --apply the candidates are
listed and nothing is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			recoverer, err := appInstance.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			filter := appInstance.JobFilter()
			filter.JobID = jobID
			res, err := recoverer.RecoverStale(cmd.Context(), filter, apply)
			if err != nil {
				return err
			}
			if fv.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if err := renderRecovery(cmd.OutOrStdout(), res, filter, apply, appInstance.Clock().Now()); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "update the job rows; default is a dry run")
	cmd.Flags().StringVar(&jobID, "job-id", "", "only consider this job")
	cmd.Flags().StringVar(&fv.source, "source", "", "only consider jobs from this source")
	cmd.Flags().IntVar(&fv.limit, "limit", 0, "recover at most this many jobs (0 = unlimited)")
	addJobFilterFlags(cmd, fv)
	return cmd
}

func renderRecovery(w io.Writer, res jobs.RecoveryResult, f jobs.Filter, apply bool, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "stale threshold %s: %d candidates", f.Threshold(), len(res.Candidates))
	if apply {
		fmt.Fprintf(tw, ", %d recovered, %d no longer running", res.Recovered, res.Unchanged)
	} else {
		fmt.Fprint(tw, " (dry-run)")
	}
	fmt.Fprintln(tw)
	for _, rec := range res.Candidates {
		fmt.Fprintf(tw, "  %s\t%s\t%s\tidle %s\n", rec.ID, rec.SourceCode, rec.OutputDir, now.Sub(rec.Progress()).Truncate(time.Second))
	}
	for _, err := range res.Errors {
		fmt.Fprintf(tw, "  error\t%v\n", err)
	}
	return tw.Flush()
}
