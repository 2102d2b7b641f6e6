package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Capture diagnostic snapshots",
	}
	cmd.AddCommand(newEvidenceCaptureCmd())
	return cmd
}

func newEvidenceCaptureCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Store a read-only snapshot of mounts, jobs, service and watchdog state",
		Long: `Probes every hot path and the cold base, reads the mount table, the
ingestion service state, the running jobs and the watchdog state file, and
stores the result as JSON in the evidence store. It never takes the run lock
and never changes anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			capturer, err := appInstance.Evidence(cmd.Context())
			if err != nil {
				return err
			}
			snap, uri, err := capturer.Capture(cmd.Context(), appInstance.EvidenceRequest(reason))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evidence %s stored at %s\n", snap.ID, uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note stored with the snapshot")
	return cmd
}
