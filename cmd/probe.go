package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

func newProbeCmd(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <path>...",
		Short: "Probe paths with a bounded stat and directory read",
		Long: `Reports whether each path is a mountpoint, whether it is readable and how
any failure is classified (stale, permissionDenied, absent, unknown). Exits
non-zero when any path is unhealthy.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			results := make([]tiering.ProbeResult, 0, len(args))
			var errs []error
			for _, p := range args {
				res := appInstance.Prober().Probe(cmd.Context(), p)
				results = append(results, res)
				if !res.Healthy() {
					errs = append(errs, tiering.NewPathError("probe", p, tiering.KindError(res.Kind), res.Err))
				}
			}
			if fv.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				return errors.Join(errs...)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tMOUNTED\tREADABLE\tKIND\tELAPSED\tDETAIL")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\t%s\n", r.Path, r.Mounted, r.Readable, r.Kind, r.Elapsed, r.Detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	return cmd
}
