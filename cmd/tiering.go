package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

func newTieringCmd(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiering",
		Short: "Bind-mount hot paths onto cold storage",
	}
	cmd.AddCommand(newTieringApplyCmd(fv))
	return cmd
}

func newTieringApplyCmd(fv *flagValues) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile the mount table against the tiering manifest",
		Long: `Walks the manifest in order and makes every hot path a healthy bind mount
of its cold path. Without --apply the planned actions are printed and nothing
is mounted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			manifest, err := tiering.LoadManifest(appInstance.Config().Tiering.ManifestPath)
			if err != nil {
				return err
			}
			res, applyErr := appInstance.Tiering().Apply(cmd.Context(), manifest, appInstance.ApplyOptions(apply))
			if fv.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if err := renderApply(cmd.OutOrStdout(), res, apply); err != nil {
				return err
			}
			return applyErr
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "perform the mounts; default is a dry run")
	cmd.Flags().BoolVar(&fv.repairStaleMounts, "repair-stale-mounts", false, "unmount stale hot paths before re-binding")
	return cmd
}

func renderApply(w io.Writer, res tiering.ApplyResult, apply bool) error {
	mode := "dry-run"
	if apply {
		mode = "applied"
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "tiering %s: %d planned, %d mounted now\n", mode, res.Planned, res.MountedNow)
	for _, a := range res.Actions {
		status := "planned"
		if a.Executed {
			status = "done"
		}
		if a.Kind == tiering.ActionNoop {
			status = "healthy"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", a.Kind, a.HotPath, a.ColdPath, status)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(tw, "  error\t%v\n", err)
	}
	return tw.Flush()
}
