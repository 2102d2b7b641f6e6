package watchdog

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// RenderReport writes the human-readable account of a cycle. Dry runs list
// the steps a live run would execute.
func RenderReport(w io.Writer, out RunOutcome) error {
	mode := "live"
	if out.DryRun {
		mode = "dry-run"
	}
	trace := make([]string, 0, len(out.Trace))
	for _, p := range out.Trace {
		trace = append(trace, string(p))
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s (%s): %s\n", out.RunID, mode, out.Phase())
	fmt.Fprintf(tw, "trace: %s\n", strings.Join(trace, " -> "))
	if out.Skipped != SkipNone {
		fmt.Fprintf(tw, "skipped: %s\n", out.Skipped)
	}
	if len(out.Targets) == 0 && out.Skipped == SkipNone {
		fmt.Fprintln(tw, "no targets watched")
	}

	for _, t := range out.Targets {
		fmt.Fprintf(tw, "\n%s\t%s\n", t.Target, describe(t))
		if t.Probe.Detail != "" && t.Decision != DecisionHealthy {
			fmt.Fprintf(tw, "  probe\t%s: %s\n", t.Probe.Kind, t.Probe.Detail)
		}
		if t.Detail != "" {
			fmt.Fprintf(tw, "  detail\t%s\n", t.Detail)
		}
		if len(t.AffectedJobs) > 0 {
			fmt.Fprintf(tw, "  jobs\t%s\n", strings.Join(t.AffectedJobs, ", "))
		}
		for i, s := range t.Steps {
			label := string(s.Step)
			if s.Step == StepUnmount && t.MountPoint != "" {
				label += " " + t.MountPoint
			}
			line := fmt.Sprintf("  %d. %s\t%s", i+1, label, s.Status)
			if s.Detail != "" {
				line += "\t" + s.Detail
			}
			if s.Err != nil {
				line += "\t" + s.Err.Error()
			}
			fmt.Fprintln(tw, line)
		}
	}
	return tw.Flush()
}

func describe(t TargetOutcome) string {
	switch t.Decision {
	case DecisionHealthy:
		return "healthy"
	case DecisionSkip:
		return "skipped (" + string(t.Reason) + ")"
	case DecisionSoft:
		return "soft recovery [" + t.State + "]"
	case DecisionFull:
		return "full repair [" + t.State + "]"
	case DecisionFailed:
		return "failed (" + string(t.Probe.Kind) + ")"
	}
	return string(t.Decision)
}
