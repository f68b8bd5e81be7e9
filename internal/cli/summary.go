package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/vk/pipegrid/internal/execution"
)

var stateIcons = map[execution.State]string{
	execution.StateSucceeded: "✅",
	execution.StateFailed:    "❌",
	execution.StateSkipped:   "⏭️",
	execution.StateRunning:   "▶️",
}

// printRun writes a per-job summary of run.
func printRun(w io.Writer, run *execution.Run) {
	fmt.Fprintf(w, "Run %d (%s): %s\n", run.ID, run.Pipeline, run.Status)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, je := range run.JobsInOrder() {
		icon, ok := stateIcons[je.State]
		if !ok {
			icon = "…"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", icon, je.Job, je.State, duration(je), detail(je))
	}
	tw.Flush()
}

func duration(je *execution.JobExecution) string {
	if je.StartedAt.IsZero() || je.FinishedAt.IsZero() {
		return "-"
	}
	return je.FinishedAt.Sub(je.StartedAt).Round(time.Millisecond).String()
}

func detail(je *execution.JobExecution) string {
	switch je.Exit.Kind {
	case execution.ExitNone:
		return ""
	case execution.ExitUpstreamFailed:
		return "upstream " + je.Exit.Upstream + " failed"
	case execution.ExitCanceled:
		return "run canceled"
	}
	if je.Exit.Message != "" {
		return string(je.Exit.Kind) + ": " + je.Exit.Message
	}
	return string(je.Exit.Kind)
}
