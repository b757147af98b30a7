package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	maestromcp "github.com/dreadnought-foundry/maestro-agents-sub000/internal/mcp"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display run and sprint metrics",
	Long: `Display aggregated metrics derived from the event log.

Metrics include runs started and finished, sprints completed and blocked,
step failures, phase failures and status transitions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (event log unavailable)")
		}

		since := strings.TrimSpace(metricsSince)
		if since == "" {
			since = "7d"
		}
		sinceTime, err := maestromcp.ParseSince(since, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		out := cmd.OutOrStdout()
		if metricsJSON {
			return printJSON(out, metrics)
		}

		fmt.Fprintf(out, "Metrics (since %s)\n\n", sinceTime.Format(time.DateOnly))
		fmt.Fprintf(out, "  %-24s %d\n", "Events recorded:", metrics.EventCount)
		fmt.Fprintf(out, "  %-24s %d\n", "Runs started:", metrics.RunsStarted)
		fmt.Fprintf(out, "  %-24s %d\n", "Runs finished:", metrics.RunsFinished)
		fmt.Fprintf(out, "  %-24s %d\n", "  succeeded:", metrics.RunsSucceeded)
		fmt.Fprintf(out, "  %-24s %d\n", "  stopped at review:", metrics.RunsStoppedAtReview)
		fmt.Fprintf(out, "  %-24s %.1fs\n", "Average run:", metrics.AvgRunSeconds)
		fmt.Fprintf(out, "  %-24s %d\n", "Sprints completed:", metrics.SprintsCompleted)
		fmt.Fprintf(out, "  %-24s %d\n", "Sprints blocked:", metrics.SprintsBlocked)
		fmt.Fprintf(out, "  %-24s %d\n", "Steps completed:", metrics.StepsCompleted)
		fmt.Fprintf(out, "  %-24s %d (%.0f%%)\n", "Steps failed:", metrics.StepsFailed, metrics.StepFailureRate()*100)

		printCounts(out, "Failed phases", metrics.PhasesFailed)
		printCounts(out, "Status transitions", metrics.StatusChanges)

		if metrics.OldestEvent != nil {
			fmt.Fprintf(out, "\n  %-24s %s\n", "Oldest event:", metrics.OldestEvent.Format(time.RFC3339))
		}
		if metrics.NewestEvent != nil {
			fmt.Fprintf(out, "  %-24s %s\n", "Newest event:", metrics.NewestEvent.Format(time.RFC3339))
		}
		return nil
	},
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "    %-20s %d\n", k+":", counts[k])
	}
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "output metrics as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "time window for metrics (e.g. 7d, 30d, 24h)")
	rootCmd.AddCommand(metricsCmd)
}
