package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	runsSprint   string
	runsLimit    int
	runsAttempts string
	runsJSON     bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs from the run ledger",
	Long: `List runner invocations from the run ledger, most recent first.

Use --attempts <run-id> to list every step attempt of one run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Runs == nil {
			return fmt.Errorf("run ledger not initialized")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()

		if runsAttempts != "" {
			attempts, err := Runs.Attempts(ctx, runsAttempts)
			if err != nil {
				return err
			}
			if runsJSON {
				return printJSON(out, attempts)
			}
			if len(attempts) == 0 {
				fmt.Fprintf(out, "No attempts recorded for run %s.\n", runsAttempts)
				return nil
			}
			for _, a := range attempts {
				outcome := "ok"
				if !a.Success {
					outcome = "failed"
				}
				fmt.Fprintf(out, "%s  %-8s #%d %-7s %s\n", a.At.Format(time.DateTime), a.StepID, a.Attempt, outcome, a.Error)
			}
			return nil
		}

		runs, err := Runs.ListRuns(ctx, runsSprint, runsLimit)
		if err != nil {
			return err
		}
		if runsJSON {
			return printJSON(out, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs recorded.")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-11s %-7s %-10s %-8s %s\n", "RUN", "SPRINT", "MODE", "OUTCOME", "STEPS", "STARTED")
		for _, r := range runs {
			outcome := "running"
			switch {
			case r.FinishedAt == nil:
			case r.StoppedAtReview:
				outcome = "review"
			case r.Success:
				outcome = "done"
			default:
				outcome = "blocked"
			}
			fmt.Fprintf(out, "%-36s %-11s %-7s %-10s %-8s %s\n", r.RunID, r.SprintID, r.Mode, outcome,
				fmt.Sprintf("%d/%d", r.StepsCompleted, r.StepsTotal), r.StartedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVarP(&runsSprint, "sprint", "s", "", "only runs of this sprint")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum runs to list (0 for all)")
	runsCmd.Flags().StringVar(&runsAttempts, "attempts", "", "list the step attempts of this run")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(runsCmd)
}
