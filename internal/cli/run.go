package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

var (
	runJSON      bool
	cancelReason string
	retryMax     int
)

var runCmd = &cobra.Command{
	Use:   "run <sprint-id>",
	Short: "Start a sprint and execute it with the configured agents",
	Long: `Start a todo sprint and drive it through its phases (or its steps in flat
mode), dispatching each step to the agent registered for its type.

The run stops when the sprint reaches review, completes, or blocks. A blocked
sprint can be continued with "maestro resume" once the problem is fixed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Runner == nil {
			return fmt.Errorf("runner not initialized")
		}
		return executeRun(cmd, func(ctx context.Context, onProgress func(models.Progress)) (*models.RunResult, error) {
			return Runner.Run(ctx, args[0], onProgress)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <sprint-id>",
	Short: "Resume a blocked sprint from its first unfinished step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Runner == nil {
			return fmt.Errorf("runner not initialized")
		}
		return executeRun(cmd, func(ctx context.Context, onProgress func(models.Progress)) (*models.RunResult, error) {
			return Runner.Resume(ctx, args[0], onProgress)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <sprint-id>",
	Short: "Stop a sprint",
	Long: `Stop a sprint. An in-progress sprint is blocked so it can be resumed later;
a todo sprint is abandoned. An agent that is already running is not
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Runner == nil {
			return fmt.Errorf("runner not initialized")
		}
		reason := cancelReason
		if strings.TrimSpace(reason) == "" {
			reason = "cancelled"
		}
		return withLock(func() error {
			sp, err := Runner.Cancel(args[0], reason)
			if err != nil {
				return err
			}
			reportSprint(cmd.OutOrStdout(), sp)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <sprint-id>",
	Short: "Run a sprint's first unfinished step again",
	Long: `Dispatch the first unfinished step of a sprint to its agent again, up to
--max-retries extra attempts, stopping at the first success. The sprint
itself is not changed; use "maestro sprint advance" or "maestro resume"
afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Runner == nil {
			return fmt.Errorf("runner not initialized")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		return withLock(func() error {
			res, err := Runner.RetryStep(ctx, args[0], retryMax)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if runJSON {
				return printJSON(out, res)
			}
			outcome := "succeeded"
			if !res.Success {
				outcome = "failed"
			}
			fmt.Fprintf(out, "Retry %s\n", outcome)
			if res.Output != "" {
				fmt.Fprintf(out, "\n%s\n", res.Output)
			}
			return nil
		})
	},
}

// executeRun holds the project lock for the whole run, reports progress as
// it arrives and prints the result.
func executeRun(cmd *cobra.Command, run func(ctx context.Context, onProgress func(models.Progress)) (*models.RunResult, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	onProgress := func(p models.Progress) {
		if runJSON {
			return
		}
		fmt.Fprintln(out, progressLine(p))
	}

	return withLock(func() error {
		res, err := run(ctx, onProgress)
		if err != nil {
			return err
		}
		if runJSON {
			return printJSON(out, res)
		}
		printRunResult(out, res)
		return nil
	})
}

func progressLine(p models.Progress) string {
	var b strings.Builder
	b.WriteString("  ")
	if p.Phase != "" {
		fmt.Fprintf(&b, "[%s %d/%d] ", p.Phase, p.PhasesCompleted, p.PhasesTotal)
	}
	fmt.Fprintf(&b, "%d/%d steps", p.CompletedSteps, p.TotalSteps)
	if p.CurrentStep != "" {
		fmt.Fprintf(&b, ", running %q", p.CurrentStep)
	}
	return b.String()
}

func printRunResult(w io.Writer, res *models.RunResult) {
	switch {
	case res.StoppedAtReview:
		fmt.Fprintf(w, "\n%s is ready for review (%d/%d steps)\n", res.SprintID, res.StepsCompleted, res.StepsTotal)
	case res.Success:
		fmt.Fprintf(w, "\n%s completed (%d/%d steps)\n", res.SprintID, res.StepsCompleted, res.StepsTotal)
	default:
		fmt.Fprintf(w, "\n%s blocked: %s\n", res.SprintID, res.FailureReason)
	}
	fmt.Fprintf(w, "  Run:      %s\n", res.RunID)
	fmt.Fprintf(w, "  Duration: %.1fs\n", res.DurationSeconds)
	for _, pr := range res.PhaseResults {
		outcome := "ok"
		if !pr.Success {
			outcome = "failed"
		}
		line := fmt.Sprintf("  %-10s %s", pr.Phase, outcome)
		if pr.GateReason != "" {
			line += " (" + pr.GateReason + ")"
		}
		fmt.Fprintln(w, line)
	}
	if len(res.DeferredItems) > 0 {
		fmt.Fprintf(w, "  Deferred: %d item(s) added to deferred notes\n", len(res.DeferredItems))
	}
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd, retryCmd} {
		c.Flags().BoolVar(&runJSON, "json", false, "output the result as JSON")
	}
	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "", "why the sprint is stopped")
	retryCmd.Flags().IntVar(&retryMax, "max-retries", 2, "extra attempts after the first")

	rootCmd.AddCommand(runCmd, resumeCmd, cancelCmd, retryCmd)
}
