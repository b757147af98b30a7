package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [sprint-id]",
	Short: "Summarize the project or one sprint's steps",
	Long: `Without arguments, summarize the project: epic and sprint counts by status,
overall progress, and the active sprint.

With a sprint id, show that sprint's step progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			sum, err := Backend.StepStatus(args[0])
			if err != nil {
				return fmt.Errorf("getting step status for %s: %w", args[0], err)
			}
			if statusJSON {
				return printJSON(out, sum)
			}
			fmt.Fprintf(out, "%s: %d/%d steps done (%.1f%%)\n", sum.SprintID, sum.CompletedSteps, sum.TotalSteps, sum.ProgressPct)
			for _, st := range sum.Steps {
				marker := " "
				if st.Name == sum.CurrentStep {
					marker = ">"
				}
				fmt.Fprintf(out, "  %s %-8s %-12s %s\n", marker, st.ID, st.Status, st.Name)
			}
			return nil
		}

		sum, err := Backend.StatusSummary()
		if err != nil {
			return fmt.Errorf("reading status: %w", err)
		}
		if statusJSON {
			return printJSON(out, sum)
		}
		fmt.Fprintf(out, "Project %s\n\n", sum.ProjectName)
		fmt.Fprintf(out, "  %-16s %d\n", "Epics:", sum.TotalEpics)
		fmt.Fprintf(out, "  %-16s %d\n", "Sprints:", sum.TotalSprints)
		fmt.Fprintf(out, "  %-16s %d\n", "  todo:", sum.SprintsTodo)
		fmt.Fprintf(out, "  %-16s %d\n", "  in progress:", sum.SprintsInProgress)
		fmt.Fprintf(out, "  %-16s %d\n", "  review:", sum.SprintsReview)
		fmt.Fprintf(out, "  %-16s %d\n", "  blocked:", sum.SprintsBlocked)
		fmt.Fprintf(out, "  %-16s %d\n", "  done:", sum.SprintsDone)
		fmt.Fprintf(out, "  %-16s %.1f%%\n", "Progress:", sum.ProgressPct)
		if sum.ActiveSprintID != "" {
			fmt.Fprintf(out, "  %-16s %s\n", "Active sprint:", sum.ActiveSprintID)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
