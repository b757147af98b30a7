package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
	maestromcp "github.com/dreadnought-foundry/maestro-agents-sub000/internal/mcp"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

var (
	sprintEpic         string
	sprintType         string
	sprintTasks        []string
	sprintDeps         []string
	sprintDeliverables []string
	sprintBacklog      bool

	sprintListEpic   string
	sprintListStatus string
	sprintListJSON   bool

	sprintOutput string
)

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Manage sprints",
}

var sprintCreateCmd = &cobra.Command{
	Use:   "create <goal>",
	Short: "Create a sprint, standalone or inside an epic",
	Long: `Create a sprint in the todo column (or the backlog with --backlog).

Tasks become the sprint's steps when it starts. Prefix a task with its step
type to pick the agent that runs it, e.g. --task implement:parser.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		opts := models.CreateSprintOpts{
			EpicID:       sprintEpic,
			Goal:         strings.Join(args, " "),
			Type:         sprintType,
			Tasks:        maestromcp.ParseTasks(sprintTasks),
			Dependencies: sprintDeps,
			Deliverables: sprintDeliverables,
			Backlog:      sprintBacklog,
		}
		return withLock(func() error {
			sp, err := Backend.CreateSprint(opts)
			if err != nil {
				return fmt.Errorf("creating sprint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s: %s (%s)\n", sp.ID, sp.Goal, sp.Status)
			return nil
		})
	},
}

var sprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sprints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		if sprintListStatus != "" && !models.SprintStatus(sprintListStatus).Valid() {
			return fmt.Errorf("invalid status %q", sprintListStatus)
		}
		sprints, err := Backend.ListSprints(sprintListEpic)
		if err != nil {
			return fmt.Errorf("listing sprints: %w", err)
		}
		if sprintListStatus != "" {
			filtered := sprints[:0]
			for _, sp := range sprints {
				if string(sp.Status) == sprintListStatus {
					filtered = append(filtered, sp)
				}
			}
			sprints = filtered
		}

		out := cmd.OutOrStdout()
		if sprintListJSON {
			return printJSON(out, sprints)
		}
		if len(sprints) == 0 {
			fmt.Fprintln(out, "No sprints found.")
			return nil
		}
		fmt.Fprintf(out, "%-11s %-12s %-9s %-8s %s\n", "ID", "STATUS", "EPIC", "STEPS", "GOAL")
		for _, sp := range sprints {
			sum := models.SummarizeSteps(sp)
			epic := sp.EpicID
			if epic == "" {
				epic = "-"
			}
			fmt.Fprintf(out, "%-11s %-12s %-9s %-8s %s\n", sp.ID, sp.Status, epic,
				fmt.Sprintf("%d/%d", sum.CompletedSteps, sum.TotalSteps), sp.Goal)
		}
		return nil
	},
}

var sprintShowCmd = &cobra.Command{
	Use:   "show <sprint-id>",
	Short: "Show a sprint with its steps and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		sp, err := Backend.GetSprint(args[0])
		if err != nil {
			return fmt.Errorf("getting sprint %s: %w", args[0], err)
		}
		phases, err := Backend.PhaseRecords(sp.ID)
		if err != nil {
			return fmt.Errorf("reading phases of %s: %w", sp.ID, err)
		}
		printSprint(cmd.OutOrStdout(), sp, phases)
		return nil
	},
}

var sprintStartCmd = &cobra.Command{
	Use:   "start <sprint-id>",
	Short: "Start a sprint without running agents",
	Long: `Move a todo sprint to in-progress and put its first step in progress.

Every dependency sprint must be done. Use "maestro run" to start a sprint and
execute it with the configured agents.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		return withLock(func() error {
			if err := core.ValidateDependencies(Backend, args[0]); err != nil {
				return err
			}
			sp, err := Backend.StartSprint(args[0])
			if err != nil {
				return fmt.Errorf("starting sprint %s: %w", args[0], err)
			}
			reportSprint(cmd.OutOrStdout(), sp)
			return nil
		})
	},
}

var sprintAdvanceCmd = &cobra.Command{
	Use:   "advance <sprint-id>",
	Short: "Mark the in-progress step done and start the next one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		var output map[string]any
		if sprintOutput != "" {
			output = map[string]any{"output": sprintOutput}
		}
		return withLock(func() error {
			sp, err := Backend.AdvanceStep(args[0], output)
			if err != nil {
				return fmt.Errorf("advancing sprint %s: %w", args[0], err)
			}
			sum := models.SummarizeSteps(sp)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d steps done", sp.ID, sum.CompletedSteps, sum.TotalSteps)
			if sum.CurrentStep != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ", now on %q", sum.CurrentStep)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		})
	},
}

var sprintUpdateCmd = &cobra.Command{
	Use:   "update <sprint-id> <key=value>...",
	Short: "Set metadata fields on a sprint",
	Long: `Set metadata fields on a sprint, keeping every other field as it is.

Setting "title" also changes the sprint goal. Status cannot be set this way;
use the lifecycle commands instead.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		return withLock(func() error {
			sp, err := Backend.UpdateSprint(args[0], fields)
			if err != nil {
				return fmt.Errorf("updating sprint %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%d field(s))\n", sp.ID, len(fields))
			return nil
		})
	},
}

// parseFields turns key=value arguments into a field map.
func parseFields(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", arg)
		}
		fields[strings.TrimSpace(k)] = v
	}
	return fields, nil
}

// sprintTransition builds a subcommand that applies one sprint lifecycle
// operation. Operations that take a reason read it from --reason.
func sprintTransition(use, short, verb string, needsReason bool, op func(id, reason string) (*models.Sprint, error)) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   use + " <sprint-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireBackend(); err != nil {
				return err
			}
			if needsReason && strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return withLock(func() error {
				sp, err := op(args[0], reason)
				if err != nil {
					return fmt.Errorf("%s sprint %s: %w", verb, args[0], err)
				}
				reportSprint(cmd.OutOrStdout(), sp)
				return nil
			})
		},
	}
	if needsReason {
		c.Flags().StringVarP(&reason, "reason", "r", "", "why the sprint changes status")
	}
	return c
}

func reportSprint(w io.Writer, sp *models.Sprint) {
	fmt.Fprintf(w, "%s is now %s\n", sp.ID, sp.Status)
}

func printSprint(w io.Writer, sp *models.Sprint, phases []models.PhaseRecord) {
	fmt.Fprintf(w, "%s: %s\n", sp.ID, sp.Goal)
	fmt.Fprintf(w, "  Status: %s\n", sp.Status)
	if sp.EpicID != "" {
		fmt.Fprintf(w, "  Epic:   %s\n", sp.EpicID)
	}
	if sp.Type != "" {
		fmt.Fprintf(w, "  Type:   %s\n", sp.Type)
	}
	if len(sp.Dependencies) > 0 {
		fmt.Fprintf(w, "  Depends on: %s\n", strings.Join(sp.Dependencies, ", "))
	}
	if len(sp.Deliverables) > 0 {
		fmt.Fprintf(w, "  Deliverables: %s\n", strings.Join(sp.Deliverables, ", "))
	}

	if len(sp.Steps) > 0 {
		fmt.Fprintln(w, "\n  Steps:")
		for _, st := range sp.Steps {
			fmt.Fprintf(w, "    %-8s %-12s %s (%s)\n", st.ID, st.Status, st.Name, st.Type())
		}
	} else if len(sp.Tasks) > 0 {
		fmt.Fprintln(w, "\n  Tasks:")
		for _, t := range sp.Tasks {
			mark := " "
			if t.Done {
				mark = "x"
			}
			fmt.Fprintf(w, "    [%s] %s\n", mark, t.Name)
		}
	}

	if len(phases) > 0 {
		fmt.Fprintln(w, "\n  Phases:")
		for _, p := range phases {
			outcome := "ok"
			if !p.Success {
				outcome = "failed"
			}
			fmt.Fprintf(w, "    %-14s %-7s %d output(s)\n", p.Phase, outcome, len(p.Outputs))
		}
	}

	if len(sp.Transitions) > 0 {
		fmt.Fprintln(w, "\n  History:")
		for _, tr := range sp.Transitions {
			line := fmt.Sprintf("    %s  %s -> %s", tr.Timestamp.Format(time.DateTime), tr.From, tr.To)
			if tr.Reason != "" {
				line += " (" + tr.Reason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(sp.Metadata) > 0 {
		keys := make([]string, 0, len(sp.Metadata))
		for k := range sp.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "\n  Metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "    %s: %s\n", k, sp.Metadata[k])
		}
	}
}

func init() {
	sprintCreateCmd.Flags().StringVarP(&sprintEpic, "epic", "e", "", "epic to create the sprint in")
	sprintCreateCmd.Flags().StringVarP(&sprintType, "type", "t", "", "sprint type (backend, frontend, fullstack, infrastructure, research)")
	sprintCreateCmd.Flags().StringArrayVar(&sprintTasks, "task", nil, "task to add, optionally as type:name (repeatable)")
	sprintCreateCmd.Flags().StringSliceVar(&sprintDeps, "depends-on", nil, "sprint ids that must be done first")
	sprintCreateCmd.Flags().StringSliceVar(&sprintDeliverables, "deliverable", nil, "expected deliverables")
	sprintCreateCmd.Flags().BoolVar(&sprintBacklog, "backlog", false, "create the sprint in the backlog")

	sprintListCmd.Flags().StringVarP(&sprintListEpic, "epic", "e", "", "only sprints of this epic")
	sprintListCmd.Flags().StringVarP(&sprintListStatus, "status", "s", "", "only sprints in this status")
	sprintListCmd.Flags().BoolVar(&sprintListJSON, "json", false, "output as JSON")

	sprintAdvanceCmd.Flags().StringVarP(&sprintOutput, "output", "o", "", "output to record on the finished step")

	sprintCmd.AddCommand(
		sprintCreateCmd, sprintListCmd, sprintShowCmd, sprintStartCmd, sprintAdvanceCmd, sprintUpdateCmd,
		sprintTransition("review", "Move a sprint with finished steps to review", "reviewing", false,
			func(id, _ string) (*models.Sprint, error) { return Backend.MoveToReview(id) }),
		sprintTransition("reject", "Send a sprint in review back to in-progress", "rejecting", true,
			func(id, reason string) (*models.Sprint, error) { return Backend.RejectSprint(id, reason) }),
		sprintTransition("complete", "Complete a sprint whose steps are all finished", "completing", false,
			func(id, _ string) (*models.Sprint, error) { return Backend.CompleteSprint(id) }),
		sprintTransition("block", "Block a sprint", "blocking", true,
			func(id, reason string) (*models.Sprint, error) { return Backend.BlockSprint(id, reason) }),
		sprintTransition("abort", "Abandon a sprint", "aborting", true,
			func(id, reason string) (*models.Sprint, error) { return Backend.AbandonSprint(id, reason) }),
		sprintTransition("archive", "Archive a done or abandoned sprint", "archiving", false,
			func(id, _ string) (*models.Sprint, error) { return Backend.ArchiveSprint(id) }),
	)
	rootCmd.AddCommand(sprintCmd)
}
