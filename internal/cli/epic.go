package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

var (
	epicDescription string
	epicListJSON    bool
)

var epicCmd = &cobra.Command{
	Use:   "epic",
	Short: "Manage epics",
}

var epicCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new epic in the todo column",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		title := strings.Join(args, " ")
		return withLock(func() error {
			e, err := Backend.CreateEpic(title, epicDescription)
			if err != nil {
				return fmt.Errorf("creating epic: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s: %s\n", e.ID, e.Title)
			return nil
		})
	},
}

var epicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all epics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		epics, err := Backend.ListEpics()
		if err != nil {
			return fmt.Errorf("listing epics: %w", err)
		}
		out := cmd.OutOrStdout()
		if epicListJSON {
			return printJSON(out, epics)
		}
		if len(epics) == 0 {
			fmt.Fprintln(out, "No epics found.")
			return nil
		}
		fmt.Fprintf(out, "%-10s %-10s %-8s %s\n", "ID", "STATUS", "SPRINTS", "TITLE")
		for _, e := range epics {
			fmt.Fprintf(out, "%-10s %-10s %-8d %s\n", e.ID, e.Status, len(e.SprintIDs), e.Title)
		}
		return nil
	},
}

var epicShowCmd = &cobra.Command{
	Use:   "show <epic-id>",
	Short: "Show an epic and its sprints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}
		e, err := Backend.GetEpic(args[0])
		if err != nil {
			return fmt.Errorf("getting epic %s: %w", args[0], err)
		}
		sprints, err := Backend.ListSprints(e.ID)
		if err != nil {
			return fmt.Errorf("listing sprints of %s: %w", e.ID, err)
		}
		printEpic(cmd.OutOrStdout(), e, sprints)
		return nil
	},
}

// epicTransition builds a subcommand that applies one epic lifecycle operation.
func epicTransition(use, short, verb string, op func(id string) (*models.Epic, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <epic-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireBackend(); err != nil {
				return err
			}
			return withLock(func() error {
				e, err := op(args[0])
				if err != nil {
					return fmt.Errorf("%s epic %s: %w", verb, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", e.ID, e.Status)
				return nil
			})
		},
	}
}

func printEpic(w io.Writer, e *models.Epic, sprints []*models.Sprint) {
	fmt.Fprintf(w, "%s: %s\n", e.ID, e.Title)
	fmt.Fprintf(w, "  Status: %s\n", e.Status)
	if e.Description != "" {
		fmt.Fprintf(w, "  Description: %s\n", e.Description)
	}
	if len(sprints) == 0 {
		fmt.Fprintln(w, "  No sprints.")
		return
	}
	fmt.Fprintln(w, "  Sprints:")
	for _, sp := range sprints {
		fmt.Fprintf(w, "    %-10s %-12s %s\n", sp.ID, sp.Status, sp.Goal)
	}
}

func init() {
	epicCreateCmd.Flags().StringVarP(&epicDescription, "description", "d", "", "what the epic delivers")
	epicListCmd.Flags().BoolVar(&epicListJSON, "json", false, "output as JSON")

	epicCmd.AddCommand(epicCreateCmd, epicListCmd, epicShowCmd,
		epicTransition("start", "Move an epic to in-progress", "starting", func(id string) (*models.Epic, error) { return Backend.StartEpic(id) }),
		epicTransition("complete", "Complete an epic whose sprints are all finished", "completing", func(id string) (*models.Epic, error) { return Backend.CompleteEpic(id) }),
		epicTransition("archive", "Archive an epic", "archiving", func(id string) (*models.Epic, error) { return Backend.ArchiveEpic(id) }),
	)
	rootCmd.AddCommand(epicCmd)
}
