package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/storage"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// BoardSource scans the kanban tree. storage.Scanner implements it.
type BoardSource interface {
	Scan() (*storage.Snapshot, error)
}

var (
	boardAll  bool
	boardJSON bool
)

var (
	columnStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	epicStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusStyles = map[models.SprintStatus]lipgloss.Style{
		models.SprintBacklog:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.SprintTodo:       lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		models.SprintInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		models.SprintReview:     lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.SprintDone:       lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		models.SprintBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.SprintAbandoned:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		models.SprintArchived:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}

	titleCaser = cases.Title(language.English)
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Render the kanban board",
	Long: `Render every column of the kanban board with its epics and sprints.

An epic appears in each column one of its sprints is in, listing only the
sprints in that column. Empty abandoned and archived columns are hidden
unless --all is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if boardJSON {
			if err := requireBackend(); err != nil {
				return err
			}
			cols, err := core.BuildBoard(Backend, boardAll)
			if err != nil {
				return err
			}
			return printJSON(out, cols)
		}

		if Board == nil {
			return fmt.Errorf("board scanner not initialized")
		}
		snap, err := Board.Scan()
		if err != nil {
			return fmt.Errorf("scanning board: %w", err)
		}
		fmt.Fprintln(out, renderBoard(snap.Board(), boardAll))
		return nil
	},
}

// renderBoard draws each column as a bordered panel stacked top to bottom.
func renderBoard(cols []storage.BoardColumn, all bool) string {
	var panels []string
	for _, col := range cols {
		empty := len(col.Epics) == 0 && len(col.Sprints) == 0
		if empty && !all && (col.Status == models.SprintAbandoned || col.Status == models.SprintArchived) {
			continue
		}
		panels = append(panels, columnStyle.Render(renderColumn(col)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, panels...)
}

func renderColumn(col storage.BoardColumn) string {
	var b strings.Builder
	header := titleCaser.String(strings.ReplaceAll(string(col.Status), "_", " "))
	count := len(col.Sprints)
	for _, e := range col.Epics {
		count += len(e.Sprints)
	}
	b.WriteString(statusStyles[col.Status].Bold(true).Render(fmt.Sprintf("%s (%d)", header, count)))

	if len(col.Epics) == 0 && len(col.Sprints) == 0 {
		b.WriteString("\n" + mutedStyle.Render("  (empty)"))
		return b.String()
	}
	for _, e := range col.Epics {
		b.WriteString("\n" + epicStyle.Render(fmt.Sprintf("%s %s", e.Epic.ID, e.Epic.Title)))
		for _, sp := range e.Sprints {
			b.WriteString("\n  " + sprintLine(sp))
		}
	}
	for _, sp := range col.Sprints {
		b.WriteString("\n" + sprintLine(sp))
	}
	return b.String()
}

func sprintLine(sp *models.Sprint) string {
	line := fmt.Sprintf("%s %s", sp.ID, sp.Goal)
	if len(sp.Steps) > 0 {
		sum := models.SummarizeSteps(sp)
		line += mutedStyle.Render(fmt.Sprintf(" [%d/%d]", sum.CompletedSteps, sum.TotalSteps))
	}
	return line
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func init() {
	boardCmd.Flags().BoolVar(&boardAll, "all", false, "include empty abandoned and archived columns")
	boardCmd.Flags().BoolVar(&boardJSON, "json", false, "output the board as JSON")
	rootCmd.AddCommand(boardCmd)
}
