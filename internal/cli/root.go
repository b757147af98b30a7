package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Maestro - sprint orchestration for AI execution agents",
	Long: `Maestro drives sprints on a file-based kanban board through their phases,
dispatching each step to an execution agent and gating progress with hooks.

Epics and sprints live as markdown files under kanban/, so the board can be
read and edited with any tool. Run history is kept in a SQLite ledger and
every lifecycle change is appended to the event log.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			LogLevel.Set(slog.LevelDebug)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "maestro %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log runner diagnostics to stderr")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
