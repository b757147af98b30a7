package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	maestromcp "github.com/dreadnought-foundry/maestro-agents-sub000/internal/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the maestro MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the maestro MCP server on stdio",
	Long: `Start the maestro MCP server on stdio transport.

The server exposes the board as MCP tools that AI coding assistants can call:
get_project_status, list_epics, get_epic, list_sprints, get_sprint,
get_step_status, create_epic, create_sprint, get_board, get_metrics and
get_alerts. The create tools hold the project lock while they write.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBackend(); err != nil {
			return err
		}

		var opts []maestromcp.Option
		if Lock != nil {
			opts = append(opts, maestromcp.WithLock(Lock))
		}
		srv := maestromcp.NewServer(Backend, MetricsCalc, AlertEngine, appVersion, opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}

		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
