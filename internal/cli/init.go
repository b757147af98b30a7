package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a maestro project in the current directory",
	Long: `Create the kanban column directories, the deferred and postmortem notes,
and a .maestro.yaml holding the default configuration.

Safe to run on existing projects: directories and notes that already exist
are kept, and .maestro.yaml is only rewritten with --force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ProjectRoot == "" {
			return fmt.Errorf("project root not initialized")
		}
		out := cmd.OutOrStdout()

		return withLock(func() error {
			wrote, err := writeDefaultConfig(ProjectRoot, initForce)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(out, "Wrote %s\n", core.ConfigFileName)
			} else {
				fmt.Fprintf(out, "Kept existing %s\n", core.ConfigFileName)
			}

			for _, in := range Initializers {
				if err := in.Init(); err != nil {
					return fmt.Errorf("initializing project: %w", err)
				}
			}
			fmt.Fprintf(out, "Initialized maestro project in %s\n", ProjectRoot)
			return nil
		})
	},
}

// writeDefaultConfig writes the default configuration to root unless a file
// already exists there and force is false. It reports whether it wrote.
func writeDefaultConfig(root string, force bool) (bool, error) {
	path := filepath.Join(root, core.ConfigFileName)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("checking %s: %w", core.ConfigFileName, err)
		}
	}

	data, err := yaml.Marshal(core.DefaultProjectConfig())
	if err != nil {
		return false, fmt.Errorf("encoding default config: %w", err)
	}
	header := []byte("# maestro project configuration\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil { //nolint:gosec // G306: config is meant to be readable
		return false, fmt.Errorf("writing %s: %w", core.ConfigFileName, err)
	}
	return true, nil
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing .maestro.yaml with the defaults")
	rootCmd.AddCommand(initCmd)
}
