package main

import (
	"fmt"
	"os"

	app "github.com/dreadnought-foundry/maestro-agents-sub000/internal"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/cli"
)

// Set by goreleaser ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)

	root, err := app.ResolveProjectRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving project root: %v\n", err)
		os.Exit(1)
	}
	a, err := app.NewApp(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing maestro: %v\n", err)
		os.Exit(1)
	}

	err = cli.Execute()
	_ = a.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
