// Rolloutd is a dependency-aware phased rollout orchestrator.
//
// It partitions a plan's work items into maximally-parallel phases,
// dispatches them to isolated executors under a concurrency cap, and
// performs a health-gated live migration with automatic rollback.
//
// Usage:
//
//	rolloutd plan --plan rollout.yaml     Analyze a plan without executing
//	rolloutd run --plan rollout.yaml      Execute a plan to completion
//	rolloutd serve                        Start the HTTP control API
//	rolloutd version                      Show version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	planPath   string
	isolation  string
)

func main() {
	root := &cobra.Command{
		Use:           "rolloutd",
		Short:         "Dependency-aware phased rollout orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newPlanCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rolloutd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
}

// setup loads configuration and builds the logger shared by commands.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
