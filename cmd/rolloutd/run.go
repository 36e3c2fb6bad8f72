package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/executor"
	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/health"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/metrics"
	"github.com/fyrsmithlabs/rolloutd/internal/migration"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/run"
	"github.com/fyrsmithlabs/rolloutd/internal/scheduler"
	"github.com/fyrsmithlabs/rolloutd/internal/status"
	"github.com/fyrsmithlabs/rolloutd/internal/telemetry"
	"github.com/fyrsmithlabs/rolloutd/internal/workspace"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := telemetry.Init(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer provider.Shutdown(context.Background())

			p, err := plan.Load(planPath)
			if err != nil {
				return err
			}

			service := newRunService(cfg, logger, prometheus.NewRegistry())
			runID, err := service.Start(ctx, p)
			if err != nil {
				var cycleErr *graph.CycleError
				if errors.As(err, &cycleErr) {
					fmt.Print(status.RenderCycles(cycleErr))
					os.Exit(scheduler.ExitCycleDetected)
				}
				return err
			}

			// Cancel the run on the first signal, then wait for it to
			// drain so in-flight executors are stopped cleanly.
			go func() {
				<-ctx.Done()
				_ = service.Cancel(runID)
			}()

			snap, err := service.Wait(context.Background(), runID)
			if err != nil {
				return err
			}

			fmt.Print(status.RenderSnapshot(snap))
			os.Exit(snap.ExitCode)
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "rollout.yaml", "path to the plan file")
	cmd.Flags().StringVar(&isolation, "isolation", "git", "execution isolation backend (git or dir)")
	return cmd
}

// newRunService wires the run service from config: workspace isolation,
// the local command launcher, and the health checker.
func newRunService(cfg *config.Config, logger *logging.Logger, registry *prometheus.Registry) *run.Service {
	m := metrics.New(registry)

	newWorkspaces := func() (workspace.Manager, error) {
		if isolation == "dir" {
			return workspace.NewMemoryManager("")
		}
		return workspace.NewGitManager(cfg.Workspace.RepoPath, cfg.Workspace.BaseBranch, "", logger)
	}

	var checker health.Checker
	if cfg.Health.MetricsURL != "" {
		checker = health.NewMetricsChecker(cfg.Health)
	} else {
		checker = &health.StaticChecker{}
	}

	deps := run.Deps{
		NewWorkspaces: newWorkspaces,
		NewLauncher: func(ws workspace.Manager) executor.Launcher {
			return executor.NewLocalLauncher(ws.Path, logger)
		},
		Router:   migration.NopRouter{},
		Platform: migration.NopPlatform{},
		Health:   checker,
	}
	return run.NewService(cfg, deps, m, logger)
}
