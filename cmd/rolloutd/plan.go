package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/scheduler"
	"github.com/fyrsmithlabs/rolloutd/internal/status"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Analyze a plan: layers, cohorts, and phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(planPath)
			if err != nil {
				return err
			}

			g, err := graph.Analyze(p.Items)
			if err != nil {
				var cycleErr *graph.CycleError
				if errors.As(err, &cycleErr) {
					fmt.Print(status.RenderCycles(cycleErr))
					os.Exit(scheduler.ExitCycleDetected)
				}
				return err
			}

			fmt.Print(status.RenderPlan(g, scheduler.BuildPhases(g)))
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "rollout.yaml", "path to the plan file")
	return cmd
}
