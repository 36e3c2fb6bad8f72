// Package status renders run state for terminal output.
package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/run"
	"github.com/fyrsmithlabs/rolloutd/internal/scheduler"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	cohortStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// RenderSnapshot formats a run snapshot for the terminal.
func RenderSnapshot(snap run.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Run"), snap.ID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("status:"), renderStatus(snap.Status))
	if snap.Phase != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("phase:"), cohortStyle.Render(snap.Phase))
	}
	fmt.Fprintf(&b, "%s %d completed, %d failed, %d active\n",
		labelStyle.Render("items:"), snap.Completed, snap.Failed, snap.ActiveCount)
	if snap.Confidence > 0 {
		fmt.Fprintf(&b, "%s %.3f\n", labelStyle.Render("confidence:"), snap.Confidence)
	}
	if snap.RolledBack {
		fmt.Fprintf(&b, "%s\n", warnStyle.Render("migration rolled back"))
	}
	for _, m := range snap.Migration {
		fmt.Fprintf(&b, "%s %s %s at %d%% traffic\n",
			labelStyle.Render("component:"), m.Component, m.Phase, m.TrafficPercent)
	}
	if snap.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("error:"), failStyle.Render(snap.Error))
	}
	return b.String()
}

// RenderPlan formats the analyzed graph and phase breakdown.
func RenderPlan(g *graph.Graph, phases []scheduler.Phase) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Layers") + "\n")
	for layer, ids := range g.Layers {
		fmt.Fprintf(&b, "  %d: %s\n", layer, strings.Join(ids, ", "))
	}

	b.WriteString(titleStyle.Render("Phases") + "\n")
	for _, phase := range phases {
		mode := "sequential"
		if phase.Parallelizable {
			mode = "parallel"
		}
		ids := make([]string, len(phase.Items))
		for i, item := range phase.Items {
			ids[i] = item.ID
		}
		fmt.Fprintf(&b, "  %d %s (%s): %s\n",
			phase.Number, cohortStyle.Render(phase.Name), mode, strings.Join(ids, ", "))
	}
	return b.String()
}

// RenderCycles formats cycle paths from a rejected plan.
func RenderCycles(err *graph.CycleError) string {
	var b strings.Builder
	b.WriteString(failStyle.Render("Dependency cycles detected") + "\n")
	for _, cycle := range err.Cycles {
		fmt.Fprintf(&b, "  %s\n", strings.Join(cycle, " -> "))
	}
	return b.String()
}

func renderStatus(s run.Status) string {
	switch s {
	case run.StatusCompleted:
		return okStyle.Render(string(s))
	case run.StatusFailed:
		return failStyle.Render(string(s))
	case run.StatusCancelled:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}
