package scheduler

import (
	"sort"

	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
)

// Phase is one execution stage of a run. Phases are produced once per
// run and read-only afterward.
type Phase struct {
	// Number orders phases, starting at 1.
	Number int
	// Name is the cohort the phase executes.
	Name string
	// Items are the work items of the phase. For sequential phases the
	// order is the execution order.
	Items []plan.Item
	// Parallelizable marks whether items may run concurrently.
	Parallelizable bool
	// Requires lists item IDs that must be done before the phase starts.
	Requires []string
}

// BuildPhases turns an analyzed graph into the ordered phase list: one
// phase per non-empty cohort, foundation first, then specialized, then
// integration. Foundation and specialized phases are parallelizable;
// integration runs strictly in dependency order.
func BuildPhases(g *graph.Graph) []Phase {
	var phases []Phase
	var done []string

	appendPhase := func(name plan.Cohort, ids []string, parallelizable bool) {
		if len(ids) == 0 {
			return
		}
		items := make([]plan.Item, 0, len(ids))
		for _, id := range ids {
			items = append(items, g.Nodes[id].Item)
		}
		phases = append(phases, Phase{
			Number:         len(phases) + 1,
			Name:           string(name),
			Items:          items,
			Parallelizable: parallelizable,
			Requires:       append([]string{}, done...),
		})
		done = append(done, ids...)
	}

	foundation := append([]string{}, g.Cohorts[plan.CohortFoundation]...)
	sort.Strings(foundation)
	appendPhase(plan.CohortFoundation, foundation, true)

	specialized := append([]string{}, g.Cohorts[plan.CohortSpecialized]...)
	sort.Strings(specialized)
	appendPhase(plan.CohortSpecialized, specialized, true)

	appendPhase(plan.CohortIntegration, g.IntegrationOrder(), false)

	return phases
}
