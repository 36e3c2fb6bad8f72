// Package plan defines the rollout plan model: the work items a run
// executes and their declared dependencies.
package plan

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
)

// Cohort names the parallel-eligibility group an item belongs to.
// Cohorts are assigned by graph analysis, never declared in the plan.
type Cohort string

const (
	// CohortFoundation holds layer-0 items, parallel amongst themselves.
	CohortFoundation Cohort = "foundation"
	// CohortSpecialized holds items depending exactly on the foundation
	// set, parallel amongst themselves.
	CohortSpecialized Cohort = "specialized"
	// CohortIntegration holds everything else, run strictly in
	// dependency order.
	CohortIntegration Cohort = "integration"
)

// Item is a unit of work in a rollout plan. Immutable once a phase starts.
type Item struct {
	// ID uniquely names the item within the plan.
	ID string `koanf:"id" json:"id"`
	// DependsOn lists item IDs that must complete first. IDs not present
	// in the plan are treated as external, already-satisfied dependencies.
	DependsOn []string `koanf:"depends_on" json:"depends_on,omitempty"`
	// Component is the migrated component this item belongs to.
	Component string `koanf:"component" json:"component,omitempty"`
	// Command is what the local executor runs for this item.
	Command string `koanf:"command" json:"command,omitempty"`
	// EstimatedDuration is advisory, used for budget selection.
	EstimatedDuration config.Duration `koanf:"estimated_duration" json:"estimated_duration,omitempty"`
	// Complexity is an advisory score, used for budget selection.
	Complexity float64 `koanf:"complexity" json:"complexity,omitempty"`

	// Cohort is assigned during graph analysis.
	Cohort Cohort `koanf:"-" json:"cohort,omitempty"`
}

// Plan is a set of work items loaded from a plan file.
type Plan struct {
	Items []Item `koanf:"items"`
}

// Components returns the distinct non-empty component names, in first-seen
// order.
func (p *Plan) Components() []string {
	seen := make(map[string]bool)
	var out []string
	for _, item := range p.Items {
		if item.Component == "" || seen[item.Component] {
			continue
		}
		seen[item.Component] = true
		out = append(out, item.Component)
	}
	return out
}

// Load reads and validates a YAML plan file.
func Load(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return Parse(content)
}

// Parse parses and validates YAML plan content.
func Parse(content []byte) (*Plan, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	var p Plan
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural invariants: non-empty, unique IDs, no
// self-dependencies.
func (p *Plan) Validate() error {
	if len(p.Items) == 0 {
		return fmt.Errorf("plan has no items")
	}

	seen := make(map[string]bool, len(p.Items))
	for _, item := range p.Items {
		if item.ID == "" {
			return fmt.Errorf("plan item with empty id")
		}
		if seen[item.ID] {
			return fmt.Errorf("duplicate plan item id: %s", item.ID)
		}
		seen[item.ID] = true
		if item.Complexity < 0 {
			return fmt.Errorf("item %s: complexity cannot be negative", item.ID)
		}
	}

	for _, item := range p.Items {
		for _, dep := range item.DependsOn {
			if dep == item.ID {
				return fmt.Errorf("item %s depends on itself", item.ID)
			}
		}
	}
	return nil
}
