// Package validation reduces pass/fail checks across validation
// dimensions to confidence scores that gate phase advancement and
// migration completion.
package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
)

// Dimension categorizes a check.
type Dimension string

const (
	DimensionComponent   Dimension = "component"
	DimensionIntegration Dimension = "integration"
	DimensionPerformance Dimension = "performance"
	DimensionCompliance  Dimension = "compliance"
)

// Outcome is the result of running a single check.
type Outcome struct {
	Passed         bool
	Issue          string
	Recommendation string
}

// Check is a single validation probe.
type Check interface {
	Name() string
	Dimension() Dimension
	Run(ctx context.Context) Outcome
}

// FuncCheck adapts a function to the Check interface.
type FuncCheck struct {
	CheckName      string
	CheckDimension Dimension
	Fn             func(ctx context.Context) Outcome
}

func (c FuncCheck) Name() string         { return c.CheckName }
func (c FuncCheck) Dimension() Dimension { return c.CheckDimension }
func (c FuncCheck) Run(ctx context.Context) Outcome {
	return c.Fn(ctx)
}

// Result summarizes one scope's checks. Confidence is passed/total.
type Result struct {
	Scope           string   `json:"scope"`
	Passed          int      `json:"passed"`
	Failed          int      `json:"failed"`
	Confidence      float64  `json:"confidence"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Total returns the number of checks behind this result.
func (r Result) Total() int { return r.Passed + r.Failed }

// SystemResult aggregates all dimensions into one pooled confidence.
//
// The pooled score is passed/total across every check, not an average of
// per-dimension ratios, so dimensions with more checks weigh more.
type SystemResult struct {
	Passed         int                  `json:"passed"`
	Failed         int                  `json:"failed"`
	Confidence     float64              `json:"confidence"`
	OverallSuccess bool                 `json:"overall_success"`
	Dimensions     map[Dimension]Result `json:"dimensions"`
	CriticalIssues []string             `json:"critical_issues,omitempty"`
}

// GateError is returned when a confidence score falls below its gate
// threshold. Callers treat it as a failed transition.
type GateError struct {
	Scope      string
	Confidence float64
	Threshold  float64
}

func (e *GateError) Error() string {
	return fmt.Sprintf("validation gate failed for %s: confidence %.3f below threshold %.3f",
		e.Scope, e.Confidence, e.Threshold)
}

// Engine runs checks and applies the configured gates.
type Engine struct {
	cfg config.ValidationConfig
}

// NewEngine creates an engine with the given gate policy.
func NewEngine(cfg config.ValidationConfig) *Engine {
	return &Engine{cfg: cfg}
}

// ValidateComponent runs checks for one component scope and applies the
// component gate. The Result is always returned, with a *GateError when
// below threshold.
func (e *Engine) ValidateComponent(ctx context.Context, scope string, checks []Check) (Result, error) {
	result := runChecks(ctx, scope, checks)
	if result.Total() > 0 && result.Confidence < e.cfg.ComponentThreshold {
		return result, &GateError{
			Scope:      scope,
			Confidence: result.Confidence,
			Threshold:  e.cfg.ComponentThreshold,
		}
	}
	return result, nil
}

// ValidateSystem runs all checks across all dimensions and applies the
// full-system gate. The SystemResult is always returned, with a
// *GateError when below threshold.
func (e *Engine) ValidateSystem(ctx context.Context, checks []Check) (SystemResult, error) {
	byDim := make(map[Dimension][]Check)
	for _, c := range checks {
		byDim[c.Dimension()] = append(byDim[c.Dimension()], c)
	}

	system := SystemResult{Dimensions: make(map[Dimension]Result, len(byDim))}
	for dim, dimChecks := range byDim {
		r := runChecks(ctx, string(dim), dimChecks)
		system.Dimensions[dim] = r
		system.Passed += r.Passed
		system.Failed += r.Failed
	}

	total := system.Passed + system.Failed
	if total > 0 {
		system.Confidence = float64(system.Passed) / float64(total)
	} else {
		// No checks registered means nothing observed, not success.
		system.Confidence = 0
	}
	system.OverallSuccess = system.Confidence >= e.cfg.SystemThreshold
	system.CriticalIssues = e.criticalIssues(&system)

	if !system.OverallSuccess {
		return system, &GateError{
			Scope:      "system",
			Confidence: system.Confidence,
			Threshold:  e.cfg.SystemThreshold,
		}
	}
	return system, nil
}

// criticalIssues surfaces low-confidence flags for operator visibility.
// They are advisory: the hard gate may still pass while a dimension is
// flagged.
func (e *Engine) criticalIssues(s *SystemResult) []string {
	var issues []string
	if s.Confidence < e.cfg.CriticalOverall {
		issues = append(issues, fmt.Sprintf(
			"overall confidence %.3f below critical level %.2f", s.Confidence, e.cfg.CriticalOverall))
	}

	dims := make([]Dimension, 0, len(s.Dimensions))
	for dim := range s.Dimensions {
		dims = append(dims, dim)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })

	for _, dim := range dims {
		r := s.Dimensions[dim]
		if r.Total() > 0 && r.Confidence < e.cfg.CriticalPooled {
			issues = append(issues, fmt.Sprintf(
				"%s confidence %.3f below critical level %.2f", dim, r.Confidence, e.cfg.CriticalPooled))
		}
	}
	return issues
}

func runChecks(ctx context.Context, scope string, checks []Check) Result {
	result := Result{Scope: scope}
	for _, check := range checks {
		outcome := check.Run(ctx)
		if outcome.Passed {
			result.Passed++
		} else {
			result.Failed++
			if outcome.Issue != "" {
				result.Issues = append(result.Issues, fmt.Sprintf("%s: %s", check.Name(), outcome.Issue))
			} else {
				result.Issues = append(result.Issues, fmt.Sprintf("%s failed", check.Name()))
			}
		}
		if outcome.Recommendation != "" {
			result.Recommendations = append(result.Recommendations, outcome.Recommendation)
		}
	}
	if total := result.Total(); total > 0 {
		result.Confidence = float64(result.Passed) / float64(total)
	}
	return result
}
