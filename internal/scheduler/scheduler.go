// Package scheduler sequences a run: it executes phases strictly in
// order through the coordinator, gates each transition on validation
// confidence, drives the live migration after all phases succeed, and
// triggers rollback when a run aborts mid-migration.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/coordinator"
	"github.com/fyrsmithlabs/rolloutd/internal/executor"
	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/metrics"
	"github.com/fyrsmithlabs/rolloutd/internal/migration"
	"github.com/fyrsmithlabs/rolloutd/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/scheduler"

// Exit codes for the run control surface.
const (
	ExitSuccess        = 0
	ExitValidationGate = 1
	ExitCycleDetected  = 2
	ExitRolledBack     = 3
	ExitTimeout        = 4
)

// PhaseError reports a phase that exceeded its failure tolerance.
type PhaseError struct {
	Phase    string
	Failed   int
	Total    int
	TimedOut bool
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %d of %d items failed", e.Phase, e.Failed, e.Total)
}

// RunResult is the outcome of a full run.
type RunResult struct {
	Phases     []*coordinator.PhaseResult
	Validation *validation.SystemResult
	Migration  *migration.Result
	RolledBack bool
	Err        error
}

// ExitCode maps the run outcome to the documented exit codes.
func (r *RunResult) ExitCode() int {
	if r.Err == nil {
		return ExitSuccess
	}
	return ExitCode(r.Err)
}

// ExitCode maps an error to the run control exit codes: 2 for cycles,
// 3 for migration health rollbacks, 4 for timeouts, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cycleErr *graph.CycleError
	if errors.As(err, &cycleErr) {
		return ExitCycleDetected
	}
	var healthErr *migration.HealthError
	if errors.As(err, &healthErr) {
		return ExitRolledBack
	}
	var timeoutErr *coordinator.TimeoutError
	if errors.As(err, &timeoutErr) {
		return ExitTimeout
	}
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) && phaseErr.TimedOut {
		return ExitTimeout
	}
	return ExitValidationGate
}

// CheckProvider supplies the validation checks that gate a phase
// transition. The provider sees the finished phase and its results.
type CheckProvider func(phase Phase, result *coordinator.PhaseResult) []validation.Check

// Progress reports phase transitions during a run.
type Progress struct {
	Phase     string
	Number    int
	Done      bool
	Completed int
	Failed    int
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(Progress)

// Scheduler drives phases through the coordinator and migration.
type Scheduler struct {
	cfg       config.SchedulerConfig
	coord     *coordinator.Coordinator
	validator *validation.Engine
	migrator  *migration.Manager
	checks    CheckProvider
	progress  ProgressCallback
	metrics   *metrics.Metrics
	logger    *logging.Logger
	tracer    trace.Tracer
}

// OnProgress sets the progress callback.
func (s *Scheduler) OnProgress(callback ProgressCallback) {
	s.progress = callback
}

func (s *Scheduler) reportProgress(p Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}

// New creates a scheduler. checks may be nil, in which case phase
// results alone feed the validation engine.
func New(cfg config.SchedulerConfig, coord *coordinator.Coordinator, validator *validation.Engine, migrator *migration.Manager, checks CheckProvider, m *metrics.Metrics, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if checks == nil {
		checks = ResultChecks
	}
	return &Scheduler{
		cfg:       cfg,
		coord:     coord,
		validator: validator,
		migrator:  migrator,
		checks:    checks,
		metrics:   m,
		logger:    logger.Named("scheduler"),
		tracer:    otel.Tracer(instrumentationName),
	}
}

// ResultChecks is the default CheckProvider: every item outcome becomes
// a component-dimension check, and the phase-level success rate becomes
// an integration-dimension check.
func ResultChecks(phase Phase, result *coordinator.PhaseResult) []validation.Check {
	checks := make([]validation.Check, 0, len(result.Results)+1)
	for _, r := range result.Results {
		r := r
		checks = append(checks, validation.FuncCheck{
			CheckName:      fmt.Sprintf("item:%s", r.Item.ID),
			CheckDimension: validation.DimensionComponent,
			Fn: func(ctx context.Context) validation.Outcome {
				if r.Status == executor.StatusCompleted {
					return validation.Outcome{Passed: true}
				}
				issue := "item failed"
				if r.Err != nil {
					issue = r.Err.Error()
				}
				return validation.Outcome{Issue: issue}
			},
		})
	}
	checks = append(checks, validation.FuncCheck{
		CheckName:      fmt.Sprintf("phase:%s", phase.Name),
		CheckDimension: validation.DimensionIntegration,
		Fn: func(ctx context.Context) validation.Outcome {
			if result.Failed == 0 {
				return validation.Outcome{Passed: true}
			}
			return validation.Outcome{
				Issue: fmt.Sprintf("%d of %d items failed", result.Failed, len(result.Results)),
			}
		},
	})
	return checks
}

// Run executes all phases in strict order, then migrates the given
// components, then applies the final system gate. Emergency rollback is
// attempted before any failure is surfaced if a migration is in flight.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, components []string) *RunResult {
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()

	result := &RunResult{}
	result.Err = s.run(ctx, g, components, result)

	if result.Err != nil && s.migrator != nil && s.migrator.InProgress() {
		if rbErr := s.migrator.Rollback(ctx); rbErr != nil {
			s.logger.Error(ctx, "emergency rollback failed", zap.Error(rbErr))
		} else {
			result.RolledBack = true
		}
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode()))
	return result
}

func (s *Scheduler) run(ctx context.Context, g *graph.Graph, components []string, result *RunResult) error {
	phases := BuildPhases(g)
	var allChecks []validation.Check

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before phase %s: %w", phase.Name, err)
		}

		phaseCtx := logging.WithPhase(ctx, phase.Name)
		s.reportProgress(Progress{Phase: phase.Name, Number: phase.Number})

		phaseResult, err := s.coord.Dispatch(phaseCtx, phase.Name, phase.Items, phase.Parallelizable)
		if phaseResult != nil {
			result.Phases = append(result.Phases, phaseResult)
			s.reportProgress(Progress{
				Phase:     phase.Name,
				Number:    phase.Number,
				Done:      true,
				Completed: phaseResult.Completed,
				Failed:    phaseResult.Failed,
			})
		}
		if err != nil {
			return err
		}

		if err := s.checkTolerance(phase, phaseResult); err != nil {
			return err
		}

		// Post-phase validation gate. Checks accumulate so the pooled
		// score reflects the whole run so far.
		allChecks = append(allChecks, s.checks(phase, phaseResult)...)
		systemResult, err := s.validator.ValidateSystem(phaseCtx, allChecks)
		result.Validation = &systemResult
		s.metrics.ValidationConfidence.Set(systemResult.Confidence)
		if err != nil {
			return fmt.Errorf("phase %s validation: %w", phase.Name, err)
		}

		s.logger.Info(phaseCtx, "phase complete",
			zap.Int("phase", phase.Number),
			zap.Int("completed", phaseResult.Completed),
			zap.Int("failed", phaseResult.Failed),
			zap.Float64("confidence", systemResult.Confidence),
		)
	}

	if len(components) > 0 && s.migrator != nil {
		migResult, err := s.migrator.Migrate(ctx, components)
		result.Migration = migResult
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		// Final gate: the migrated state is accepted only above the
		// full-system threshold.
		systemResult, err := s.validator.ValidateSystem(ctx, allChecks)
		result.Validation = &systemResult
		s.metrics.ValidationConfidence.Set(systemResult.Confidence)
		if err != nil {
			return fmt.Errorf("final validation: %w", err)
		}
	}

	return nil
}

// checkTolerance applies the failure policy: any integration failure is
// fatal immediately; parallel phases tolerate failures down to the
// configured success rate.
func (s *Scheduler) checkTolerance(phase Phase, result *coordinator.PhaseResult) error {
	if result.Failed == 0 {
		return nil
	}
	fatal := !phase.Parallelizable || result.SuccessRate() < s.cfg.SuccessThreshold
	if !fatal {
		return nil
	}
	return &PhaseError{
		Phase:    phase.Name,
		Failed:   result.Failed,
		Total:    result.Completed + result.Failed,
		TimedOut: hasTimeout(result),
	}
}

func hasTimeout(result *coordinator.PhaseResult) bool {
	for _, r := range result.Results {
		var timeoutErr *coordinator.TimeoutError
		if errors.As(r.Err, &timeoutErr) {
			return true
		}
	}
	return false
}
