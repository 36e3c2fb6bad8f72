// Package run tracks orchestration runs and exposes the control
// surface: start, status, cancel, rollback.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/coordinator"
	"github.com/fyrsmithlabs/rolloutd/internal/executor"
	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/health"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/metrics"
	"github.com/fyrsmithlabs/rolloutd/internal/migration"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/scheduler"
	"github.com/fyrsmithlabs/rolloutd/internal/validation"
	"github.com/fyrsmithlabs/rolloutd/internal/workspace"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Snapshot is a point-in-time view of a run for the control surface.
type Snapshot struct {
	ID          string             `json:"id"`
	Status      Status             `json:"status"`
	Phase       string             `json:"phase,omitempty"`
	Completed   int                `json:"completed"`
	Failed      int                `json:"failed"`
	ActiveCount int                `json:"active_count"`
	ExitCode    int                `json:"exit_code"`
	Confidence  float64            `json:"confidence"`
	RolledBack  bool               `json:"rolled_back"`
	Migration   []migration.State  `json:"migration,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = fmt.Errorf("run not found")

// Deps are the external collaborators a Service wires into each run.
type Deps struct {
	// NewWorkspaces creates the isolation manager for one run.
	NewWorkspaces func() (workspace.Manager, error)
	// NewLauncher creates the executor launcher over a run's workspaces.
	NewLauncher func(ws workspace.Manager) executor.Launcher
	// Router shifts component traffic during migration.
	Router migration.Router
	// Platform deploys, retires, and snapshots components.
	Platform migration.Platform
	// Health gates migration ramp steps.
	Health health.Checker
}

// Service owns the run registry.
type Service struct {
	cfg     *config.Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *logging.Logger

	// mu guards the runs map only; per-run state has its own lock.
	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	id       string
	cancel   context.CancelFunc
	coord    *coordinator.Coordinator
	migrator *migration.Manager
	done     chan struct{}

	mu         sync.Mutex
	status     Status
	phase      string
	completed  int
	failed     int
	result     *scheduler.RunResult
	startedAt  time.Time
	finishedAt time.Time
}

// NewService creates the run service.
func NewService(cfg *config.Config, deps Deps, m *metrics.Metrics, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		metrics: m,
		logger:  logger.Named("run"),
		runs:    make(map[string]*runState),
	}
}

// Start analyzes the plan and, if it is acyclic, begins executing it in
// the background. Graph errors (cycles, unresolved layering) fail fast
// here, before any dispatch.
func (s *Service) Start(ctx context.Context, p *plan.Plan) (string, error) {
	g, err := graph.Analyze(p.Items)
	if err != nil {
		return "", err
	}

	ws, err := s.deps.NewWorkspaces()
	if err != nil {
		return "", fmt.Errorf("failed to create workspace manager: %w", err)
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logging.WithRunID(runCtx, runID)

	coord := coordinator.New(s.cfg.Coordinator, s.deps.NewLauncher(ws), ws, s.metrics, s.logger)
	migrator := migration.NewManager(s.cfg.Migration, s.deps.Router, s.deps.Platform, s.deps.Health, s.metrics, s.logger)
	validator := validation.NewEngine(s.cfg.Validation)
	sched := scheduler.New(s.cfg.Scheduler, coord, validator, migrator, nil, s.metrics, s.logger)

	state := &runState{
		id:        runID,
		cancel:    cancel,
		coord:     coord,
		migrator:  migrator,
		done:      make(chan struct{}),
		status:    StatusRunning,
		startedAt: time.Now(),
	}
	sched.OnProgress(func(p scheduler.Progress) {
		state.mu.Lock()
		defer state.mu.Unlock()
		state.phase = p.Phase
		if p.Done {
			state.completed += p.Completed
			state.failed += p.Failed
		}
	})

	s.mu.Lock()
	s.runs[runID] = state
	s.mu.Unlock()

	components := p.Components()
	go func() {
		defer cancel()
		defer close(state.done)

		result := sched.Run(runCtx, g, components)

		state.mu.Lock()
		state.result = result
		state.finishedAt = time.Now()
		switch {
		case result.Err == nil:
			state.status = StatusCompleted
		case runCtx.Err() != nil && state.status == StatusCancelled:
			// Cancel already recorded.
		default:
			state.status = StatusFailed
		}
		state.mu.Unlock()

		s.logger.Info(runCtx, "run finished",
			zap.String("run", runID),
			zap.Int("exit_code", result.ExitCode()),
			zap.Bool("rolled_back", result.RolledBack),
			zap.Error(result.Err),
		)
	}()

	s.logger.Info(runCtx, "run started",
		zap.String("run", runID),
		zap.Int("items", len(p.Items)),
		zap.Strings("components", components),
	)
	return runID, nil
}

// Status returns a snapshot of the run.
func (s *Service) Status(runID string) (Snapshot, error) {
	state, err := s.get(runID)
	if err != nil {
		return Snapshot{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	snap := Snapshot{
		ID:          state.id,
		Status:      state.status,
		Phase:       state.phase,
		Completed:   state.completed,
		Failed:      state.failed,
		ActiveCount: state.coord.ActiveCount(),
		StartedAt:   state.startedAt,
		Migration:   state.migrator.States(),
	}
	if !state.finishedAt.IsZero() {
		t := state.finishedAt
		snap.FinishedAt = &t
	}
	if state.result != nil {
		snap.ExitCode = state.result.ExitCode()
		snap.RolledBack = state.result.RolledBack
		if state.result.Validation != nil {
			snap.Confidence = state.result.Validation.Confidence
		}
		if state.result.Err != nil {
			snap.Error = state.result.Err.Error()
		}
	}
	return snap, nil
}

// Cancel stops dispatching new work and signals in-flight executors.
func (s *Service) Cancel(runID string) error {
	state, err := s.get(runID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.status == StatusRunning {
		state.status = StatusCancelled
	}
	state.mu.Unlock()

	state.cancel()
	return nil
}

// Rollback performs an emergency migration rollback for the run. No-op
// success when no migration is in progress.
func (s *Service) Rollback(ctx context.Context, runID string) error {
	state, err := s.get(runID)
	if err != nil {
		return err
	}
	return state.migrator.Rollback(logging.WithRunID(ctx, runID))
}

// Wait blocks until the run finishes or ctx is cancelled, then returns
// the final snapshot.
func (s *Service) Wait(ctx context.Context, runID string) (Snapshot, error) {
	state, err := s.get(runID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-state.done:
		return s.Status(runID)
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// List returns snapshots of all runs, most recent first not guaranteed.
func (s *Service) List() []Snapshot {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := s.Status(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

func (s *Service) get(runID string) (*runState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return state, nil
}
