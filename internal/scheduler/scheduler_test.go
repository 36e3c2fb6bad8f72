package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/coordinator"
	"github.com/fyrsmithlabs/rolloutd/internal/executor"
	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/health"
	"github.com/fyrsmithlabs/rolloutd/internal/metrics"
	"github.com/fyrsmithlabs/rolloutd/internal/migration"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/validation"
	"github.com/fyrsmithlabs/rolloutd/internal/workspace"
)

// doneHandle is terminal from the moment it is launched.
type doneHandle struct {
	id     string
	failed bool
}

func (h doneHandle) ID() string { return h.id }
func (h doneHandle) Status() executor.Status {
	if h.failed {
		return executor.StatusFailed
	}
	return executor.StatusCompleted
}
func (h doneHandle) Err() error {
	if h.failed {
		return errors.New("executor reported failure")
	}
	return nil
}
func (h doneHandle) Output() string { return "" }
func (h doneHandle) Stop()          {}

// instantLauncher completes every item immediately and records launch
// order.
type instantLauncher struct {
	failures map[string]bool

	mu       sync.Mutex
	launched []string
}

func (l *instantLauncher) Launch(ctx context.Context, item plan.Item, token string) (executor.Handle, error) {
	l.mu.Lock()
	l.launched = append(l.launched, item.ID)
	l.mu.Unlock()
	return doneHandle{id: item.ID, failed: l.failures[item.ID]}, nil
}

func (l *instantLauncher) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.launched...)
}

func index(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

type fixture struct {
	scheduler *Scheduler
	launcher  *instantLauncher
	migrator  *migration.Manager
	checker   *health.StaticChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Coordinator.PollInterval = config.Duration(time.Millisecond)
	cfg.Coordinator.LaunchRate = 10000
	cfg.Coordinator.LaunchBurst = 100
	cfg.Migration.SettleDelay = 0

	launcher := &instantLauncher{failures: make(map[string]bool)}
	ws, err := workspace.NewMemoryManager(t.TempDir())
	require.NoError(t, err)
	coord := coordinator.New(cfg.Coordinator, launcher, ws, nil, nil)

	checker := &health.StaticChecker{}
	migrator := migration.NewManager(cfg.Migration, migration.NopRouter{}, migration.NopPlatform{}, checker, nil, nil)
	validator := validation.NewEngine(cfg.Validation)

	return &fixture{
		scheduler: New(cfg.Scheduler, coord, validator, migrator, nil, nil, nil),
		launcher:  launcher,
		migrator:  migrator,
		checker:   checker,
	}
}

func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	return analyze(t, map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	})
}

func TestRun_PhasesExecuteInStrictOrder(t *testing.T) {
	f := newFixture(t)

	result := f.scheduler.Run(context.Background(), diamond(t), nil)
	require.NoError(t, result.Err)
	assert.Equal(t, ExitSuccess, result.ExitCode())

	order := f.launcher.order()
	require.Len(t, order, 4)
	assert.Less(t, index(order, "A"), index(order, "B"))
	assert.Less(t, index(order, "A"), index(order, "C"))
	assert.Less(t, index(order, "B"), index(order, "D"))
	assert.Less(t, index(order, "C"), index(order, "D"))

	require.Len(t, result.Phases, 3)
	require.NotNil(t, result.Validation)
	assert.InDelta(t, 1.0, result.Validation.Confidence, 1e-9)
	assert.True(t, result.Validation.OverallSuccess)
}

func TestRun_MigratesAfterAllPhases(t *testing.T) {
	f := newFixture(t)

	result := f.scheduler.Run(context.Background(), diamond(t), []string{"checkout"})
	require.NoError(t, result.Err)

	require.NotNil(t, result.Migration)
	assert.True(t, result.Migration.Completed)
	require.Len(t, result.Migration.Components, 1)
	assert.Equal(t, migration.PhaseCompleted, result.Migration.Components[0].Phase)
	assert.False(t, result.RolledBack)
}

func TestRun_IntegrationFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.launcher.failures["D"] = true

	result := f.scheduler.Run(context.Background(), diamond(t), []string{"checkout"})
	require.Error(t, result.Err)

	var phaseErr *PhaseError
	require.ErrorAs(t, result.Err, &phaseErr)
	assert.Equal(t, "integration", phaseErr.Phase)
	assert.Equal(t, ExitValidationGate, result.ExitCode())

	// Migration never starts after a failed phase.
	assert.Nil(t, result.Migration)
}

func TestRun_ParallelPhaseToleratesFailuresAboveThreshold(t *testing.T) {
	// 9 of 10 foundation items succeed: the 0.90 rate clears the phase
	// tolerance, but the accumulated pool (9 items + 1 failed item + a
	// failed phase check = 9/11) stays under the 0.85 system gate.
	deps := map[string][]string{}
	for _, id := range []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9"} {
		deps[id] = nil
	}
	g := analyze(t, deps)

	f := newFixture(t)
	f.launcher.failures["f3"] = true

	result := f.scheduler.Run(context.Background(), g, nil)
	require.Error(t, result.Err)

	var gateErr *validation.GateError
	require.ErrorAs(t, result.Err, &gateErr)
	assert.Equal(t, ExitValidationGate, result.ExitCode())
	require.Len(t, result.Phases, 1)
	assert.Equal(t, 9, result.Phases[0].Completed)
}

func TestRun_UnhealthyMigrationRollsBack(t *testing.T) {
	f := newFixture(t)
	f.checker.SetHealthy("checkout", false)

	result := f.scheduler.Run(context.Background(), diamond(t), []string{"checkout"})
	require.Error(t, result.Err)

	var healthErr *migration.HealthError
	require.ErrorAs(t, result.Err, &healthErr)
	assert.Equal(t, "checkout", healthErr.Component)
	assert.True(t, result.RolledBack)
	assert.Equal(t, ExitRolledBack, result.ExitCode())
	assert.False(t, f.migrator.InProgress())
}

func TestRun_ReportsProgress(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []Progress
	f.scheduler.OnProgress(func(p Progress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	result := f.scheduler.Run(context.Background(), diamond(t), nil)
	require.NoError(t, result.Err)

	mu.Lock()
	defer mu.Unlock()
	// Each of the three phases reports a start and a done update.
	require.Len(t, seen, 6)
	assert.Equal(t, "foundation", seen[0].Phase)
	assert.False(t, seen[0].Done)
	assert.True(t, seen[1].Done)
	assert.Equal(t, 1, seen[1].Completed)
	assert.Equal(t, "integration", seen[5].Phase)
	assert.True(t, seen[5].Done)
}

func TestRun_RecordsValidationConfidence(t *testing.T) {
	cfg := config.Default()
	cfg.Coordinator.PollInterval = config.Duration(time.Millisecond)
	cfg.Coordinator.LaunchRate = 10000
	cfg.Coordinator.LaunchBurst = 100

	launcher := &instantLauncher{failures: make(map[string]bool)}
	ws, err := workspace.NewMemoryManager(t.TempDir())
	require.NoError(t, err)
	coord := coordinator.New(cfg.Coordinator, launcher, ws, nil, nil)

	m := metrics.New(prometheus.NewRegistry())
	s := New(cfg.Scheduler, coord, validation.NewEngine(cfg.Validation), nil, nil, m, nil)

	result := s.Run(context.Background(), diamond(t), nil)
	require.NoError(t, result.Err)

	// The gauge tracks the pooled confidence of the latest gate.
	require.NotNil(t, result.Validation)
	assert.InDelta(t, result.Validation.Confidence, testutil.ToFloat64(m.ValidationConfidence), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ValidationConfidence), 1e-9)
}

func TestExitCode_Mapping(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitCycleDetected, ExitCode(&graph.CycleError{}))
	assert.Equal(t, ExitRolledBack, ExitCode(&migration.HealthError{Component: "a", Percent: 50, Reverted: 25}))
	assert.Equal(t, ExitTimeout, ExitCode(&coordinator.TimeoutError{ItemID: "a"}))
	assert.Equal(t, ExitTimeout, ExitCode(&PhaseError{Phase: "foundation", TimedOut: true}))
	assert.Equal(t, ExitValidationGate, ExitCode(&PhaseError{Phase: "integration"}))
	assert.Equal(t, ExitValidationGate, ExitCode(errors.New("anything else")))

	// Wrapped errors map the same way.
	wrapped := &migration.HealthError{Component: "a", Percent: 10}
	assert.Equal(t, ExitRolledBack, ExitCode(errors.Join(errors.New("migration failed"), wrapped)))
}
