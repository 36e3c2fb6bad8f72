package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/executor"
	"github.com/fyrsmithlabs/rolloutd/internal/graph"
	"github.com/fyrsmithlabs/rolloutd/internal/health"
	"github.com/fyrsmithlabs/rolloutd/internal/migration"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/scheduler"
	"github.com/fyrsmithlabs/rolloutd/internal/workspace"
)

// stubHandle is terminal immediately unless hung.
type stubHandle struct {
	id   string
	hung bool
}

func (h stubHandle) ID() string { return h.id }
func (h stubHandle) Status() executor.Status {
	if h.hung {
		return executor.StatusRunning
	}
	return executor.StatusCompleted
}
func (h stubHandle) Err() error     { return nil }
func (h stubHandle) Output() string { return "" }
func (h stubHandle) Stop()          {}

type stubLauncher struct {
	hang bool
}

func (l *stubLauncher) Launch(ctx context.Context, item plan.Item, token string) (executor.Handle, error) {
	return stubHandle{id: item.ID, hung: l.hang}, nil
}

func testService(t *testing.T, launcher executor.Launcher) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Coordinator.PollInterval = config.Duration(time.Millisecond)
	cfg.Coordinator.LaunchRate = 10000
	cfg.Coordinator.LaunchBurst = 100
	cfg.Migration.SettleDelay = 0

	root := t.TempDir()
	deps := Deps{
		NewWorkspaces: func() (workspace.Manager, error) {
			return workspace.NewMemoryManager(root)
		},
		NewLauncher: func(ws workspace.Manager) executor.Launcher { return launcher },
		Router:      migration.NopRouter{},
		Platform:    migration.NopPlatform{},
		Health:      &health.StaticChecker{},
	}
	return NewService(cfg, deps, nil, nil)
}

func testPlan() *plan.Plan {
	return &plan.Plan{Items: []plan.Item{
		{ID: "auth", Component: "identity"},
		{ID: "sessions", DependsOn: []string{"auth"}, Component: "identity"},
	}}
}

func TestStartAndWait(t *testing.T) {
	svc := testService(t, &stubLauncher{})

	runID, err := svc.Start(context.Background(), testPlan())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := svc.Wait(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, scheduler.ExitSuccess, snap.ExitCode)
	assert.Equal(t, 2, snap.Completed)
	assert.Zero(t, snap.Failed)
	assert.InDelta(t, 1.0, snap.Confidence, 1e-9)
	assert.NotNil(t, snap.FinishedAt)

	// The identity component completed its migration.
	require.Len(t, snap.Migration, 1)
	assert.Equal(t, migration.PhaseCompleted, snap.Migration[0].Phase)
}

func TestStart_CycleFailsFast(t *testing.T) {
	svc := testService(t, &stubLauncher{})

	_, err := svc.Start(context.Background(), &plan.Plan{Items: []plan.Item{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}})
	require.Error(t, err)

	var cycleErr *graph.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, scheduler.ExitCycleDetected, scheduler.ExitCode(err))

	// Nothing was registered.
	assert.Empty(t, svc.List())
}

func TestStatus_UnknownRun(t *testing.T) {
	svc := testService(t, &stubLauncher{})
	_, err := svc.Status("no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel(t *testing.T) {
	svc := testService(t, &stubLauncher{hang: true})

	runID, err := svc.Start(context.Background(), testPlan())
	require.NoError(t, err)

	// Give the first item time to dispatch, then cancel.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.Cancel(runID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := svc.Wait(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, snap.Status)
	assert.NotEqual(t, scheduler.ExitSuccess, snap.ExitCode)
}

func TestRollback_NoMigrationIsNoop(t *testing.T) {
	svc := testService(t, &stubLauncher{})

	runID, err := svc.Start(context.Background(), testPlan())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = svc.Wait(ctx, runID)
	require.NoError(t, err)

	// The migration completed, so there is nothing to roll back.
	require.NoError(t, svc.Rollback(context.Background(), runID))
	snap, err := svc.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, migration.PhaseCompleted, snap.Migration[0].Phase)
}

func TestList(t *testing.T) {
	svc := testService(t, &stubLauncher{})

	first, err := svc.Start(context.Background(), testPlan())
	require.NoError(t, err)
	second, err := svc.Start(context.Background(), testPlan())
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, snap := range svc.List() {
		ids[snap.ID] = true
	}
	assert.True(t, ids[first])
	assert.True(t, ids[second])
}
