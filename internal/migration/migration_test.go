package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/health"
)

// recorder keeps one ordered event log shared by the router and platform
// doubles so tests can assert cross-cutting ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

type recordingRouter struct {
	rec *recorder

	mu      sync.Mutex
	traffic map[string]int
	history map[string][]int
}

func newRecordingRouter(rec *recorder) *recordingRouter {
	return &recordingRouter{
		rec:     rec,
		traffic: make(map[string]int),
		history: make(map[string][]int),
	}
}

func (r *recordingRouter) SetTraffic(ctx context.Context, component string, percent int) error {
	r.mu.Lock()
	r.traffic[component] = percent
	r.history[component] = append(r.history[component], percent)
	r.mu.Unlock()
	r.rec.record(fmt.Sprintf("route %s %d", component, percent))
	return nil
}

func (r *recordingRouter) current(component string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traffic[component]
}

func (r *recordingRouter) steps(component string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int{}, r.history[component]...)
}

type recordingPlatform struct {
	rec *recorder

	snapshotErr error

	mu       sync.Mutex
	deployed []string
	retired  []string
	restored map[string][]byte
}

func newRecordingPlatform(rec *recorder) *recordingPlatform {
	return &recordingPlatform{rec: rec, restored: make(map[string][]byte)}
}

func (p *recordingPlatform) Snapshot(ctx context.Context, component string) ([]byte, error) {
	if p.snapshotErr != nil {
		return nil, p.snapshotErr
	}
	p.rec.record(fmt.Sprintf("snapshot %s", component))
	return []byte("snapshot-of-" + component), nil
}

func (p *recordingPlatform) DeployAlongside(ctx context.Context, component string) error {
	p.mu.Lock()
	p.deployed = append(p.deployed, component)
	p.mu.Unlock()
	p.rec.record(fmt.Sprintf("deploy %s", component))
	return nil
}

func (p *recordingPlatform) RetireOld(ctx context.Context, component string) error {
	p.mu.Lock()
	p.retired = append(p.retired, component)
	p.mu.Unlock()
	p.rec.record(fmt.Sprintf("retire %s", component))
	return nil
}

func (p *recordingPlatform) Restore(ctx context.Context, component string, snapshot []byte) error {
	p.mu.Lock()
	p.restored[component] = snapshot
	p.mu.Unlock()
	p.rec.record(fmt.Sprintf("restore %s", component))
	return nil
}

// trafficGatedChecker reports a component unhealthy once its routed
// traffic reaches a threshold.
type trafficGatedChecker struct {
	router      *recordingRouter
	component   string
	unhealthyAt int
}

func (c *trafficGatedChecker) IsHealthy(ctx context.Context, component string) (bool, error) {
	if component == c.component && c.router.current(component) >= c.unhealthyAt {
		return false, nil
	}
	return true, nil
}

func (c *trafficGatedChecker) Indicators(ctx context.Context, component string) (health.Indicators, error) {
	healthy, _ := c.IsHealthy(ctx, component)
	v := 1.0
	if !healthy {
		v = 0
	}
	return health.Indicators{"healthy": v}, nil
}

func testMigrationConfig() config.MigrationConfig {
	cfg := config.Default().Migration
	cfg.SettleDelay = 0
	return cfg
}

func newTestManager(cfg config.MigrationConfig, router Router, platform Platform, checker health.Checker) *Manager {
	return NewManager(cfg, router, platform, checker, nil, nil)
}

func TestMigrate_HealthyRampCompletes(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	mgr := newTestManager(testMigrationConfig(), router, platform, &health.StaticChecker{})

	result, err := mgr.Migrate(context.Background(), []string{"billing", "search"})
	require.NoError(t, err)
	assert.True(t, result.Completed)

	for _, component := range []string{"billing", "search"} {
		assert.Equal(t, []int{10, 25, 50, 75, 90, 100}, router.steps(component))
	}

	require.Len(t, result.Components, 2)
	for _, s := range result.Components {
		assert.Equal(t, PhaseCompleted, s.Phase)
		assert.Equal(t, 100, s.TrafficPercent)
		assert.Equal(t, "retired", s.OldStatus)
		assert.Equal(t, "serving", s.NewStatus)
		assert.False(t, s.RollbackAvailable)
	}
	assert.ElementsMatch(t, []string{"billing", "search"}, platform.retired)
	assert.False(t, mgr.InProgress())
}

func TestMigrate_SnapshotTakenBeforeAnyTraffic(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	mgr := newTestManager(testMigrationConfig(), router, platform, &health.StaticChecker{})

	_, err := mgr.Migrate(context.Background(), []string{"billing"})
	require.NoError(t, err)

	log := rec.log()
	require.GreaterOrEqual(t, len(log), 3)
	assert.Equal(t, "snapshot billing", log[0])
	assert.Equal(t, "deploy billing", log[1])
	assert.Equal(t, "route billing 10", log[2])
}

func TestMigrate_SnapshotFailureStopsBeforeDeploy(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	platform.snapshotErr = errors.New("platform unavailable")
	mgr := newTestManager(testMigrationConfig(), router, platform, &health.StaticChecker{})

	result, err := mgr.Migrate(context.Background(), []string{"billing"})
	require.Error(t, err)
	assert.False(t, result.Completed)
	assert.Empty(t, platform.deployed)
	assert.Empty(t, router.steps("billing"))
}

func TestMigrate_UnhealthyStepRevertsBatch(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	checker := &trafficGatedChecker{router: router, component: "search", unhealthyAt: 50}
	mgr := newTestManager(testMigrationConfig(), router, platform, checker)

	result, err := mgr.Migrate(context.Background(), []string{"billing", "search"})
	require.Error(t, err)
	assert.False(t, result.Completed)

	// The summary reflects the reverted state of every component.
	require.Len(t, result.Components, 2)
	for _, s := range result.Components {
		assert.Equal(t, PhaseRouting, s.Phase)
		assert.Equal(t, 25, s.TrafficPercent)
		assert.True(t, s.RollbackAvailable)
	}

	var healthErr *HealthError
	require.ErrorAs(t, err, &healthErr)
	assert.Equal(t, "search", healthErr.Component)
	assert.Equal(t, 50, healthErr.Percent)
	assert.Equal(t, 25, healthErr.Reverted)

	// The whole batch is reverted to the last healthy step, not just the
	// failing component.
	assert.Equal(t, []int{10, 25, 50, 25}, router.steps("billing"))
	assert.Equal(t, []int{10, 25, 50, 25}, router.steps("search"))

	assert.Empty(t, platform.retired)
	assert.True(t, mgr.InProgress())
}

func TestRollback_ZerosTrafficThenRestores(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	checker := &trafficGatedChecker{router: router, component: "billing", unhealthyAt: 50}
	mgr := newTestManager(testMigrationConfig(), router, platform, checker)

	_, err := mgr.Migrate(context.Background(), []string{"billing"})
	require.Error(t, err)

	require.NoError(t, mgr.Rollback(context.Background()))

	log := rec.log()
	zeroIdx, restoreIdx := -1, -1
	for i, event := range log {
		switch event {
		case "route billing 0":
			zeroIdx = i
		case "restore billing":
			restoreIdx = i
		}
	}
	require.NotEqual(t, -1, zeroIdx)
	require.NotEqual(t, -1, restoreIdx)
	assert.Less(t, zeroIdx, restoreIdx, "traffic must hit 0%% before restore")

	assert.Equal(t, []byte("snapshot-of-billing"), platform.restored["billing"])

	states := mgr.States()
	require.Len(t, states, 1)
	assert.Equal(t, PhaseRolledBack, states[0].Phase)
	assert.Zero(t, states[0].TrafficPercent)
	assert.Equal(t, "serving", states[0].OldStatus)
	assert.Equal(t, "removed", states[0].NewStatus)
	assert.False(t, mgr.InProgress())
}

func TestRollback_Idempotent(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	checker := &trafficGatedChecker{router: router, component: "billing", unhealthyAt: 10}
	mgr := newTestManager(testMigrationConfig(), router, platform, checker)

	_, err := mgr.Migrate(context.Background(), []string{"billing"})
	require.Error(t, err)

	require.NoError(t, mgr.Rollback(context.Background()))
	restoresAfterFirst := len(platform.restored)

	require.NoError(t, mgr.Rollback(context.Background()))
	assert.Equal(t, restoresAfterFirst, len(platform.restored))
}

func TestRollback_NothingInProgressIsNoop(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	mgr := newTestManager(testMigrationConfig(), router, platform, &health.StaticChecker{})

	require.NoError(t, mgr.Rollback(context.Background()))
	assert.Empty(t, rec.log())
}

func TestRollback_CompletedComponentsLeftAlone(t *testing.T) {
	rec := &recorder{}
	router := newRecordingRouter(rec)
	platform := newRecordingPlatform(rec)
	mgr := newTestManager(testMigrationConfig(), router, platform, &health.StaticChecker{})

	_, err := mgr.Migrate(context.Background(), []string{"billing"})
	require.NoError(t, err)

	require.NoError(t, mgr.Rollback(context.Background()))
	assert.Empty(t, platform.restored)
	assert.Equal(t, 100, router.current("billing"))
}

func TestMigrate_CustomRampValidatedElsewhere(t *testing.T) {
	cfg := testMigrationConfig()
	cfg.RampSteps = []int{50, 100}
	rec := &recorder{}
	router := newRecordingRouter(rec)
	mgr := newTestManager(cfg, router, newRecordingPlatform(rec), &health.StaticChecker{})

	result, err := mgr.Migrate(context.Background(), []string{"api"})
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, []int{50, 100}, router.steps("api"))
}
