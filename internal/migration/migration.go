// Package migration performs the health-gated cutover from the old
// implementation to the new one: alongside deployment, traffic ramping,
// and rollback.
package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/health"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/migration"

// Phase labels a component's migration progress.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseAlongside  Phase = "alongside_implemented"
	PhaseRouting    Phase = "routing"
	PhaseCompleted  Phase = "completed"
	PhaseRolledBack Phase = "rolled_back"
)

// State is the per-component migration record. Mutated only by the
// Manager, under its state lock.
type State struct {
	Component         string `json:"component"`
	OldStatus         string `json:"old_status"`
	NewStatus         string `json:"new_status"`
	TrafficPercent    int    `json:"traffic_percent"`
	RollbackAvailable bool   `json:"rollback_available"`
	Phase             Phase  `json:"phase"`
}

// Router shifts traffic between the old and new implementation paths.
type Router interface {
	// SetTraffic routes the given percentage of the component's traffic
	// to the new implementation.
	SetTraffic(ctx context.Context, component string, percent int) error
}

// Platform deploys, retires, and snapshots component implementations.
type Platform interface {
	// Snapshot captures the component's pre-migration state.
	Snapshot(ctx context.Context, component string) ([]byte, error)
	// DeployAlongside brings up the new implementation without removing
	// the old one.
	DeployAlongside(ctx context.Context, component string) error
	// RetireOld removes the old implementation. Irreversible.
	RetireOld(ctx context.Context, component string) error
	// Restore reinstates the component from a snapshot.
	Restore(ctx context.Context, component string, snapshot []byte) error
}

// HealthError reports a failed post-step health check. It triggers an
// immediate traffic revert for the whole batch.
type HealthError struct {
	Component string
	Percent   int
	Reverted  int
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("component %s unhealthy at %d%% traffic, reverted to %d%%",
		e.Component, e.Percent, e.Reverted)
}

// Result summarizes a migration attempt.
type Result struct {
	Components []State `json:"components"`
	Completed  bool    `json:"completed"`
}

// Manager owns migration state for a run.
type Manager struct {
	cfg      config.MigrationConfig
	router   Router
	platform Platform
	health   health.Checker
	metrics  *metrics.Metrics
	logger   *logging.Logger
	tracer   trace.Tracer

	// mu guards states; snapMu guards snapshots. No other component
	// mutates either collection.
	mu     sync.Mutex
	states map[string]*State

	snapMu    sync.Mutex
	snapshots map[string][]byte
}

// NewManager creates a migration manager.
func NewManager(cfg config.MigrationConfig, router Router, platform Platform, checker health.Checker, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		router:    router,
		platform:  platform,
		health:    checker,
		metrics:   m,
		logger:    logger.Named("migration"),
		tracer:    otel.Tracer(instrumentationName),
		states:    make(map[string]*State),
		snapshots: make(map[string][]byte),
	}
}

// States returns a snapshot of every component's migration state, sorted
// by component name.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// InProgress reports whether any component has started but not finished.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		switch s.Phase {
		case PhaseAlongside, PhaseRouting:
			return true
		}
	}
	return false
}

// Migrate cuts the given components over to the new implementation.
// All components ramp together; a health failure at any step fails the
// whole batch after reverting traffic to the last successful step.
func (m *Manager) Migrate(ctx context.Context, components []string) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "migration.migrate", trace.WithAttributes(
		attribute.Int("components", len(components)),
	))
	defer span.End()

	if err := m.implementAlongside(ctx, components); err != nil {
		return m.result(false), err
	}
	if err := m.rampTraffic(ctx, components); err != nil {
		return m.result(false), err
	}
	if err := m.complete(ctx, components); err != nil {
		return m.result(false), err
	}
	return m.result(true), nil
}

// result builds the migration summary from current component states.
func (m *Manager) result(completed bool) *Result {
	return &Result{Components: m.States(), Completed: completed}
}

// implementAlongside snapshots each component and brings up the new
// implementation next to the old one. No traffic shifts until every
// snapshot exists.
func (m *Manager) implementAlongside(ctx context.Context, components []string) error {
	for _, component := range components {
		snapshot, err := m.platform.Snapshot(ctx, component)
		if err != nil {
			return fmt.Errorf("failed to snapshot component %s: %w", component, err)
		}
		m.snapMu.Lock()
		m.snapshots[component] = snapshot
		m.snapMu.Unlock()

		if err := m.platform.DeployAlongside(ctx, component); err != nil {
			return fmt.Errorf("failed to deploy %s alongside: %w", component, err)
		}

		m.setState(component, func(s *State) {
			s.OldStatus = "serving"
			s.NewStatus = "standby"
			s.RollbackAvailable = true
			s.Phase = PhaseAlongside
		})
		m.logger.Info(ctx, "alongside implementation ready", zap.String("component", component))
	}
	return nil
}

// rampTraffic steps every component through the configured ramp,
// health-checking after each step settles.
func (m *Manager) rampTraffic(ctx context.Context, components []string) error {
	previous := 0
	for _, percent := range m.cfg.RampSteps {
		stepCtx, span := m.tracer.Start(ctx, "migration.ramp_step", trace.WithAttributes(
			attribute.Int("percent", percent),
		))
		err := m.rampStep(stepCtx, components, percent, previous)
		span.End()
		if err != nil {
			return err
		}
		previous = percent
	}
	return nil
}

// rampStep shifts all components to one percentage, settles, and
// health-gates the step.
func (m *Manager) rampStep(ctx context.Context, components []string, percent, previous int) error {
	if err := m.routeAll(ctx, components, percent, PhaseRouting); err != nil {
		return err
	}
	m.logger.Info(ctx, "traffic shifted",
		zap.Int("percent", percent),
		zap.Int("components", len(components)),
	)

	if err := m.settle(ctx); err != nil {
		return err
	}

	for _, component := range components {
		healthy, err := m.health.IsHealthy(ctx, component)
		if err != nil {
			return fmt.Errorf("health check for %s failed: %w", component, err)
		}
		if !healthy {
			// Revert the whole batch: mixed-component traffic states
			// are never left in place.
			if revertErr := m.routeAll(ctx, components, previous, PhaseRouting); revertErr != nil {
				m.logger.Error(ctx, "traffic revert failed", zap.Error(revertErr))
			}
			return &HealthError{Component: component, Percent: percent, Reverted: previous}
		}
	}
	return nil
}

// complete retires the old implementations. Only reached after 100%
// routing confirmed healthy; retirement withdraws the rollback offer.
func (m *Manager) complete(ctx context.Context, components []string) error {
	for _, component := range components {
		if err := m.platform.RetireOld(ctx, component); err != nil {
			return fmt.Errorf("failed to retire old implementation of %s: %w", component, err)
		}
		m.setState(component, func(s *State) {
			s.OldStatus = "retired"
			s.NewStatus = "serving"
			s.RollbackAvailable = false
			s.Phase = PhaseCompleted
		})
		m.logger.Info(ctx, "migration completed", zap.String("component", component))
	}
	return nil
}

// Rollback reverts every in-progress component: traffic to 0% first,
// then snapshot restore. Idempotent: repeated calls, or a call with no
// migration in progress, are no-op successes. Completed components are
// past the rollback offer and are left alone.
func (m *Manager) Rollback(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "migration.rollback")
	defer span.End()

	var pending []string
	m.mu.Lock()
	for component, s := range m.states {
		if s.Phase == PhaseAlongside || s.Phase == PhaseRouting {
			pending = append(pending, component)
		}
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	sort.Strings(pending)

	if err := m.routeAll(ctx, pending, 0, PhaseRouting); err != nil {
		return fmt.Errorf("failed to zero traffic during rollback: %w", err)
	}

	// Components are independent: restore order does not matter.
	// Snapshots are kept so a repeated rollback stays idempotent.
	for _, component := range pending {
		m.snapMu.Lock()
		snapshot, ok := m.snapshots[component]
		m.snapMu.Unlock()
		if !ok {
			return fmt.Errorf("no rollback snapshot for component %s", component)
		}
		if err := m.platform.Restore(ctx, component, snapshot); err != nil {
			return fmt.Errorf("failed to restore component %s: %w", component, err)
		}
		m.setState(component, func(s *State) {
			s.NewStatus = "removed"
			s.OldStatus = "serving"
			s.TrafficPercent = 0
			s.Phase = PhaseRolledBack
		})
	}

	m.metrics.RollbacksTotal.Inc()
	m.logger.Warn(ctx, "migration rolled back", zap.Strings("components", pending))
	return nil
}

// routeAll shifts every component to the given percentage.
func (m *Manager) routeAll(ctx context.Context, components []string, percent int, phase Phase) error {
	for _, component := range components {
		if err := m.router.SetTraffic(ctx, component, percent); err != nil {
			return fmt.Errorf("failed to route %d%% to %s: %w", percent, component, err)
		}
		m.setState(component, func(s *State) {
			s.TrafficPercent = percent
			s.Phase = phase
		})
		m.metrics.TrafficPercent.WithLabelValues(component).Set(float64(percent))
	}
	return nil
}

// settle waits the configured delay so health signals stabilize.
func (m *Manager) settle(ctx context.Context) error {
	delay := m.cfg.SettleDelay.Duration()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migration cancelled during settle: %w", ctx.Err())
	}
}

func (m *Manager) setState(component string, mutate func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[component]
	if !ok {
		s = &State{Component: component, Phase: PhaseNotStarted, OldStatus: "serving", NewStatus: "absent"}
		m.states[component] = s
	}
	mutate(s)
}

// NopRouter and NopPlatform are in-process defaults for plans that have
// no real traffic router wired; they record intent only.

// NopRouter accepts every traffic shift.
type NopRouter struct{}

func (NopRouter) SetTraffic(ctx context.Context, component string, percent int) error { return nil }

// NopPlatform snapshots and deploys nothing.
type NopPlatform struct{}

func (NopPlatform) Snapshot(ctx context.Context, component string) ([]byte, error) {
	return []byte(component), nil
}
func (NopPlatform) DeployAlongside(ctx context.Context, component string) error { return nil }
func (NopPlatform) RetireOld(ctx context.Context, component string) error       { return nil }
func (NopPlatform) Restore(ctx context.Context, component string, snapshot []byte) error {
	return nil
}
