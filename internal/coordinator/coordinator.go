// Package coordinator dispatches a phase's work items to concurrent
// executors under a concurrency budget, monitors them to completion, and
// serializes merging their isolated results back into the shared line.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/executor"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/metrics"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/coordinator"

// Handle is the coordinator's record of one dispatched item. It is
// mutated only while holding the coordinator's state lock and moves from
// the active set to the completed set exactly once.
type Handle struct {
	ID         string
	Item       plan.Item
	Token      string
	Status     executor.Status
	StartedAt  time.Time
	FinishedAt time.Time
	Output     string
	Err        error

	remote executor.Handle
}

// ItemResult is the terminal outcome of one item.
type ItemResult struct {
	Item              plan.Item
	Token             string
	Status            executor.Status
	Output            string
	Err               error
	ConflictsResolved int
	StartedAt         time.Time
	FinishedAt        time.Time
}

// PhaseResult aggregates all item outcomes of one phase dispatch.
type PhaseResult struct {
	Phase     string
	Results   []ItemResult
	Completed int
	Failed    int
}

// SuccessRate returns completed/total, 1.0 for an empty phase.
func (r *PhaseResult) SuccessRate() float64 {
	total := r.Completed + r.Failed
	if total == 0 {
		return 1.0
	}
	return float64(r.Completed) / float64(total)
}

// DispatchError wraps an executor launch or isolation-context failure
// that persisted through retries.
type DispatchError struct {
	ItemID string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch item %s: %v", e.ItemID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TimeoutError marks an item forcibly failed after the monitoring bound.
type TimeoutError struct {
	ItemID string
	Bound  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("item %s exceeded monitoring bound of %s", e.ItemID, e.Bound)
}

// Coordinator owns executor dispatch for one run.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	launcher   executor.Launcher
	workspaces workspace.Manager
	metrics    *metrics.Metrics
	logger     *logging.Logger
	tracer     trace.Tracer
	limiter    *rate.Limiter

	// mergeMu serializes result integration: one merge completes fully
	// before the next begins.
	mergeMu sync.Mutex

	// stateMu guards the active and completed handle maps.
	stateMu   sync.Mutex
	active    map[string]*Handle
	completed map[string]*Handle
}

// New creates a coordinator.
func New(cfg config.CoordinatorConfig, launcher executor.Launcher, workspaces workspace.Manager, m *metrics.Metrics, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		launcher:   launcher,
		workspaces: workspaces,
		metrics:    m,
		logger:     logger.Named("coordinator"),
		tracer:     otel.Tracer(instrumentationName),
		limiter:    rate.NewLimiter(rate.Limit(cfg.LaunchRate), max(cfg.LaunchBurst, 1)),
		active:     make(map[string]*Handle),
		completed:  make(map[string]*Handle),
	}
}

// Budget selects the concurrency cap for a set of items. Small,
// low-complexity phases run on the local budget; everything else gets
// the scaled budget. An explicit MaxConcurrent overrides both.
func (c *Coordinator) Budget(items []plan.Item) int {
	if c.cfg.MaxConcurrent > 0 {
		return c.cfg.MaxConcurrent
	}
	complexity := 0.0
	for _, item := range items {
		complexity += item.Complexity
	}
	if len(items) <= c.cfg.LocalItemLimit && complexity <= c.cfg.LocalComplexityLimit {
		return c.cfg.LocalBudget
	}
	return c.cfg.ScaledBudget
}

// ActiveCount returns the number of handles currently holding slots.
func (c *Coordinator) ActiveCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.active)
}

// Dispatch runs all items of a phase. Parallelizable phases run under
// the computed budget; sequential phases run one item at a time in the
// given order. Items are dispatched in order and a freed slot is reused
// immediately, so in-flight executors never exceed the budget.
//
// Per-item failures are recorded in the PhaseResult, not returned as an
// error; the error return covers dispatch-level aborts (cancellation).
func (c *Coordinator) Dispatch(ctx context.Context, phase string, items []plan.Item, parallelizable bool) (*PhaseResult, error) {
	budget := 1
	if parallelizable {
		budget = c.Budget(items)
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.dispatch", trace.WithAttributes(
		attribute.String("phase", phase),
		attribute.Int("items", len(items)),
		attribute.Int("budget", budget),
		attribute.Bool("parallelizable", parallelizable),
	))
	defer span.End()

	c.logger.Info(ctx, "dispatching phase",
		zap.String("phase", phase),
		zap.Int("items", len(items)),
		zap.Int("budget", budget),
	)

	slots := make(chan struct{}, budget)
	resultCh := make(chan ItemResult, len(items))
	var wg sync.WaitGroup

	dispatched := 0
dispatchLoop:
	for _, item := range items {
		// Acquire a slot before launching; cancellation stops new
		// dispatches but leaves in-flight items to drain below.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break dispatchLoop
		}
		if err := c.limiter.Wait(ctx); err != nil {
			<-slots
			break dispatchLoop
		}

		dispatched++
		wg.Add(1)
		go func(item plan.Item) {
			defer wg.Done()
			defer func() { <-slots }()
			resultCh <- c.execute(ctx, item)
		}(item)
	}

	wg.Wait()
	close(resultCh)

	result := &PhaseResult{Phase: phase}
	for r := range resultCh {
		result.Results = append(result.Results, r)
		if r.Status == executor.StatusCompleted {
			result.Completed++
		} else {
			result.Failed++
		}
	}

	// Items never dispatched because of cancellation count as failed.
	for i := dispatched; i < len(items); i++ {
		result.Failed++
		result.Results = append(result.Results, ItemResult{
			Item:   items[i],
			Status: executor.StatusFailed,
			Err:    fmt.Errorf("item %s not dispatched: %w", items[i].ID, ctx.Err()),
		})
	}

	span.SetAttributes(
		attribute.Int("completed", result.Completed),
		attribute.Int("failed", result.Failed),
	)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("phase %s dispatch aborted: %w", phase, err)
	}
	return result, nil
}

// execute runs one item end to end: isolation, launch, monitoring, and
// result integration.
func (c *Coordinator) execute(ctx context.Context, item plan.Item) ItemResult {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute", trace.WithAttributes(
		attribute.String("item", item.ID),
	))
	defer span.End()

	token := fmt.Sprintf("rollout-%s-%s", item.ID, uuid.NewString()[:8])
	handle := &Handle{
		ID:        uuid.NewString(),
		Item:      item,
		Token:     token,
		Status:    executor.StatusPending,
		StartedAt: time.Now(),
	}
	c.trackActive(handle)
	c.metrics.ActiveExecutors.Inc()
	defer c.metrics.ActiveExecutors.Dec()

	remote, err := c.launch(ctx, item, token)
	if err != nil {
		return c.finish(ctx, handle, executor.StatusFailed, "", &DispatchError{ItemID: item.ID, Err: err}, 0)
	}
	c.setHandle(handle, func(h *Handle) {
		h.remote = remote
		h.Status = executor.StatusRunning
	})
	c.metrics.ItemsDispatched.Inc()

	status, err := c.monitor(ctx, handle, remote)
	if err != nil || status != executor.StatusCompleted {
		remote.Stop()
		if err == nil {
			err = remote.Err()
		}
		return c.finish(ctx, handle, executor.StatusFailed, remote.Output(), err, 0)
	}

	conflicts, err := c.integrate(ctx, token)
	if err != nil {
		return c.finish(ctx, handle, executor.StatusFailed, remote.Output(), err, conflicts)
	}
	return c.finish(ctx, handle, executor.StatusCompleted, remote.Output(), nil, conflicts)
}

// launch creates the isolation context and starts the executor, retrying
// transient failures up to the configured count.
func (c *Coordinator) launch(ctx context.Context, item plan.Item, token string) (executor.Handle, error) {
	var lastErr error
	attempts := c.cfg.DispatchRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			c.logger.Warn(ctx, "retrying dispatch",
				zap.String("item", item.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}

		if err := c.workspaces.Create(ctx, token); err != nil {
			lastErr = err
			continue
		}
		remote, err := c.launcher.Launch(ctx, item, token)
		if err != nil {
			lastErr = err
			_ = c.workspaces.Remove(ctx, token)
			continue
		}
		return remote, nil
	}
	return nil, lastErr
}

// monitor polls the remote handle until it reaches a terminal status,
// the monitoring bound expires, or the context is cancelled.
func (c *Coordinator) monitor(ctx context.Context, handle *Handle, remote executor.Handle) (executor.Status, error) {
	deadline := time.NewTimer(c.cfg.MonitorTimeout.Duration())
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval.Duration())
	defer ticker.Stop()

	for {
		if status := remote.Status(); status.Terminal() {
			return status, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return executor.StatusFailed, &TimeoutError{
				ItemID: handle.Item.ID,
				Bound:  c.cfg.MonitorTimeout.Duration(),
			}
		case <-ctx.Done():
			return executor.StatusFailed, fmt.Errorf("item %s cancelled: %w", handle.Item.ID, ctx.Err())
		}
	}
}

// integrate merges the item's isolated result into the shared line.
// Merges are serialized across the whole run.
func (c *Coordinator) integrate(ctx context.Context, token string) (int, error) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	conflicts, err := c.workspaces.Merge(ctx, token)
	if conflicts > 0 {
		c.metrics.ConflictsResolved.Add(float64(conflicts))
	}
	if err != nil {
		return conflicts, err
	}
	if err := c.workspaces.Remove(ctx, token); err != nil {
		c.logger.Warn(ctx, "failed to remove merged workspace",
			zap.String("token", token), zap.Error(err))
	}
	return conflicts, nil
}

// finish records the terminal state, moves the handle to the completed
// set, and builds the item result.
func (c *Coordinator) finish(ctx context.Context, handle *Handle, status executor.Status, output string, err error, conflicts int) ItemResult {
	c.setHandle(handle, func(h *Handle) {
		h.Status = status
		h.Output = output
		h.Err = err
		h.FinishedAt = time.Now()
	})
	c.trackCompleted(handle)

	if status == executor.StatusCompleted {
		c.metrics.ItemsCompleted.Inc()
		c.logger.Info(ctx, "item completed",
			zap.String("item", handle.Item.ID),
			zap.Duration("elapsed", handle.FinishedAt.Sub(handle.StartedAt)),
			zap.Int("conflicts_resolved", conflicts),
		)
	} else {
		c.metrics.ItemsFailed.Inc()
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			c.logger.Error(ctx, "item timed out",
				zap.String("item", handle.Item.ID),
				zap.Duration("bound", timeoutErr.Bound),
			)
		} else {
			c.logger.Error(ctx, "item failed",
				zap.String("item", handle.Item.ID),
				zap.Error(err),
			)
		}
	}

	return ItemResult{
		Item:              handle.Item,
		Token:             handle.Token,
		Status:            status,
		Output:            output,
		Err:               err,
		ConflictsResolved: conflicts,
		StartedAt:         handle.StartedAt,
		FinishedAt:        handle.FinishedAt,
	}
}

func (c *Coordinator) trackActive(h *Handle) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.active[h.ID] = h
}

func (c *Coordinator) trackCompleted(h *Handle) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if _, ok := c.active[h.ID]; !ok {
		return
	}
	delete(c.active, h.ID)
	c.completed[h.ID] = h
}

func (c *Coordinator) setHandle(h *Handle, mutate func(*Handle)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	mutate(h)
}
