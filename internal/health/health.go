// Package health defines the health signal consumed by validation gates
// and migration routing.
package health

import (
	"context"
	"sync"
)

// Indicators are structured health metrics for a component.
type Indicators map[string]float64

// Checker answers whether a component is healthy right now.
type Checker interface {
	IsHealthy(ctx context.Context, component string) (bool, error)
	Indicators(ctx context.Context, component string) (Indicators, error)
}

// StaticChecker is a programmable Checker for tests and environments
// without a metrics backend. The zero value reports everything healthy.
type StaticChecker struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

// SetHealthy marks a component's health state.
func (c *StaticChecker) SetHealthy(component string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhealthy == nil {
		c.unhealthy = make(map[string]bool)
	}
	c.unhealthy[component] = !healthy
}

func (c *StaticChecker) IsHealthy(ctx context.Context, component string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unhealthy[component], nil
}

func (c *StaticChecker) Indicators(ctx context.Context, component string) (Indicators, error) {
	healthy, _ := c.IsHealthy(ctx, component)
	v := 1.0
	if !healthy {
		v = 0
	}
	return Indicators{"healthy": v}, nil
}
