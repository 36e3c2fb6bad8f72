// Package executor defines the launch contract between the coordinator
// and the units of work it dispatches. The concrete mechanism behind a
// handle (subprocess, thread, remote worker) is an external concern; the
// coordinator only requires that a handle eventually reaches a terminal
// status and exposes an error or output.
package executor

import (
	"context"

	"github.com/fyrsmithlabs/rolloutd/internal/plan"
)

// Status is the lifecycle state of a dispatched item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Handle references a launched unit of work.
type Handle interface {
	// ID uniquely identifies this execution attempt.
	ID() string
	// Status returns the current lifecycle state. Implementations must
	// make this safe to call concurrently with the execution itself.
	Status() Status
	// Err returns the failure cause once Status is StatusFailed.
	Err() error
	// Output returns any captured output once the handle is terminal.
	Output() string
	// Stop asks the executor to terminate early. Best effort.
	Stop()
}

// Launcher starts executors for work items.
type Launcher interface {
	// Launch starts the item inside the isolated context named by token
	// and returns a handle for monitoring. A returned error means the
	// launch itself failed and may be retried by the caller.
	Launch(ctx context.Context, item plan.Item, token string) (Handle, error)
}
