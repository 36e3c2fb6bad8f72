// Package workspace provides isolated execution contexts for work items
// and merges their results back into the shared line.
//
// Every dispatched item gets its own workspace, named by an isolation
// token, before work starts. Merges back into the shared line are
// serialized by the coordinator; this package only guarantees that a
// single merge is atomic and that conflict handling is deterministic.
package workspace

import (
	"context"
	"fmt"
)

// Manager creates, resolves, and merges isolated workspaces.
type Manager interface {
	// Create materializes an isolated workspace for the token.
	Create(ctx context.Context, token string) error
	// Path returns the working directory for a created token.
	Path(token string) string
	// Merge integrates the token's workspace into the shared line and
	// returns the number of conflicts that were resolved. A conflict
	// with no deterministic resolution returns a *ConflictError.
	Merge(ctx context.Context, token string) (resolved int, err error)
	// Remove discards the token's workspace. Idempotent.
	Remove(ctx context.Context, token string) error
}

// ConflictError reports a merge conflict with no deterministic
// resolution. It is a hard failure for the item that produced it.
type ConflictError struct {
	Token string
	Path  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolvable merge conflict in workspace %s at %s", e.Token, e.Path)
}
