package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryManager is a Manager backed by plain directories with no version
// control. Merges are recorded but never conflict. Used for dry runs and
// as a test double.
type MemoryManager struct {
	root string

	mu      sync.Mutex
	created map[string]bool
	merged  []string
}

// NewMemoryManager creates a directory-backed manager under root. An
// empty root uses a temp directory.
func NewMemoryManager(root string) (*MemoryManager, error) {
	if root == "" {
		dir, err := os.MkdirTemp("", "rolloutd-mem-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
		root = dir
	}
	return &MemoryManager{
		root:    root,
		created: make(map[string]bool),
	}, nil
}

func (m *MemoryManager) Create(ctx context.Context, token string) error {
	dir := filepath.Join(m.root, token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", token, err)
	}
	m.mu.Lock()
	m.created[token] = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) Path(token string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created[token] {
		return ""
	}
	return filepath.Join(m.root, token)
}

func (m *MemoryManager) Merge(ctx context.Context, token string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created[token] {
		return 0, fmt.Errorf("unknown workspace token: %s", token)
	}
	m.merged = append(m.merged, token)
	return 0, nil
}

func (m *MemoryManager) Remove(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.created, token)
	m.mu.Unlock()
	return os.RemoveAll(filepath.Join(m.root, token))
}

// Merged returns the tokens merged so far, in merge order.
func (m *MemoryManager) Merged() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.merged...)
}
