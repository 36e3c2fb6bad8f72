package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/logging"
)

// GitManager isolates work in per-token clones of a shared repository.
// Merging copies each changed path back into the shared worktree after a
// three-way content comparison against the fork point.
type GitManager struct {
	repoPath   string
	baseBranch string
	root       string
	logger     *logging.Logger

	mu     sync.Mutex
	clones map[string]*clone
}

type clone struct {
	dir  string
	fork plumbing.Hash
}

// NewGitManager creates a manager over the shared repository at repoPath.
// Clones live under root; if root is empty a temp directory is used.
func NewGitManager(repoPath, baseBranch, root string, logger *logging.Logger) (*GitManager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if root == "" {
		dir, err := os.MkdirTemp("", "rolloutd-ws-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
		root = dir
	}
	return &GitManager{
		repoPath:   repoPath,
		baseBranch: baseBranch,
		root:       root,
		logger:     logger,
		clones:     make(map[string]*clone),
	}, nil
}

// Create clones the shared repository and checks out a branch named by
// the token.
func (m *GitManager) Create(ctx context.Context, token string) error {
	dir := filepath.Join(m.root, token)

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           m.repoPath,
		ReferenceName: plumbing.NewBranchReferenceName(m.baseBranch),
		SingleBranch:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to clone workspace %s: %w", token, err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve workspace HEAD: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open workspace worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(token),
		Create: true,
	}); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", token, err)
	}

	m.mu.Lock()
	m.clones[token] = &clone{dir: dir, fork: head.Hash()}
	m.mu.Unlock()

	m.logger.Debug(ctx, "workspace created",
		zap.String("token", token),
		zap.String("dir", dir),
		zap.String("fork", head.Hash().String()),
	)
	return nil
}

// Path returns the clone directory for the token, or "" if unknown.
func (m *GitManager) Path(token string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clones[token]; ok {
		return c.dir
	}
	return ""
}

// Merge commits the clone's changes and applies them to the shared
// worktree. For each changed path the shared line is compared against
// the fork point:
//
//   - shared unchanged: incoming content applied
//   - shared changed to the same content: conflict, resolved (counted)
//   - shared changed to different content: conflict, unresolvable
func (m *GitManager) Merge(ctx context.Context, token string) (int, error) {
	m.mu.Lock()
	c, ok := m.clones[token]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown workspace token: %s", token)
	}

	cloneRepo, err := git.PlainOpen(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to open workspace %s: %w", token, err)
	}
	head, err := commitAll(cloneRepo, fmt.Sprintf("rollout result for %s", token))
	if err != nil {
		return 0, err
	}

	changes, err := diffCommits(cloneRepo, c.fork, head)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	forkCommit, err := cloneRepo.CommitObject(c.fork)
	if err != nil {
		return 0, fmt.Errorf("failed to load fork commit: %w", err)
	}
	headCommit, err := cloneRepo.CommitObject(head)
	if err != nil {
		return 0, fmt.Errorf("failed to load workspace commit: %w", err)
	}

	resolved := 0
	for _, path := range changes {
		outcome, err := m.applyChange(path, token, forkCommit, headCommit)
		if err != nil {
			return resolved, err
		}
		if outcome {
			resolved++
		}
	}

	if _, err := commitAllAt(m.repoPath, fmt.Sprintf("merge workspace %s", token)); err != nil {
		return resolved, err
	}

	m.logger.Info(ctx, "workspace merged",
		zap.String("token", token),
		zap.Int("changed_paths", len(changes)),
		zap.Int("resolved_conflicts", resolved),
	)
	return resolved, nil
}

// applyChange integrates one changed path. It reports whether a conflict
// was resolved for that path.
func (m *GitManager) applyChange(path, token string, fork, head *object.Commit) (bool, error) {
	forkContent, forkExists, err := fileContent(fork, path)
	if err != nil {
		return false, err
	}
	incoming, incomingExists, err := fileContent(head, path)
	if err != nil {
		return false, err
	}

	sharedPath := filepath.Join(m.repoPath, path)
	shared, readErr := os.ReadFile(sharedPath)
	sharedExists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return false, fmt.Errorf("failed to read shared file %s: %w", path, readErr)
	}

	sharedChanged := sharedExists != forkExists || (sharedExists && string(shared) != forkContent)

	switch {
	case !sharedChanged:
		// Shared line untouched since fork: apply incoming directly.
		return false, writeOrDelete(sharedPath, incoming, incomingExists)
	case sharedExists && incomingExists && string(shared) == incoming:
		// Both sides converged to identical content.
		return true, nil
	case !sharedExists && !incomingExists:
		// Both sides deleted.
		return true, nil
	default:
		return false, &ConflictError{Token: token, Path: path}
	}
}

// Remove discards the clone directory for the token.
func (m *GitManager) Remove(ctx context.Context, token string) error {
	m.mu.Lock()
	c, ok := m.clones[token]
	delete(m.clones, token)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", token, err)
	}
	return nil
}

// commitAll stages and commits everything in the repo's worktree.
// Returns HEAD unchanged when the worktree is clean.
func commitAll(repo *git.Repository, message string) (plumbing.Hash, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to stage changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "rolloutd",
			Email: "rolloutd@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to commit: %w", err)
	}
	return hash, nil
}

func commitAllAt(repoPath, message string) (plumbing.Hash, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open shared repository: %w", err)
	}
	return commitAll(repo, message)
}

// diffCommits returns the paths that differ between two commits.
func diffCommits(repo *git.Repository, from, to plumbing.Hash) ([]string, error) {
	fromCommit, err := repo.CommitObject(from)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", from, err)
	}
	toCommit, err := repo.CommitObject(to)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", to, err)
	}

	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	paths := make([]string, 0, len(changes))
	seen := make(map[string]bool, len(changes))
	for _, change := range changes {
		path := change.To.Name
		if path == "" {
			path = change.From.Name
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// fileContent returns a file's content at a commit, with an existence flag.
func fileContent(commit *object.Commit, path string) (string, bool, error) {
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s at %s: %w", path, commit.Hash, err)
	}
	content, err := file.Contents()
	if err != nil && err != io.EOF {
		return "", false, fmt.Errorf("failed to read contents of %s: %w", path, err)
	}
	return content, true, nil
}

func writeOrDelete(path, content string, exists bool) error {
	if !exists {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
