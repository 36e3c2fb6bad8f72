package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManager_Lifecycle(t *testing.T) {
	m, err := NewMemoryManager(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "token-1"))
	dir := m.Path("token-1")
	require.NotEmpty(t, dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// The workspace is writable by an executor.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.txt"), []byte("done"), 0o644))

	resolved, err := m.Merge(ctx, "token-1")
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Equal(t, []string{"token-1"}, m.Merged())

	require.NoError(t, m.Remove(ctx, "token-1"))
	assert.Empty(t, m.Path("token-1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryManager_MergeUnknownToken(t *testing.T) {
	m, err := NewMemoryManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.Merge(context.Background(), "never-created")
	assert.Error(t, err)
}

func TestMemoryManager_RemoveIsIdempotent(t *testing.T) {
	m, err := NewMemoryManager(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "token-1"))
	require.NoError(t, m.Remove(ctx, "token-1"))
	require.NoError(t, m.Remove(ctx, "token-1"))
}

func TestMemoryManager_TokensAreIndependent(t *testing.T) {
	m, err := NewMemoryManager(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "a"))
	require.NoError(t, m.Create(ctx, "b"))
	assert.NotEqual(t, m.Path("a"), m.Path("b"))

	require.NoError(t, m.Remove(ctx, "a"))
	assert.NotEmpty(t, m.Path("b"))
}
