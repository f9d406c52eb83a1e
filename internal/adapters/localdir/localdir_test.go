package localdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

func newSource(t *testing.T, config map[string]any) *Source {
	t.Helper()
	src := &Source{}
	require.NoError(t, src.Initialize(context.Background(), nil, config))
	return src
}

func writeFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func TestInitializeRequiresRoot(t *testing.T) {
	src := &Source{}
	err := src.Initialize(context.Background(), nil, map[string]any{})
	require.ErrorIs(t, err, ragsync.ErrInvalidInput)

	err = src.Initialize(context.Background(), nil, map[string]any{"root": filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestFirstWalkReportsAdds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "alpha", time.Time{})
	writeFile(t, root, "sub/b.md", "beta", time.Time{})
	src := newSource(t, map[string]any{"root": root})

	changes, err := src.ComputeChanges(context.Background(), time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ragsync.ChangeRecord{Action: ragsync.ActionAdd, Content: "alpha"}, changes["a.md"])
	assert.Equal(t, ragsync.ChangeRecord{Action: ragsync.ActionAdd, Content: "beta"}, changes["sub/b.md"])
}

func TestUnchangedFilesAreSilent(t *testing.T) {
	root := t.TempDir()
	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, root, "a.md", "alpha", stamp)
	src := newSource(t, map[string]any{"root": root})

	changes, err := src.ComputeChanges(context.Background(), stamp, map[string]time.Time{"a.md": stamp})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestModifiedFileReportsUpdate(t *testing.T) {
	root := t.TempDir()
	known := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, root, "a.md", "alpha v2", known.Add(30*time.Minute))
	src := newSource(t, map[string]any{"root": root})

	changes, err := src.ComputeChanges(context.Background(), known, map[string]time.Time{"a.md": known})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ragsync.ChangeRecord{Action: ragsync.ActionUpdate, Content: "alpha v2"}, changes["a.md"])
}

func TestMissingOwnedFileReportsDelete(t *testing.T) {
	root := t.TempDir()
	src := newSource(t, map[string]any{"root": root})

	known := time.Now().Add(-time.Hour)
	changes, err := src.ComputeChanges(context.Background(), known, map[string]time.Time{"gone.md": known})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ragsync.ActionDelete, changes["gone.md"].Action)
	assert.Empty(t, changes["gone.md"].Content)
}

func TestExtensionFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.md", "keep", time.Time{})
	writeFile(t, root, "skip.bin", "skip", time.Time{})
	src := newSource(t, map[string]any{
		"root":       root,
		"extensions": []any{"md", ".TXT"},
	})

	changes, err := src.ComputeChanges(context.Background(), time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Contains(t, changes, "keep.md")
}

func TestHiddenEntriesSkipped(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".hidden", "x", time.Time{})
	writeFile(t, root, ".git/config", "x", time.Time{})
	writeFile(t, root, "visible.md", "v", time.Time{})
	src := newSource(t, map[string]any{"root": root})

	changes, err := src.ComputeChanges(context.Background(), time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Contains(t, changes, "visible.md")
}

func TestRegisteredWithEngine(t *testing.T) {
	src, err := ragsync.NewSource(Identity)
	require.NoError(t, err)
	assert.IsType(t, &Source{}, src)
}
