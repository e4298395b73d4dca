package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleaner_DeleteLocalPathsIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "qr.png")
	require.NoError(t, os.WriteFile(file, []byte("png"), 0o644))

	c := NewCleaner(testLogger(), dir)
	c.DeleteLocalPaths(context.Background(), file)
	assert.NoFileExists(t, file)

	assert.NotPanics(t, func() {
		c.DeleteLocalPaths(context.Background(), file)
	})
	assert.NoFileExists(t, file)
}

func TestCleaner_Paths(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	tests := []struct {
		name        string
		setup       func(t *testing.T) string
		wantDeleted bool
	}{
		{
			name: "file inside root",
			setup: func(t *testing.T) string {
				p := filepath.Join(root, "a.pdf")
				require.NoError(t, os.WriteFile(p, []byte("%PDF"), 0o644))
				return p
			},
			wantDeleted: true,
		},
		{
			name: "directory inside root",
			setup: func(t *testing.T) string {
				p := filepath.Join(root, "job-1")
				require.NoError(t, os.MkdirAll(filepath.Join(p, "nested"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(p, "nested", "img.png"), []byte("x"), 0o644))
				return p
			},
			wantDeleted: true,
		},
		{
			name: "file outside root is kept",
			setup: func(t *testing.T) string {
				p := filepath.Join(outside, "keep.txt")
				require.NoError(t, os.WriteFile(p, []byte("keep"), 0o644))
				return p
			},
			wantDeleted: false,
		},
		{
			name: "traversal out of root is kept",
			setup: func(t *testing.T) string {
				p := filepath.Join(outside, "escape.txt")
				require.NoError(t, os.WriteFile(p, []byte("keep"), 0o644))
				rel, err := filepath.Rel(root, p)
				require.NoError(t, err)
				return filepath.Join(root, rel)
			},
			wantDeleted: false,
		},
	}

	c := NewCleaner(testLogger(), root)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t)
			c.DeleteLocalPaths(context.Background(), path)
			if tt.wantDeleted {
				assert.NoFileExists(t, path)
				assert.NoDirExists(t, path)
			} else {
				assert.FileExists(t, path)
			}
		})
	}
}

func TestCleaner_RootItselfIsKept(t *testing.T) {
	root := t.TempDir()
	c := NewCleaner(testLogger(), root)
	c.DeleteLocalPaths(context.Background(), root, "", "  ")
	assert.DirExists(t, root)
}

func TestCleaner_NoRootsAllowsAnyPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "any.bin")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	NewCleaner(testLogger()).DeleteLocalPaths(context.Background(), p)
	assert.NoFileExists(t, p)
}
