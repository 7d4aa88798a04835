package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fsys FileSystem, name, data string) {
	t.Helper()
	w, err := fsys.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestFileSystems(t *testing.T) {
	tests := []struct {
		name string
		fsys FileSystem
		root string
	}{
		{"os", OSFileSystem{}, t.TempDir()},
		{"memory", NewMemoryFileSystem(), "/data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(tt.root, "take_1", "frames")
			_, err := tt.fsys.Create(filepath.Join(dir, "a.ply"))
			assert.True(t, errors.Is(err, fs.ErrNotExist), "create without parent: %v", err)

			require.NoError(t, tt.fsys.MkdirAll(dir, 0o755))
			writeFile(t, tt.fsys, filepath.Join(dir, "a.ply"), "hello")
			writeFile(t, tt.fsys, filepath.Join(dir, "a.ply"), "again")

			data, err := tt.fsys.ReadFile(filepath.Join(dir, "a.ply"))
			require.NoError(t, err)
			assert.Equal(t, "again", string(data))

			_, err = tt.fsys.ReadFile(filepath.Join(dir, "missing"))
			assert.True(t, errors.Is(err, fs.ErrNotExist))
		})
	}
}

func TestMemoryFileSystemFiles(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/out", 0o755))
	w, err := m.Create("/out/b")
	require.NoError(t, err)
	assert.Empty(t, m.Files(), "not visible before close")
	require.NoError(t, w.Close())
	writeFile(t, m, "/out/a", "x")
	assert.Equal(t, []string{"/out/a", "/out/b"}, m.Files())
}
