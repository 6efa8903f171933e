package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "a.txt")

	_, err := WriteFile(context.Background(), map[string]any{"path": path, "content": "hello\n"})
	require.NoError(t, err)

	out, err := ReadFile(context.Background(), map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestEditFile_RequiresUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("foo bar foo"), 0o644))

	_, err := EditFile(context.Background(), map[string]any{"path": path, "find": "foo", "replace": "baz"})
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("foo bar"), 0o644))
	_, err = EditFile(context.Background(), map[string]any{"path": path, "find": "foo", "replace": "baz"})
	require.NoError(t, err)
	out, _ := os.ReadFile(path)
	assert.Equal(t, "baz bar", string(out))
}

func TestListDir_FiltersByGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))

	out, err := ListDir(context.Background(), map[string]any{"path": dir, "glob": "*.go"})
	require.NoError(t, err)
	assert.Equal(t, "a.go", out)
}

func TestSearchFiles_LiteralSubstring(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\nfunc needle() {}\n"), 0o644))

	out, err := SearchFiles(context.Background(), map[string]any{"pattern": "needle", "path": dir})
	require.NoError(t, err)
	assert.Contains(t, out, "func needle() {}")
}

func TestSearchFiles_NoMatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n"), 0o644))

	out, err := SearchFiles(context.Background(), map[string]any{"pattern": "nonexistent", "path": dir})
	require.NoError(t, err)
	assert.Equal(t, "no matches", out)
}
