package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realTemp(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestDetectPrefersEnv(t *testing.T) {
	dir := realTemp(t)
	p, err := Detect(filepath.Join(dir, "state"), "/")
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, p.Source)
	assert.Equal(t, filepath.Join(dir, "state"), p.Root)
	assert.Equal(t, dir, p.Path)
}

func TestDetectExistingWinsOverGit(t *testing.T) {
	dir := realTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, StateDirName), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repo", ".git"), 0o755))
	cwd := filepath.Join(dir, "repo", "src", "pkg")
	require.NoError(t, os.MkdirAll(cwd, 0o755))

	p, err := Detect("", cwd)
	require.NoError(t, err)
	assert.Equal(t, SourceExisting, p.Source)
	assert.Equal(t, filepath.Join(dir, StateDirName), p.Root)
}

func TestDetectNextToGit(t *testing.T) {
	dir := realTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repo", ".git"), 0o755))
	cwd := filepath.Join(dir, "repo", "src")
	require.NoError(t, os.MkdirAll(cwd, 0o755))

	p, err := Detect("", cwd)
	require.NoError(t, err)
	assert.Equal(t, SourceGit, p.Source)
	assert.Equal(t, filepath.Join(dir, "repo", StateDirName), p.Root)
	assert.Equal(t, filepath.Join(dir, "repo"), p.Path)
	assert.Equal(t, filepath.Join(p.Root, "traces", "trace.jsonl"), p.TraceFile())
	assert.Equal(t, filepath.Join(p.Root, "plugins"), p.PluginsDir())
}
