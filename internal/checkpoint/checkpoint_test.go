package checkpoint

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestEnter_CreatesWorkBranch(t *testing.T) {
	dir := newTestRepo(t)
	m := New(dir, nil)

	status := m.Enter(context.Background(), 1000)
	require.True(t, m.Active())
	require.Contains(t, status, "branch: harness/goal-1000")
	require.Equal(t, "harness/goal-1000", m.workBranch)
}

func TestEnter_FallsBackToRetrySuffixOnCollision(t *testing.T) {
	dir := newTestRepo(t)
	cmd := exec.Command("git", "branch", "harness/goal-2000")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	m := New(dir, nil)
	status := m.Enter(context.Background(), 2000)
	require.True(t, m.Active())
	require.Equal(t, "harness/goal-2000-retry", m.workBranch)
	require.Contains(t, status, "branch: harness/goal-2000-retry")
}

func TestSnapshot_SkipsWhenClean(t *testing.T) {
	dir := newTestRepo(t)
	m := New(dir, nil)
	m.Enter(context.Background(), 1001)

	snap, err := m.Snapshot(context.Background(), "nothing changed")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestSnapshotAndRollback(t *testing.T) {
	dir := newTestRepo(t)
	m := New(dir, nil)
	m.Enter(context.Background(), 1002)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v1\n"), 0o644))
	snap1, err := m.Snapshot(context.Background(), "step 1")
	require.NoError(t, err)
	require.NotNil(t, snap1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v2\n"), 0o644))
	_, err = m.Snapshot(context.Background(), "step 2")
	require.NoError(t, err)

	require.NoError(t, m.Rollback(context.Background(), snap1))

	contents, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(contents))
}

func TestFinish_SquashMergesOnSuccess(t *testing.T) {
	dir := newTestRepo(t)
	m := New(dir, nil)
	m.Enter(context.Background(), 1003)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("done\n"), 0o644))
	_, err := m.Snapshot(context.Background(), "made progress")
	require.NoError(t, err)

	status, err := m.Finish(context.Background(), true)
	require.NoError(t, err)
	require.Contains(t, status, "squash-merged")

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Contains(t, string(out), "main")

	_, statErr := os.Stat(filepath.Join(dir, "b.txt"))
	require.NoError(t, statErr)
}

func TestFinish_DiscardsOnFailureWithNoSnapshots(t *testing.T) {
	dir := newTestRepo(t)
	m := New(dir, nil)
	m.Enter(context.Background(), 1004)

	status, err := m.Finish(context.Background(), false)
	require.NoError(t, err)
	require.Contains(t, status, "discarded")
}

func TestNoteWrite_TriggersEveryTenWrites(t *testing.T) {
	m := New(t.TempDir(), nil)
	for i := 0; i < 9; i++ {
		require.False(t, m.NoteWrite())
	}
	require.True(t, m.NoteWrite())
}
