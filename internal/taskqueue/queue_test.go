package taskqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hama-jp/open-harness/internal/events"
)

type fakeRunner struct {
	mu    sync.Mutex
	seen  []string
	block chan struct{} // if set, RunGoal waits on it (or ctx cancellation)
	fail  map[string]bool
}

func (f *fakeRunner) RunGoal(ctx context.Context, goalID, goal string) (string, bool) {
	f.mu.Lock()
	f.seen = append(f.seen, goal)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "cancelled", false
		}
	}
	if f.fail[goal] {
		return "failed: " + goal, false
	}
	return "done: " + goal, true
}

func (f *fakeRunner) seenGoals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seen))
	copy(out, f.seen)
	return out
}

func openTestQueue(t *testing.T, runner Runner) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "logs"), runner, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Result(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
	return Task{}
}

func TestQueueSubmitAndRun(t *testing.T) {
	runner := &fakeRunner{}
	q := openTestQueue(t, runner)
	q.Start()

	id, err := q.Submit("fix the failing tests")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task := waitForStatus(t, q, id, StatusSucceeded)
	require.Equal(t, "done: fix the failing tests", task.Result)
	require.NotEmpty(t, task.LogPath)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.FinishedAt)
}

func TestQueueFIFOOrder(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	q := openTestQueue(t, runner)

	id1, err := q.Submit("goal one")
	require.NoError(t, err)
	id2, err := q.Submit("goal two")
	require.NoError(t, err)

	q.Start()
	// Let the worker claim and block on the first task.
	time.Sleep(50 * time.Millisecond)
	task2, err := q.Result(id2)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, task2.Status, "second task must not start before the first finishes")

	close(block)
	waitForStatus(t, q, id1, StatusSucceeded)
	waitForStatus(t, q, id2, StatusSucceeded)

	require.Equal(t, []string{"goal one", "goal two"}, runner.seenGoals())
}

func TestQueueFailedGoal(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"break things": true}}
	q := openTestQueue(t, runner)
	q.Start()

	id, err := q.Submit("break things")
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusFailed)
	require.Contains(t, task.Result, "failed")
}

func TestQueueCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{block: block}
	q := openTestQueue(t, runner)
	q.Start()

	id, err := q.Submit("long running goal")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task, _ := q.Result(id); task.Status == StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.True(t, q.Cancel(id))
	waitForStatus(t, q, id, StatusCancelled)
}

func TestQueueCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")
	logDir := filepath.Join(dir, "logs")

	runner := &fakeRunner{}
	q, err := Open(dbPath, logDir, runner, nil, nil)
	require.NoError(t, err)
	id, err := q.store.insertPending("orphaned goal", "")
	require.NoError(t, err)
	_, ok, err := q.store.claimNextPending()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Close())

	// Simulate the process restarting: a fresh Queue over the same db
	// scrubs the still-"running" row to "failed" (spec §8 scenario 6).
	q2, err := Open(dbPath, logDir, runner, nil, nil)
	require.NoError(t, err)
	defer q2.Close()

	task, err := q2.Result(id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, task.Status)
}

func TestQueueSubmitEmitsEvent(t *testing.T) {
	bus := events.NewBus(nil)
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	runner := &fakeRunner{}
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "logs"), runner, bus, nil)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Submit("emit me")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, events.TypeTaskSubmitted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("did not observe TaskSubmitted event")
	}
}
