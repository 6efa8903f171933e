// Package taskqueue implements the Task Queue (spec §4.12): a
// persistent, single-table, FIFO queue drained by one background
// worker so goals never run concurrently against the same workspace.
// Queue is the public surface; store.go holds the SQLite-backed
// storage it drains from.
//
// Grounded on the teacher's cmd/nerd background-worker-over-channel
// shape and original_source/open_harness_v2's TaskQueue (single
// worker goroutine, submit returns immediately, crash recovery scrubs
// stale "running" rows at startup).
package taskqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/events"
	"github.com/hama-jp/open-harness/internal/logging"
)

// Runner executes one goal to completion. The Orchestrator satisfies
// this; it is abstracted here so the queue can be tested without a
// real LM/workspace.
type Runner interface {
	RunGoal(ctx context.Context, goalID, goal string) (summary string, ok bool)
}

// Queue is the FIFO task queue of spec §4.12. One Queue owns one
// SQLite-backed store and drives at most one goal at a time through
// Runner, holding the workspace mutex for the goal's lifetime so an
// interactive session sharing the same workspace never interleaves
// writes with a background task (spec §5).
type Queue struct {
	store   *store
	runner  Runner
	pub     events.Publisher
	log     *zap.Logger
	logDir  string
	wsMutex *sync.Mutex // shared with any interactive session over the same workspace

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures Open.
type Option func(*Queue)

// WithWorkspaceMutex lets an interactive session and the queue share
// one mutex over the same workspace (spec §5: "a workspace mutex held
// across the lifetime of a goal").
func WithWorkspaceMutex(m *sync.Mutex) Option {
	return func(q *Queue) { q.wsMutex = m }
}

// Open opens (creating if absent) the SQLite task store at dbPath,
// scrubs any tasks left "running" by a prior crashed process to
// "failed" (spec §4.12, §8 scenario 6), and returns a Queue ready to
// accept Submit calls. logDir receives one line-oriented UTF-8 log
// file per task at logDir/task_<epoch>_<id>.log (spec §6).
func Open(dbPath, logDir string, runner Runner, pub events.Publisher, log *zap.Logger, opts ...Option) (*Queue, error) {
	log = logging.OrNop(log)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("taskqueue: mkdir for db: %w", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("taskqueue: mkdir for logs: %w", err)
	}
	s, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}
	n, err := s.recoverCrashed()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("taskqueue: crash recovery: %w", err)
	}
	if n > 0 {
		log.Warn("taskqueue: recovered tasks left running by a prior crash", zap.Int("count", n))
	}

	q := &Queue{
		store:   s,
		runner:  runner,
		pub:     pub,
		log:     log,
		logDir:  logDir,
		wsMutex: &sync.Mutex{},
		cancels: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Start launches the single background worker goroutine (spec §4.12:
// "One background worker, FIFO, sequential"). Safe to call once.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.workerLoop()
}

// Stop signals the worker to finish its current task (if any) and
// exit, then waits for it.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Close stops the worker and releases the underlying store.
func (q *Queue) Close() error {
	q.Stop()
	return q.store.close()
}

// Submit enqueues a goal and returns its task id synchronously (spec
// §4.12: "submit(goal) returns the id synchronously").
func (q *Queue) Submit(goal string) (string, error) {
	id, err := q.store.insertPending(goal, "")
	if err != nil {
		return "", err
	}
	logPath := filepath.Join(q.logDir, fmt.Sprintf("task_%d_%s.log", time.Now().Unix(), id))
	if err := q.store.setLogPath(id, logPath); err != nil {
		return "", err
	}
	if q.pub != nil {
		q.pub.Publish(events.Event{Type: events.TypeTaskSubmitted, Data: map[string]any{"task_id": id, "goal": goal}})
	}
	return id, nil
}

// List returns every task, newest first (read-only per spec §4.12).
func (q *Queue) List() ([]Task, error) {
	return q.store.list()
}

// Result returns a single task by id (read-only per spec §4.12).
func (q *Queue) Result(id string) (Task, error) {
	return q.store.get(id)
}

// Cancel marks a running task's context as done. It is a best-effort
// request: the running goal observes cancellation at its next poll
// point (spec §5).
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	cancel, ok := q.cancels[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	const idlePoll = 500 * time.Millisecond
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		task, ok, err := q.store.claimNextPending()
		if err != nil {
			q.log.Error("taskqueue: claim next pending", zap.Error(err))
			time.Sleep(idlePoll)
			continue
		}
		if !ok {
			select {
			case <-q.stopCh:
				return
			case <-time.After(idlePoll):
				continue
			}
		}

		q.runOne(task)
	}
}

func (q *Queue) runOne(task Task) {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancels[task.ID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.cancels, task.ID)
		q.mu.Unlock()
		cancel()
	}()

	logf, logErr := os.OpenFile(task.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if logErr == nil {
		defer logf.Close()
		fmt.Fprintf(logf, "%s task %s started: %s\n", time.Now().UTC().Format(time.RFC3339), task.ID, task.Goal)
	}

	// The workspace mutex is held for the goal's full lifetime (spec
	// §5), serializing against any interactive session on the same
	// workspace.
	q.wsMutex.Lock()
	summary, ok := q.runner.RunGoal(ctx, task.ID, task.Goal)
	q.wsMutex.Unlock()

	status := StatusSucceeded
	if !ok {
		status = StatusFailed
	}
	if ctx.Err() == context.Canceled {
		status = StatusCancelled
	}
	if err := q.store.finish(task.ID, status, summary); err != nil {
		q.log.Error("taskqueue: finish task", zap.String("task_id", task.ID), zap.Error(err))
	}
	if logErr == nil {
		fmt.Fprintf(logf, "%s task %s finished: status=%s\n", time.Now().UTC().Format(time.RFC3339), task.ID, status)
	}

	// Terminal-bell event for UI consumers (spec §4.12).
	if q.pub != nil {
		q.pub.Publish(events.Event{Type: events.TypeTaskCompleted, Data: map[string]any{
			"task_id": task.ID,
			"status":  string(status),
			"summary": summary,
		}})
	}
}
