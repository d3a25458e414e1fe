package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
)

const queueVersion = 1

// queueDocument is the persisted queue file.
type queueDocument struct {
	Version int           `json:"version"`
	Tasks   []*UploadTask `json:"tasks"`
}

// Queue is the durable upload queue. Every mutation rewrites the queue
// file atomically, so an abrupt process kill is recoverable: pending tasks
// are reloaded and retried on next startup.
type Queue struct {
	mu     sync.Mutex
	path   string
	tasks  []*UploadTask
	logger *zap.Logger
}

// NewQueue creates a queue backed by path (empty path keeps it in memory
// only) and reloads any tasks persisted by a previous run. An unreadable
// queue file starts empty with a loud warning.
func NewQueue(path string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{path: path, logger: logger}

	if path != "" {
		if err := q.load(); err != nil {
			logger.Warn("upload queue unreadable, starting empty",
				zap.String("path", path), zap.Error(err))
			q.tasks = nil
		}
	}
	return q
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}

	var doc queueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", fixstore.ErrCorruptState, err)
	}
	if doc.Version != queueVersion {
		return fmt.Errorf("%w: unsupported queue version %d", fixstore.ErrCorruptState, doc.Version)
	}

	// In-flight tasks from a killed process go back to queued.
	for _, task := range doc.Tasks {
		if task.State == StateSending {
			task.State = StateQueued
		}
	}
	q.tasks = doc.Tasks
	return nil
}

func (q *Queue) persistLocked() error {
	if q.path == "" {
		return nil
	}
	return fixstore.WriteAtomic(q.path, queueDocument{Version: queueVersion, Tasks: q.tasks})
}

// Enqueue adds a task. A pending task for the same fix hash makes this a
// no-op; the remote is keyed by hash, so one pending push suffices.
func (q *Queue) Enqueue(task *UploadTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if t.FixHash == task.FixHash {
			return nil
		}
	}

	q.tasks = append(q.tasks, task)
	if err := q.persistLocked(); err != nil {
		q.tasks = q.tasks[:len(q.tasks)-1]
		return err
	}
	return nil
}

// Pending returns copies of queued tasks in enqueue order.
func (q *Queue) Pending() []*UploadTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*UploadTask
	for _, t := range q.tasks {
		if t.State == StateQueued {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Len reports the number of tasks still held, any state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// MarkSending transitions a task to the in-flight state.
func (q *Queue) MarkSending(id string) error {
	return q.setState(id, StateSending)
}

// Requeue returns an in-flight task to the queued state (rate limit
// deferral or end-of-tick).
func (q *Queue) Requeue(id string) error {
	return q.setState(id, StateQueued)
}

func (q *Queue) setState(id string, state TaskState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.findLocked(id)
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	prev := task.State
	task.State = state
	if err := q.persistLocked(); err != nil {
		task.State = prev
		return err
	}
	return nil
}

// Complete removes an acknowledged task.
func (q *Queue) Complete(id string) error {
	return q.remove(id)
}

// RecordFailure increments a task's attempt count and requeues it,
// returning the new count.
func (q *Queue) RecordFailure(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.findLocked(id)
	if task == nil {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	task.Attempts++
	task.State = StateQueued
	if err := q.persistLocked(); err != nil {
		task.Attempts--
		return 0, err
	}
	return task.Attempts, nil
}

// Abandon drops a task past the retry ceiling. Never silent: the caller
// logs, and the store's abandoned counter is incremented by the worker.
func (q *Queue) Abandon(id string) error {
	return q.remove(id)
}

func (q *Queue) remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.ID == id {
			removed := t
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			if err := q.persistLocked(); err != nil {
				q.tasks = append(q.tasks[:i], append([]*UploadTask{removed}, q.tasks[i:]...)...)
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (q *Queue) findLocked(id string) *UploadTask {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}
