// Package taskqueue persists prefetch jobs and runs them one at a time.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"flightmap-desktop/internal/downloads"
)

var (
	// ErrTaskNotFound is returned for unknown task ids
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinished is returned when cancelling a task that already ended
	ErrTaskFinished = errors.New("task already finished")
)

// QueueState represents the persistent queue state
type QueueState struct {
	TaskOrder []string `json:"taskOrder"` // Ordered list of task IDs
	IsPaused  bool     `json:"isPaused"`
}

// QueueStatus represents the current queue status for events
type QueueStatus struct {
	IsPaused       bool   `json:"isPaused"`
	CurrentTaskID  string `json:"currentTaskID"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// TaskExecutor runs one task, reporting progress as it goes
type TaskExecutor interface {
	ExecutePrefetchTask(ctx context.Context, task *PrefetchTask, progress func(downloads.DownloadProgress)) (downloads.Summary, error)
}

// QueueManager manages the prefetch task queue. Tasks are persisted under
// storagePath so a restart resumes where the previous process stopped.
type QueueManager struct {
	mu          sync.RWMutex
	tasks       map[string]*PrefetchTask
	taskOrder   []string // maintains queue order
	storagePath string

	isPaused      bool
	currentTask   *PrefetchTask
	cancelCurrent context.CancelFunc

	executor TaskExecutor
	wake     chan struct{}
	logger   zerolog.Logger

	// Event callbacks
	onQueueUpdate  func(status QueueStatus)
	onTaskComplete func(task *PrefetchTask)
}

// NewQueueManager creates a queue manager and loads persisted tasks
func NewQueueManager(storagePath string, executor TaskExecutor, logger zerolog.Logger) *QueueManager {
	qm := &QueueManager{
		tasks:       make(map[string]*PrefetchTask),
		storagePath: storagePath,
		executor:    executor,
		wake:        make(chan struct{}, 1),
		logger:      logger,
	}

	if err := qm.loadState(); err != nil {
		logger.Warn().Err(err).Msg("failed to load queue state")
	}

	return qm
}

// SetCallbacks sets event callbacks. Either may be nil.
func (qm *QueueManager) SetCallbacks(onQueueUpdate func(QueueStatus), onTaskComplete func(*PrefetchTask)) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.onQueueUpdate = onQueueUpdate
	qm.onTaskComplete = onTaskComplete
}

// getStoragePaths returns paths for queue storage
func (qm *QueueManager) getStoragePaths() (queueFile, tasksDir string) {
	return filepath.Join(qm.storagePath, "queue.json"), filepath.Join(qm.storagePath, "tasks")
}

// loadState loads the queue state from disk. A task left running by a
// previous process goes back to pending.
func (qm *QueueManager) loadState() error {
	queueFile, tasksDir := qm.getStoragePaths()

	if data, err := os.ReadFile(queueFile); err == nil {
		var state QueueState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to parse queue state: %w", err)
		}
		qm.taskOrder = state.TaskOrder
		qm.isPaused = state.IsPaused
	}

	entries, err := os.ReadDir(tasksDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read task directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		task, err := LoadFromFile(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			qm.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to load task")
			continue
		}
		if task.Status == TaskStatusRunning {
			task.Status = TaskStatusPending
		}
		qm.tasks[task.ID] = task
	}

	// Drop ids without a task file, then append tasks missing from the order
	qm.taskOrder = slices.DeleteFunc(qm.taskOrder, func(id string) bool {
		_, ok := qm.tasks[id]
		return !ok
	})
	for id := range qm.tasks {
		if !slices.Contains(qm.taskOrder, id) {
			qm.taskOrder = append(qm.taskOrder, id)
		}
	}

	qm.logger.Info().Int("tasks", len(qm.tasks)).Msg("loaded queue from disk")
	return nil
}

// saveState saves the queue state to disk. Callers hold qm.mu.
func (qm *QueueManager) saveState() error {
	queueFile, _ := qm.getStoragePaths()

	if err := os.MkdirAll(filepath.Dir(queueFile), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	data, err := json.MarshalIndent(QueueState{TaskOrder: qm.taskOrder, IsPaused: qm.isPaused}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	if err := os.WriteFile(queueFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	return nil
}

// saveTask saves a single task to disk and logs failures. Callers hold qm.mu.
func (qm *QueueManager) saveTask(task *PrefetchTask) {
	_, tasksDir := qm.getStoragePaths()
	if err := task.SaveToFile(tasksDir); err != nil {
		qm.logger.Warn().Err(err).Str("task", task.ID).Msg("failed to persist task")
	}
}

func (qm *QueueManager) signal() {
	select {
	case qm.wake <- struct{}{}:
	default:
	}
}

// AddTask adds a new task to the queue
func (qm *QueueManager) AddTask(task *PrefetchTask) error {
	qm.mu.Lock()
	if _, exists := qm.tasks[task.ID]; exists {
		qm.mu.Unlock()
		return fmt.Errorf("task %s already queued", task.ID)
	}

	_, tasksDir := qm.getStoragePaths()
	if err := task.SaveToFile(tasksDir); err != nil {
		qm.mu.Unlock()
		return err
	}
	qm.tasks[task.ID] = task
	qm.taskOrder = append(qm.taskOrder, task.ID)
	if err := qm.saveState(); err != nil {
		qm.logger.Warn().Err(err).Msg("failed to persist queue state")
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.signal()

	qm.logger.Info().Str("task", task.ID).Str("name", task.Name).Str("kind", task.Kind).Msg("added task")
	return nil
}

// GetTask returns a copy of a task by ID
func (qm *QueueManager) GetTask(id string) (*PrefetchTask, error) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	task, exists := qm.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.clone(), nil
}

// GetAllTasks returns copies of all tasks in order
func (qm *QueueManager) GetAllTasks() []*PrefetchTask {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	result := make([]*PrefetchTask, 0, len(qm.taskOrder))
	for _, id := range qm.taskOrder {
		if task, exists := qm.tasks[id]; exists {
			result = append(result, task.clone())
		}
	}
	return result
}

// DeleteTask removes a finished or pending task from the queue
func (qm *QueueManager) DeleteTask(id string) error {
	qm.mu.Lock()
	task, exists := qm.tasks[id]
	if !exists {
		qm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	// Can't delete running task
	if task.Status == TaskStatusRunning {
		qm.mu.Unlock()
		return fmt.Errorf("cannot delete running task - cancel it first")
	}

	qm.taskOrder = slices.DeleteFunc(qm.taskOrder, func(tid string) bool { return tid == id })
	delete(qm.tasks, id)

	_, tasksDir := qm.getStoragePaths()
	if err := task.DeleteFile(tasksDir); err != nil && !os.IsNotExist(err) {
		qm.logger.Warn().Err(err).Str("task", id).Msg("failed to delete task file")
	}
	if err := qm.saveState(); err != nil {
		qm.logger.Warn().Err(err).Msg("failed to persist queue state")
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.logger.Info().Str("task", id).Msg("deleted task")
	return nil
}

// CancelTask cancels a running or pending task
func (qm *QueueManager) CancelTask(id string) error {
	qm.mu.Lock()
	task, exists := qm.tasks[id]
	if !exists {
		qm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if task.Status.Finished() {
		qm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskFinished, id)
	}

	// The worker marks the running task cancelled once the executor returns
	if qm.currentTask != nil && qm.currentTask.ID == id {
		qm.cancelCurrent()
		qm.mu.Unlock()
		qm.logger.Info().Str("task", id).Msg("cancelling running task")
		return nil
	}

	task.MarkCancelled()
	qm.saveTask(task)
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.logger.Info().Str("task", id).Msg("cancelled task")
	return nil
}

// PauseQueue pauses the queue after the current task completes
func (qm *QueueManager) PauseQueue() {
	qm.mu.Lock()
	qm.isPaused = true
	if err := qm.saveState(); err != nil {
		qm.logger.Warn().Err(err).Msg("failed to persist queue state")
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.logger.Info().Msg("queue paused (will stop after current task)")
}

// ResumeQueue restarts processing of pending tasks
func (qm *QueueManager) ResumeQueue() {
	qm.mu.Lock()
	qm.isPaused = false
	if err := qm.saveState(); err != nil {
		qm.logger.Warn().Err(err).Msg("failed to persist queue state")
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.signal()
	qm.logger.Info().Msg("queue resumed")
}

// GetStatus returns the current queue status
func (qm *QueueManager) GetStatus() QueueStatus {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.statusLocked()
}

func (qm *QueueManager) statusLocked() QueueStatus {
	status := QueueStatus{
		IsPaused:   qm.isPaused,
		TotalTasks: len(qm.tasks),
	}
	for _, task := range qm.tasks {
		switch task.Status {
		case TaskStatusCompleted:
			status.CompletedTasks++
		case TaskStatusPending:
			status.PendingTasks++
		}
	}
	if qm.currentTask != nil {
		status.CurrentTaskID = qm.currentTask.ID
	}
	return status
}

// ClearCompleted removes all completed, failed and cancelled tasks
func (qm *QueueManager) ClearCompleted() int {
	qm.mu.Lock()
	_, tasksDir := qm.getStoragePaths()

	removed := 0
	qm.taskOrder = slices.DeleteFunc(qm.taskOrder, func(id string) bool {
		task := qm.tasks[id]
		if !task.Status.Finished() {
			return false
		}
		if err := task.DeleteFile(tasksDir); err != nil && !os.IsNotExist(err) {
			qm.logger.Warn().Err(err).Str("task", id).Msg("failed to delete task file")
		}
		delete(qm.tasks, id)
		removed++
		return true
	})
	if err := qm.saveState(); err != nil {
		qm.logger.Warn().Err(err).Msg("failed to persist queue state")
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.logger.Info().Int("removed", removed).Msg("cleared finished tasks")
	return removed
}

// emitQueueUpdate emits a queue update event
func (qm *QueueManager) emitQueueUpdate() {
	qm.mu.RLock()
	cb := qm.onQueueUpdate
	status := qm.statusLocked()
	qm.mu.RUnlock()

	if cb != nil {
		cb(status)
	}
}
