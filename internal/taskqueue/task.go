package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"flightmap-desktop/internal/downloads"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Finished reports whether the task reached a terminal status
func (s TaskStatus) Finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// PrefetchTask is one queued cache warming job
type PrefetchTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`  // Higher = more urgent (default 0)
	CreatedAt   string     `json:"createdAt"` // ISO 8601 format
	StartedAt   string     `json:"startedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`

	// Kind is the imagery layer to warm, "satellite" or "weather"
	Kind    string            `json:"kind"`
	Request downloads.Request `json:"request"`

	Progress downloads.DownloadProgress `json:"progress"`
	Summary  *downloads.Summary         `json:"summary,omitempty"`

	// Error message if failed
	Error string `json:"error,omitempty"`
}

// NewPrefetchTask creates a pending task
func NewPrefetchTask(name, kind string, req downloads.Request) *PrefetchTask {
	return &PrefetchTask{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().Format(time.RFC3339),
		Kind:      kind,
		Request:   req,
	}
}

// SaveToFile persists the task to <dir>/<id>.json
func (t *PrefetchTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	path := filepath.Join(dir, t.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write task file: %w", err)
	}
	return nil
}

// LoadFromFile loads a task from a JSON file
func LoadFromFile(path string) (*PrefetchTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task PrefetchTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("task file %s has no id", filepath.Base(path))
	}

	return &task, nil
}

// DeleteFile removes the task file from disk
func (t *PrefetchTask) DeleteFile(dir string) error {
	return os.Remove(filepath.Join(dir, t.ID+".json"))
}

// MarkStarted marks the task as started
func (t *PrefetchTask) MarkStarted() {
	t.StartedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusRunning
	t.Error = ""
}

// MarkCompleted marks the task as completed
func (t *PrefetchTask) MarkCompleted(summary downloads.Summary) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCompleted
	t.Summary = &summary
	t.Progress.Percent = 100
}

// MarkFailed marks the task as failed with an error
func (t *PrefetchTask) MarkFailed(err error) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}

// MarkCancelled marks the task as cancelled
func (t *PrefetchTask) MarkCancelled() {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCancelled
}

// clone returns a copy safe to hand out of the queue lock
func (t *PrefetchTask) clone() *PrefetchTask {
	c := *t
	if t.Summary != nil {
		s := *t.Summary
		c.Summary = &s
	}
	return &c
}
