package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/downloads"
)

type fakeExecutor struct {
	mu    sync.Mutex
	order []string

	// started receives the id of every task as it begins
	started chan string
	fail    error
}

// ExecutePrefetchTask blocks tasks named "block" until they are cancelled
func (f *fakeExecutor) ExecutePrefetchTask(ctx context.Context, task *PrefetchTask, progress func(downloads.DownloadProgress)) (downloads.Summary, error) {
	f.mu.Lock()
	f.order = append(f.order, task.Name)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- task.ID
	}
	if task.Name == "block" {
		<-ctx.Done()
		return downloads.Summary{Total: 4, Fetched: 1}, ctx.Err()
	}
	if f.fail != nil {
		return downloads.Summary{}, f.fail
	}

	progress(downloads.DownloadProgress{Downloaded: 4, Total: 4, Percent: 100})
	return downloads.Summary{Total: 4, Fetched: 4}, nil
}

func (f *fakeExecutor) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func testRequest() downloads.Request {
	return downloads.Request{
		BoundingBox: downloads.BoundingBox{South: -80, West: -170, North: 80, East: 170},
		Zoom:        1,
	}
}

// serve runs the worker until the test ends
func serve(t *testing.T, qm *QueueManager) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		qm.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitStatus(t *testing.T, qm *QueueManager, id string, want TaskStatus) *PrefetchTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := qm.GetTask(id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestQueueRunsAndPersistsTasks(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{}
	qm := NewQueueManager(dir, exec, zerolog.Nop())

	var completed []*PrefetchTask
	var mu sync.Mutex
	qm.SetCallbacks(nil, func(task *PrefetchTask) {
		mu.Lock()
		completed = append(completed, task)
		mu.Unlock()
	})
	serve(t, qm)

	task := NewPrefetchTask("florida", "satellite", testRequest())
	if err := qm.AddTask(task); err != nil {
		t.Fatal(err)
	}
	done := waitStatus(t, qm, task.ID, TaskStatusCompleted)

	if done.Summary == nil || done.Summary.Fetched != 4 || done.Progress.Percent != 100 {
		t.Errorf("completed task = %+v", done)
	}
	mu.Lock()
	if len(completed) != 1 || completed[0].ID != task.ID {
		t.Errorf("completion callbacks = %d", len(completed))
	}
	mu.Unlock()

	reloaded := NewQueueManager(dir, exec, zerolog.Nop())
	got, err := reloaded.GetTask(task.ID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if got.Status != TaskStatusCompleted || got.Request.Zoom != 1 || got.Request.West != -170 {
		t.Errorf("reloaded task = %+v", got)
	}
}

func TestQueueRunsHigherPriorityFirst(t *testing.T) {
	exec := &fakeExecutor{}
	qm := NewQueueManager(t.TempDir(), exec, zerolog.Nop())
	qm.PauseQueue()
	serve(t, qm)

	low := NewPrefetchTask("low", "satellite", testRequest())
	high := NewPrefetchTask("high", "satellite", testRequest())
	high.Priority = 5
	qm.AddTask(low)
	qm.AddTask(high)

	if status := qm.GetStatus(); !status.IsPaused || status.PendingTasks != 2 {
		t.Fatalf("status while paused = %+v", status)
	}

	qm.ResumeQueue()
	waitStatus(t, qm, low.ID, TaskStatusCompleted)

	if names := exec.names(); len(names) != 2 || names[0] != "high" || names[1] != "low" {
		t.Errorf("execution order = %v", names)
	}
}

func TestQueueCancelRunningTask(t *testing.T) {
	exec := &fakeExecutor{started: make(chan string, 4)}
	qm := NewQueueManager(t.TempDir(), exec, zerolog.Nop())
	serve(t, qm)

	task := NewPrefetchTask("block", "satellite", testRequest())
	qm.AddTask(task)
	<-exec.started

	if err := qm.DeleteTask(task.ID); err == nil {
		t.Error("DeleteTask() removed a running task")
	}
	if status := qm.GetStatus(); status.CurrentTaskID != task.ID {
		t.Errorf("current task = %q", status.CurrentTaskID)
	}

	if err := qm.CancelTask(task.ID); err != nil {
		t.Fatal(err)
	}
	done := waitStatus(t, qm, task.ID, TaskStatusCancelled)
	if done.Summary == nil || done.Summary.Fetched != 1 {
		t.Errorf("cancelled task summary = %+v", done.Summary)
	}

	if err := qm.CancelTask(task.ID); err == nil {
		t.Error("CancelTask() accepted a finished task")
	}
}

func TestQueueCancelPendingTask(t *testing.T) {
	exec := &fakeExecutor{}
	qm := NewQueueManager(t.TempDir(), exec, zerolog.Nop())
	qm.PauseQueue()
	serve(t, qm)

	task := NewPrefetchTask("skipped", "satellite", testRequest())
	qm.AddTask(task)
	if err := qm.CancelTask(task.ID); err != nil {
		t.Fatal(err)
	}
	qm.ResumeQueue()

	other := NewPrefetchTask("after", "satellite", testRequest())
	qm.AddTask(other)
	waitStatus(t, qm, other.ID, TaskStatusCompleted)

	if names := exec.names(); len(names) != 1 || names[0] != "after" {
		t.Errorf("executed = %v, want only the uncancelled task", names)
	}
}

func TestQueueRecordsFailures(t *testing.T) {
	exec := &fakeExecutor{fail: errors.New("no such layer")}
	qm := NewQueueManager(t.TempDir(), exec, zerolog.Nop())
	serve(t, qm)

	task := NewPrefetchTask("broken", "terrain", testRequest())
	qm.AddTask(task)
	done := waitStatus(t, qm, task.ID, TaskStatusFailed)
	if done.Error != "no such layer" {
		t.Errorf("error = %q", done.Error)
	}

	if n := qm.ClearCompleted(); n != 1 {
		t.Errorf("ClearCompleted() = %d, want 1", n)
	}
	if _, err := qm.GetTask(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask() after clear error = %v", err)
	}
}

func TestQueueShutdownRequeuesRunningTask(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{started: make(chan string, 4)}
	qm := NewQueueManager(dir, exec, zerolog.Nop())
	stop := serve(t, qm)

	task := NewPrefetchTask("block", "satellite", testRequest())
	qm.AddTask(task)
	<-exec.started
	stop()

	waitStatus(t, qm, task.ID, TaskStatusPending)

	reloaded := NewQueueManager(dir, exec, zerolog.Nop())
	if got, _ := reloaded.GetTask(task.ID); got == nil || got.Status != TaskStatusPending {
		t.Errorf("reloaded task = %+v, want pending", got)
	}
	if status := reloaded.GetStatus(); status.PendingTasks != 1 {
		t.Errorf("reloaded status = %+v", status)
	}
}

func TestLoadStateResetsRunningTasks(t *testing.T) {
	dir := t.TempDir()
	_, tasksDir := (&QueueManager{storagePath: dir}).getStoragePaths()

	task := NewPrefetchTask("interrupted", "weather", testRequest())
	task.MarkStarted()
	if err := task.SaveToFile(tasksDir); err != nil {
		t.Fatal(err)
	}

	qm := NewQueueManager(dir, nil, zerolog.Nop())
	tasks := qm.GetAllTasks()
	if len(tasks) != 1 || tasks[0].Status != TaskStatusPending {
		t.Fatalf("tasks = %+v", tasks)
	}

	// No executor: the task fails instead of hanging
	serve(t, qm)
	qm.ResumeQueue()
	if done := waitStatus(t, qm, task.ID, TaskStatusFailed); done.Error != errNoExecutor.Error() {
		t.Errorf("error = %q", done.Error)
	}
}
