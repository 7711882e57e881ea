package main

import (
	"context"
	"fmt"

	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/taskqueue"
	"flightmap-desktop/internal/tile"
)

// maxZoom returns the deepest zoom the provider of kind serves
func (a *App) maxZoom(kind tile.Kind) uint32 {
	switch kind {
	case tile.Satellite:
		return a.cfg.Satellite.MaxZoom
	case tile.Weather:
		return a.cfg.Weather.MaxZoom
	}
	return tile.MaxZoom
}

// ExecutePrefetchTask runs one queued prefetch through the pipeline of its layer
func (a *App) ExecutePrefetchTask(ctx context.Context, task *taskqueue.PrefetchTask, progress func(downloads.DownloadProgress)) (downloads.Summary, error) {
	kind, err := tile.ParseKind(task.Kind)
	if err != nil {
		return downloads.Summary{}, err
	}
	p := a.pipelines.Get(kind)
	if p == nil {
		return downloads.Summary{}, fmt.Errorf("%s imagery is disabled", kind)
	}
	return a.prefetcher.RunWithProgress(ctx, p, task.Request, a.maxZoom(kind), progress)
}

func (a *App) onTaskComplete(task *taskqueue.PrefetchTask) {
	ev := a.logger.Info()
	if task.Status == taskqueue.TaskStatusFailed {
		ev = a.logger.Warn().Str("error", task.Error)
	}
	ev.Str("task", task.ID).Str("name", task.Name).Str("status", string(task.Status)).Msg("prefetch task finished")
}

// Prefetch Queue Functions

// QueuePrefetch validates a prefetch and adds it to the queue
func (a *App) QueuePrefetch(name, kind string, bbox downloads.BoundingBox, zoom uint32, priority int) (*taskqueue.PrefetchTask, error) {
	k, err := tile.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if a.pipelines.Get(k) == nil {
		return nil, fmt.Errorf("%s imagery is disabled", k)
	}

	req := downloads.Request{BoundingBox: bbox, Zoom: zoom}
	ids, err := a.prefetcher.Plan(req, a.maxZoom(k))
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = fmt.Sprintf("%s z%d (%d tiles)", k, zoom, len(ids))
	}
	task := taskqueue.NewPrefetchTask(name, k.String(), req)
	task.Priority = priority
	task.Progress.Total = len(ids)

	if err := a.queue.AddTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetQueueStatus returns the prefetch queue status
func (a *App) GetQueueStatus() taskqueue.QueueStatus {
	return a.queue.GetStatus()
}

// GetQueueTasks returns every queued task in order
func (a *App) GetQueueTasks() []*taskqueue.PrefetchTask {
	return a.queue.GetAllTasks()
}

// GetPrefetchTask returns one queued task
func (a *App) GetPrefetchTask(id string) (*taskqueue.PrefetchTask, error) {
	return a.queue.GetTask(id)
}

// CancelPrefetch cancels a pending or running task
func (a *App) CancelPrefetch(id string) error {
	return a.queue.CancelTask(id)
}

// PauseQueue stops the queue after the current task
func (a *App) PauseQueue() {
	a.queue.PauseQueue()
}

// ResumeQueue resumes the queue
func (a *App) ResumeQueue() {
	a.queue.ResumeQueue()
}

// ClearCompletedTasks removes finished tasks from the queue
func (a *App) ClearCompletedTasks() int {
	return a.queue.ClearCompleted()
}
