package taskqueue

import (
	"context"
	"errors"

	"flightmap-desktop/internal/downloads"
)

var errNoExecutor = errors.New("no executor configured")

// Serve runs pending tasks until ctx is done. It implements suture.Service.
func (qm *QueueManager) Serve(ctx context.Context) error {
	qm.logger.Info().Msg("queue worker started")
	defer qm.logger.Info().Msg("queue worker stopped")

	for {
		for qm.runNext(ctx) {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-qm.wake:
		}
	}
}

func (qm *QueueManager) String() string {
	return "prefetch-queue"
}

// nextTaskLocked picks the pending task with the highest priority, earliest queued on ties
func (qm *QueueManager) nextTaskLocked() *PrefetchTask {
	var next *PrefetchTask
	for _, id := range qm.taskOrder {
		task := qm.tasks[id]
		if task.Status != TaskStatusPending {
			continue
		}
		if next == nil || task.Priority > next.Priority {
			next = task
		}
	}
	return next
}

// runNext executes one task. It returns false when the queue is paused or empty.
func (qm *QueueManager) runNext(ctx context.Context) bool {
	qm.mu.Lock()
	if qm.isPaused {
		qm.mu.Unlock()
		return false
	}
	task := qm.nextTaskLocked()
	if task == nil {
		qm.mu.Unlock()
		return false
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	qm.currentTask = task
	qm.cancelCurrent = cancel
	task.MarkStarted()
	qm.saveTask(task)
	snapshot := task.clone()
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	logger := qm.logger.With().Str("task", task.ID).Str("name", task.Name).Logger()
	logger.Info().Msg("executing task")

	progress := func(dp downloads.DownloadProgress) {
		qm.mu.Lock()
		task.Progress = dp
		qm.mu.Unlock()
	}

	var summary downloads.Summary
	err := errNoExecutor
	if qm.executor != nil {
		summary, err = qm.executor.ExecutePrefetchTask(taskCtx, snapshot, progress)
	}

	qm.mu.Lock()
	switch {
	case err == nil:
		task.MarkCompleted(summary)
		logger.Info().Int("fetched", summary.Fetched).Int("failed", summary.Failed).Msg("task completed")
	case ctx.Err() != nil:
		// Shutting down: run it again on next start
		task.Status = TaskStatusPending
		task.StartedAt = ""
	case taskCtx.Err() != nil:
		task.MarkCancelled()
		task.Summary = &summary
		logger.Info().Msg("task cancelled")
	default:
		task.MarkFailed(err)
		logger.Warn().Err(err).Msg("task failed")
	}
	qm.saveTask(task)
	qm.currentTask = nil
	qm.cancelCurrent = nil
	onComplete := qm.onTaskComplete
	done := task.clone()
	qm.mu.Unlock()

	if onComplete != nil && done.Status.Finished() {
		onComplete(done)
	}
	qm.emitQueueUpdate()
	return true
}
