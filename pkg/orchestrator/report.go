package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/retry"
	"github.com/droverhq/drover/pkg/schedule"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// ReportCompletion records a successful execution. A second report on an
// already-completed task is a no-op.
func (o *Orchestrator) ReportCompletion(taskID string, output map[string]any) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == types.TaskStatusCompleted {
		return nil
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s, completion report rejected", taskID, task.Status)
	}

	// Workers report completion straight from Assigned when the run was
	// short; walk through Running so observers see a legal path.
	if task.Status == types.TaskStatusAssigned {
		if task, err = o.store.UpdateStatus(taskID, types.TaskStatusRunning, nil); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}
	worker := task.AssignedWorker

	task, err = o.store.UpdateStatus(taskID, types.TaskStatusCompleted, func(t *types.Task) {
		t.Output = output
		t.ActualDur = duration
		t.Error = ""
		t.ErrorTag = ""
	})
	if err != nil {
		return err
	}

	o.settleExecution(task, worker, duration, true, "")
	metrics.TasksCompleted.Inc()

	o.publishContextUpdate(task)
	o.cascadeDependents(taskID)
	o.rescheduleRecurring(task, now)
	o.finishWorkflowIfDone(task.WorkflowID)

	o.logger.Info().
		Str("task_id", taskID).
		Str("worker_id", worker).
		Dur("duration", duration).
		Msg("task completed")
	return nil
}

// ReportFailure records a failed execution and routes it through the retry
// pipeline: eligible failures go back on the queue at the computed
// next-attempt time, the rest go terminal and into the dead-letter queue.
func (o *Orchestrator) ReportFailure(taskID string, tag types.ErrorTag, message string, retryRecommended *bool) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	if task.Status == types.TaskStatusAssigned {
		if task, err = o.store.UpdateStatus(taskID, types.TaskStatusRunning, nil); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}
	worker := task.AssignedWorker
	o.settleExecution(task, worker, duration, false, message)

	cfg := retryConfig(task)
	if retry.Eligible(cfg, task.RetryCount, tag, retryRecommended) {
		return o.scheduleRetry(task, cfg, tag, message, now)
	}
	return o.failTerminally(task, tag, message)
}

// scheduleRetry moves a task through Retrying back to Queued with ready-at
// set to the next-attempt time.
func (o *Orchestrator) scheduleRetry(task *types.Task, cfg types.RetryConfig, tag types.ErrorTag, message string, now time.Time) error {
	updated, err := o.store.UpdateStatus(task.ID, types.TaskStatusRetrying, func(t *types.Task) {
		t.RetryCount++
		t.Error = message
		t.ErrorTag = tag
	})
	if err != nil {
		return err
	}

	nextAt := retry.NextAttempt(cfg, updated.RetryCount, now)
	if _, err := o.store.UpdateStatus(task.ID, types.TaskStatusQueued, nil); err != nil {
		return err
	}
	if err := o.store.Enqueue(task.ID, task.Priority, nextAt); err != nil {
		return err
	}

	metrics.TasksRetried.Inc()
	o.logger.Info().
		Str("task_id", task.ID).
		Str("error_tag", string(tag)).
		Int("attempt", updated.RetryCount).
		Time("next_attempt", nextAt).
		Msg("task scheduled for retry")
	return nil
}

// failTerminally marks a task Failed, parks it in the dead-letter queue and
// cancels its dependents.
func (o *Orchestrator) failTerminally(task *types.Task, tag types.ErrorTag, message string) error {
	updated, err := o.store.UpdateStatus(task.ID, types.TaskStatusFailed, func(t *types.Task) {
		t.Error = message
		t.ErrorTag = tag
	})
	if err != nil {
		return err
	}
	if err := o.store.MoveToDeadLetter(updated); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("dead-letter move failed")
	}

	metrics.TasksFailed.Inc()
	o.logger.Warn().
		Str("task_id", task.ID).
		Str("error_tag", string(tag)).
		Str("error", message).
		Msg("task failed terminally")

	o.cascadeDependents(task.ID)
	o.finishWorkflowIfDone(task.WorkflowID)
	return nil
}

// settleExecution releases worker capacity, closes the resource marker,
// clears any pending cancel, and appends the run to the history ring.
func (o *Orchestrator) settleExecution(task *types.Task, worker string, duration time.Duration, success bool, errMsg string) {
	if worker != "" {
		o.registry.Release(worker, task.ID)
		o.registry.RecordCompletion(worker, duration, success)
	}
	o.monitor.MarkTaskEnd(task.ID)
	o.clearPendingCancel(task.ID)

	// History is keyed by correlation id so every run of a recurring task
	// lands in the same ring.
	rec := types.ExecutionRecord{
		TaskID:   correlationOf(task),
		Duration: duration,
		Success:  success,
		Error:    errMsg,
	}
	if task.StartedAt != nil {
		rec.StartedAt = *task.StartedAt
	}
	if err := o.store.AppendExecution(rec); err != nil {
		o.logger.Debug().Err(err).Str("task_id", task.ID).Msg("history append failed")
	}
}

// cascadeDependents re-evaluates every task waiting on the given id. All
// dependencies Completed unblocks a dependent; a Failed or Cancelled
// dependency cancels it with dependency_failed so retries are never
// attempted against unrunnable work.
func (o *Orchestrator) cascadeDependents(depID string) {
	waiting, err := o.store.ListTasksByStatus(types.TaskStatusWaitingDeps)
	if err != nil {
		o.logger.Error().Err(err).Msg("dependent scan failed")
		return
	}

	for _, t := range waiting {
		if !dependsOn(t, depID) {
			continue
		}
		blocked, failedDep, err := o.checkDependencies(t)
		if err != nil {
			o.logger.Error().Err(err).Str("task_id", t.ID).Msg("dependency re-evaluation failed")
			continue
		}
		switch {
		case failedDep != "":
			if _, err := o.store.UpdateStatus(t.ID, types.TaskStatusCancelled, func(task *types.Task) {
				task.ErrorTag = types.ErrTagDependencyFailed
				task.Error = fmt.Sprintf("dependency %s did not complete", failedDep)
			}); err != nil {
				o.logger.Error().Err(err).Str("task_id", t.ID).Msg("dependency cascade failed")
				continue
			}
			o.logger.Info().Str("task_id", t.ID).Str("dependency", failedDep).Msg("task cancelled by failed dependency")
			// A cascade can unblock or cancel the next layer.
			o.cascadeDependents(t.ID)
			o.finishWorkflowIfDone(t.WorkflowID)
		case !blocked:
			if _, err := o.store.UpdateStatus(t.ID, types.TaskStatusPending, nil); err != nil {
				o.logger.Error().Err(err).Str("task_id", t.ID).Msg("dependency unblock failed")
				continue
			}
			if err := o.enqueue(t.ID, t.Priority, time.Now()); err != nil {
				o.logger.Error().Err(err).Str("task_id", t.ID).Msg("dependency unblock enqueue failed")
			}
		}
	}
}

func dependsOn(task *types.Task, depID string) bool {
	for _, d := range task.DependsOn {
		if d == depID {
			return true
		}
	}
	return false
}

// rescheduleRecurring spawns the successor run of a recurring task. The
// completed record stays terminal; the next run is a fresh task sharing the
// correlation id, queued at the planner's next-run time.
func (o *Orchestrator) rescheduleRecurring(task *types.Task, now time.Time) {
	if task.Schedule == nil {
		return
	}

	history, err := o.store.ListExecutions(correlationOf(task))
	if err != nil {
		o.logger.Debug().Err(err).Str("task_id", task.ID).Msg("history read failed, planning without it")
	}
	nextAt := schedule.NextRun(task.Schedule, now, history, o.cfg.DefaultTZ)

	next := &types.Task{
		ID:             uuid.New().String(),
		Kind:           task.Kind,
		Priority:       task.Priority,
		TargetWorker:   task.TargetWorker,
		TenantID:       task.TenantID,
		SubmitterID:    task.SubmitterID,
		Payload:        task.Payload,
		Config:         task.Config,
		Status:         types.TaskStatusPending,
		CreatedAt:      now,
		CorrelationID:  correlationOf(task),
		MaxRetries:     task.MaxRetries,
		Retry:          task.Retry,
		Schedule:       task.Schedule,
		TimeoutSeconds: task.TimeoutSeconds,
		ScheduledAt:    &nextAt,
	}
	if err := o.store.CreateTask(next); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("recurring successor create failed")
		return
	}
	if err := o.enqueue(next.ID, next.Priority, nextAt); err != nil {
		o.logger.Error().Err(err).Str("task_id", next.ID).Msg("recurring successor enqueue failed")
		return
	}
	o.logger.Info().
		Str("task_id", task.ID).
		Str("next_task_id", next.ID).
		Time("next_run", nextAt).
		Msg("recurring task rescheduled")
}

// correlationOf threads one correlation id through every run of a recurring
// task so its history can be followed.
func correlationOf(task *types.Task) string {
	if task.CorrelationID != "" {
		return task.CorrelationID
	}
	return task.ID
}

// publishContextUpdate shares a completion with the fleet. An empty fleet
// makes this a no-op.
func (o *Orchestrator) publishContextUpdate(task *types.Task) {
	msg := &types.Message{
		Sender:    "core",
		Recipient: "broadcast",
		Type:      types.MsgContextUpdate,
		Priority:  types.MsgPriorityLow,
		Payload: map[string]any{
			"task_id":     task.ID,
			"kind":        string(task.Kind),
			"workflow_id": task.WorkflowID,
			"status":      string(task.Status),
		},
		CorrelationID: task.CorrelationID,
	}
	if err := o.hub.Send(context.Background(), msg); err != nil {
		o.logger.Debug().Err(err).Str("task_id", task.ID).Msg("context update publish failed")
	}
}

// retryConfig resolves a task's retry policy, falling back to the default
// with the task's own attempt budget.
func retryConfig(task *types.Task) types.RetryConfig {
	if task.Retry != nil {
		cfg := *task.Retry
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = task.MaxRetries
		}
		return cfg
	}
	cfg := retry.DefaultConfig()
	if task.MaxRetries > 0 {
		cfg.MaxAttempts = task.MaxRetries
	}
	return cfg
}

// RequeueDeadLetters re-admits dead-lettered tasks younger than maxAge.
func (o *Orchestrator) RequeueDeadLetters(maxAge time.Duration) ([]string, error) {
	ids, err := o.store.RequeueFromDeadLetter(maxAge, time.Now())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	for _, id := range ids {
		// The store re-admits as Pending; finish the move so the dispatcher
		// does not treat the queue entry as stale.
		if _, err := o.store.UpdateStatus(id, types.TaskStatusQueued, nil); err != nil {
			o.logger.Warn().Err(err).Str("task_id", id).Msg("requeued task transition failed")
			continue
		}
		o.logger.Info().Str("task_id", id).Msg("task requeued from dead-letter queue")
	}
	return ids, nil
}
