package orchestrator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/retry"
	"github.com/droverhq/drover/pkg/schedule"
	"github.com/droverhq/drover/pkg/types"
)

const (
	sweepTick       = 5 * time.Second
	maintenanceTick = time.Minute
	hourlyEvery     = 60 // maintenance ticks per hourly pass
)

// runSweeper drives the time-sensitive recovery paths: execution timeouts,
// cancel grace windows, and workflow timeouts.
func (o *Orchestrator) runSweeper() {
	defer o.wg.Done()

	ticker := time.NewTicker(sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			o.sweepExecutionTimeouts(now)
			o.sweepCancelGraces(now)
			o.sweepWorkflowTimeouts(now)
		case <-o.stopCh:
			return
		}
	}
}

// runMaintenance refreshes gauges every minute and runs retention pruning
// and adaptive-schedule recomputation hourly.
func (o *Orchestrator) runMaintenance() {
	defer o.wg.Done()

	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			o.refreshGauges()
			ticks++
			if ticks%hourlyEvery == 0 {
				now := time.Now()
				o.pruneRetention(now)
				o.recomputeAdaptiveSchedules(now)
			}
		case <-o.stopCh:
			return
		}
	}
}

// sweepExecutionTimeouts finds tasks a worker has held past their execution
// timeout, marks them Timeout, and routes them through the retry pipeline
// like any other transient failure.
func (o *Orchestrator) sweepExecutionTimeouts(now time.Time) {
	for _, status := range []types.TaskStatus{types.TaskStatusAssigned, types.TaskStatusRunning} {
		tasks, err := o.store.ListTasksByStatus(status)
		if err != nil {
			o.logger.Error().Err(err).Msg("timeout sweep scan failed")
			return
		}
		for _, task := range tasks {
			if task.StartedAt == nil {
				continue
			}
			timeout := time.Duration(task.TimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = o.cfg.DefaultTaskTimeout
			}
			if now.Before(task.StartedAt.Add(timeout)) {
				continue
			}
			o.timeoutTask(task, now)
		}
	}
}

func (o *Orchestrator) timeoutTask(task *types.Task, now time.Time) {
	worker := task.AssignedWorker
	updated, err := o.store.UpdateStatus(task.ID, types.TaskStatusTimeout, nil)
	if err != nil {
		o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("timeout transition failed")
		return
	}
	metrics.TasksTimedOut.Inc()
	o.logger.Warn().
		Str("task_id", task.ID).
		Str("worker_id", worker).
		Msg("task execution timed out")

	duration := now.Sub(*task.StartedAt)
	o.settleExecution(updated, worker, duration, false, "execution timeout")

	cfg := retryConfig(updated)
	if retry.Eligible(cfg, updated.RetryCount, types.ErrTagTimeout, nil) {
		if err := o.scheduleRetry(updated, cfg, types.ErrTagTimeout, "execution timeout", now); err != nil {
			o.logger.Error().Err(err).Str("task_id", task.ID).Msg("timeout retry scheduling failed")
		}
		return
	}
	if err := o.failTerminally(updated, types.ErrTagTimeout, "execution timeout, retries exhausted"); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("timeout terminal transition failed")
	}
}

// sweepCancelGraces forces cancellation on tasks whose worker never
// acknowledged a CancelRequest inside the grace window.
func (o *Orchestrator) sweepCancelGraces(now time.Time) {
	var due []string
	o.cancelMu.Lock()
	for id, deadline := range o.pendingCancels {
		if !now.Before(deadline) {
			due = append(due, id)
			delete(o.pendingCancels, id)
		}
	}
	o.cancelMu.Unlock()

	for _, id := range due {
		o.forceCancel(id)
	}
}

// sweepWorkflowTimeouts anchors each running workflow's clock at its first
// task start and cancels the whole workflow when the budget lapses.
func (o *Orchestrator) sweepWorkflowTimeouts(now time.Time) {
	wfs, err := o.store.ListWorkflows()
	if err != nil {
		o.logger.Error().Err(err).Msg("workflow sweep scan failed")
		return
	}

	for _, wf := range wfs {
		if wf.Status != types.WorkflowRunning || wf.Definition.Timeout <= 0 {
			continue
		}
		if wf.StartedAt == nil {
			if started := o.earliestTaskStart(wf); started != nil {
				wf.StartedAt = started
				if err := o.store.PutWorkflow(wf); err != nil {
					o.logger.Debug().Err(err).Str("workflow_id", wf.ID).Msg("workflow start anchor persist failed")
				}
			}
			continue
		}
		if now.Before(wf.StartedAt.Add(wf.Definition.Timeout)) {
			continue
		}
		o.expireWorkflow(wf, now)
	}
}

func (o *Orchestrator) earliestTaskStart(wf *types.Workflow) *time.Time {
	var earliest *time.Time
	for _, id := range wf.TaskIDs {
		t, err := o.store.GetTask(id)
		if err != nil || t.StartedAt == nil {
			continue
		}
		if earliest == nil || t.StartedAt.Before(*earliest) {
			earliest = t.StartedAt
		}
	}
	return earliest
}

// expireWorkflow cancels every non-terminal task of a timed-out workflow
// and closes the record as Failed.
func (o *Orchestrator) expireWorkflow(wf *types.Workflow, now time.Time) {
	o.logger.Warn().
		Str("workflow_id", wf.ID).
		Dur("timeout", wf.Definition.Timeout).
		Msg("workflow timed out, cancelling remaining tasks")

	for _, id := range wf.TaskIDs {
		t, err := o.store.GetTask(id)
		if err != nil || t.Status.IsTerminal() {
			continue
		}
		worker := t.AssignedWorker
		if err := o.store.Dequeue(id); err != nil {
			o.logger.Debug().Err(err).Str("task_id", id).Msg("dequeue during workflow expiry")
		}
		if _, err := o.store.UpdateStatus(id, types.TaskStatusCancelled, func(task *types.Task) {
			task.Error = fmt.Sprintf("workflow %s timed out", wf.ID)
		}); err != nil {
			o.logger.Warn().Err(err).Str("task_id", id).Msg("workflow expiry cancel failed")
			continue
		}
		if worker != "" {
			o.registry.Release(worker, id)
		}
		o.monitor.MarkTaskEnd(id)
		o.clearPendingCancel(id)
	}

	wf.Status = types.WorkflowFailed
	wf.FinishedAt = &now
	if err := o.store.PutWorkflow(wf); err != nil {
		o.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("workflow expiry persist failed")
	}
}

// pruneRetention drops terminal tasks and dead letters past their retention
// windows.
func (o *Orchestrator) pruneRetention(now time.Time) {
	if n, err := o.store.PruneTerminal(o.cfg.TerminalRetention, now); err != nil {
		o.logger.Error().Err(err).Msg("terminal task pruning failed")
	} else if n > 0 {
		o.logger.Info().Int("pruned", n).Msg("terminal tasks pruned")
	}
	if n, err := o.store.PruneDeadLetter(o.cfg.DeadLetterRetention, now); err != nil {
		o.logger.Error().Err(err).Msg("dead-letter pruning failed")
	} else if n > 0 {
		o.logger.Info().Int("pruned", n).Msg("dead letters pruned")
	}
}

// recomputeAdaptiveSchedules re-plans queued adaptive tasks against their
// latest execution history. Enqueue on an existing id moves the entry.
func (o *Orchestrator) recomputeAdaptiveSchedules(now time.Time) {
	tasks, err := o.store.ListTasksByStatus(types.TaskStatusQueued)
	if err != nil {
		o.logger.Error().Err(err).Msg("adaptive recompute scan failed")
		return
	}
	for _, task := range tasks {
		if task.Schedule == nil || task.Schedule.Kind != types.ScheduleAdaptive {
			continue
		}
		history, err := o.store.ListExecutions(correlationOf(task))
		if err != nil {
			continue
		}
		nextAt := schedule.NextRun(task.Schedule, now, history, o.cfg.DefaultTZ)
		if err := o.store.Enqueue(task.ID, task.Priority, nextAt); err != nil {
			o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("adaptive re-enqueue failed")
		}
	}
}

// refreshGauges recounts the status and queue gauges.
func (o *Orchestrator) refreshGauges() {
	tasks, err := o.store.ListTasks()
	if err != nil {
		return
	}
	counts := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	for _, status := range []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusQueued, types.TaskStatusAssigned,
		types.TaskStatusWaitingDeps, types.TaskStatusRunning, types.TaskStatusCompleted,
		types.TaskStatusFailed, types.TaskStatusRetrying, types.TaskStatusCancelled,
		types.TaskStatusTimeout,
	} {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for _, prio := range types.Priorities {
		if depth, err := o.store.QueueDepth(prio); err == nil {
			metrics.QueueDepth.WithLabelValues(strconv.Itoa(int(prio))).Set(float64(depth))
		}
	}
	if letters, err := o.store.ListDeadLetter(); err == nil {
		metrics.DeadLetterDepth.Set(float64(len(letters)))
	}
}
