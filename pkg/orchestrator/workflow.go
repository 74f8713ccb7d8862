package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/hub"
	"github.com/droverhq/drover/pkg/types"
)

// ErrInvalidWorkflow is returned when a workflow definition fails validation.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// SubmitWorkflow expands a workflow definition into concrete tasks and
// submits them. Expansion happens exactly once: task ids are derived from
// the workflow id and template ids, so re-expanding the same definition
// yields the same id set. Root tasks are enqueued once coordination (when
// participants are declared) succeeds; dependent tasks wait on their
// prerequisites.
func (o *Orchestrator) SubmitWorkflow(def *types.WorkflowDefinition) (*types.Workflow, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	wf := &types.Workflow{
		ID:         def.ID,
		Definition: *def,
		Status:     types.WorkflowPending,
		CreatedAt:  time.Now().UTC(),
	}

	tasks := expand(def)
	for _, t := range tasks {
		wf.TaskIDs = append(wf.TaskIDs, t.ID)
	}
	if err := o.store.CreateWorkflow(wf); err != nil {
		return nil, err
	}

	// Persist every task before queueing any, so dependency lookups always
	// resolve. Tasks enter WaitingDeps when they have prerequisites.
	for _, t := range tasks {
		if err := o.store.CreateTask(t); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", def.ID, err)
		}
		if len(t.DependsOn) > 0 {
			if _, err := o.store.UpdateStatus(t.ID, types.TaskStatusWaitingDeps, nil); err != nil {
				return nil, err
			}
		}
	}

	if len(def.Participants) > 0 {
		// Coordinated start: the roots stay Pending until every participant
		// reports ready.
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.coordinateAndRelease(wf, tasks)
		}()
		return wf, nil
	}

	if err := o.releaseRoots(wf, tasks); err != nil {
		return nil, err
	}
	return wf, nil
}

// coordinateAndRelease runs the two-phase agreement and either queues the
// workflow's root tasks or cancels the whole expansion.
func (o *Orchestrator) coordinateAndRelease(wf *types.Workflow, tasks []*types.Task) {
	result := o.coord.Coordinate(context.Background(), wf.ID, wf.Definition.Participants)
	if result.Outcome == hub.OutcomeCoordinated {
		if err := o.releaseRoots(wf, tasks); err != nil {
			o.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("root release failed after coordination")
		}
		return
	}

	o.logger.Warn().
		Str("workflow_id", wf.ID).
		Str("outcome", string(result.Outcome)).
		Msg("workflow coordination did not succeed, cancelling tasks")
	for _, t := range tasks {
		if _, err := o.store.UpdateStatus(t.ID, types.TaskStatusCancelled, func(task *types.Task) {
			task.Error = fmt.Sprintf("workflow coordination %s", result.Outcome)
		}); err != nil {
			o.logger.Error().Err(err).Str("task_id", t.ID).Msg("coordination cancel failed")
		}
	}
	o.setWorkflowStatus(wf.ID, types.WorkflowFailed)
}

// releaseRoots queues every task with no dependencies and marks the
// workflow running.
func (o *Orchestrator) releaseRoots(wf *types.Workflow, tasks []*types.Task) error {
	for _, t := range tasks {
		if len(t.DependsOn) > 0 {
			continue
		}
		if err := o.enqueue(t.ID, t.Priority, time.Now()); err != nil {
			return err
		}
	}
	o.setWorkflowStatus(wf.ID, types.WorkflowRunning)
	return nil
}

// validateDefinition checks templates, dependency references, and parallel
// groups. Tasks in the same parallel group must not depend on one another.
func validateDefinition(def *types.WorkflowDefinition) error {
	if len(def.Templates) == 0 {
		return fmt.Errorf("%w: no templates", ErrInvalidWorkflow)
	}
	if def.TenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidWorkflow)
	}

	templates := make(map[string]bool, len(def.Templates))
	for _, tpl := range def.Templates {
		if tpl.TemplateID == "" {
			return fmt.Errorf("%w: template without id", ErrInvalidWorkflow)
		}
		if templates[tpl.TemplateID] {
			return fmt.Errorf("%w: duplicate template id %q", ErrInvalidWorkflow, tpl.TemplateID)
		}
		if !types.ValidTaskKind(tpl.Kind) {
			return fmt.Errorf("%w: template %s has unknown kind %q", ErrInvalidWorkflow, tpl.TemplateID, tpl.Kind)
		}
		templates[tpl.TemplateID] = true
	}

	for id, deps := range def.Dependencies {
		if !templates[id] {
			return fmt.Errorf("%w: dependency entry for unknown template %q", ErrInvalidWorkflow, id)
		}
		for _, dep := range deps {
			if !templates[dep] {
				return fmt.Errorf("%w: template %s depends on unknown template %q", ErrInvalidWorkflow, id, dep)
			}
			if dep == id {
				return fmt.Errorf("%w: template %s depends on itself", ErrInvalidWorkflow, id)
			}
		}
	}

	for _, group := range def.ParallelGroups {
		inGroup := make(map[string]bool, len(group))
		for _, id := range group {
			if !templates[id] {
				return fmt.Errorf("%w: parallel group references unknown template %q", ErrInvalidWorkflow, id)
			}
			inGroup[id] = true
		}
		for _, id := range group {
			for _, dep := range def.Dependencies[id] {
				if inGroup[dep] {
					return fmt.Errorf("%w: templates %s and %s are in the same parallel group but depend on each other", ErrInvalidWorkflow, id, dep)
				}
			}
		}
	}
	return nil
}

// expand turns templates into concrete tasks with deterministic ids and
// dependencies translated from template ids to task ids.
func expand(def *types.WorkflowDefinition) []*types.Task {
	now := time.Now().UTC()
	tasks := make([]*types.Task, 0, len(def.Templates))
	for _, tpl := range def.Templates {
		prio := tpl.Priority
		if prio == 0 {
			prio = types.PriorityNormal
		}
		maxRetries := tpl.MaxRetries
		if maxRetries == 0 {
			maxRetries = 3
		}
		retryCfg := tpl.Retry
		if retryCfg == nil {
			retryCfg = def.Retry
		}

		deps := make([]string, 0, len(def.Dependencies[tpl.TemplateID]))
		for _, dep := range def.Dependencies[tpl.TemplateID] {
			deps = append(deps, workflowTaskID(def.ID, dep))
		}

		tasks = append(tasks, &types.Task{
			ID:            workflowTaskID(def.ID, tpl.TemplateID),
			Kind:          tpl.Kind,
			Priority:      prio,
			TargetWorker:  tpl.TargetWorker,
			TenantID:      def.TenantID,
			SubmitterID:   def.SubmitterID,
			Payload:       tpl.Payload,
			Config:        tpl.Config,
			DependsOn:     deps,
			Status:        types.TaskStatusPending,
			CreatedAt:     now,
			CorrelationID: def.ID,
			WorkflowID:    def.ID,
			MaxRetries:    maxRetries,
			Retry:         retryCfg,
		})
	}
	return tasks
}

func workflowTaskID(workflowID, templateID string) string {
	return workflowID + "-" + templateID
}

// finishWorkflowIfDone closes a workflow record once every task reached a
// terminal state: Completed when all tasks completed, Failed otherwise.
func (o *Orchestrator) finishWorkflowIfDone(workflowID string) {
	if workflowID == "" {
		return
	}
	wf, err := o.store.GetWorkflow(workflowID)
	if err != nil {
		o.logger.Debug().Err(err).Str("workflow_id", workflowID).Msg("workflow lookup failed")
		return
	}
	if wf.Status == types.WorkflowCompleted || wf.Status == types.WorkflowFailed || wf.Status == types.WorkflowCancelled {
		return
	}

	allCompleted := true
	for _, id := range wf.TaskIDs {
		t, err := o.store.GetTask(id)
		if err != nil {
			return
		}
		if !t.Status.IsTerminal() {
			return
		}
		if t.Status != types.TaskStatusCompleted {
			allCompleted = false
		}
	}

	status := types.WorkflowCompleted
	if !allCompleted {
		status = types.WorkflowFailed
	}
	now := time.Now().UTC()
	wf.Status = status
	wf.FinishedAt = &now
	if err := o.store.PutWorkflow(wf); err != nil {
		o.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("workflow close failed")
		return
	}
	o.logger.Info().Str("workflow_id", workflowID).Str("status", string(status)).Msg("workflow finished")
}

func (o *Orchestrator) setWorkflowStatus(workflowID string, status types.WorkflowStatus) {
	wf, err := o.store.GetWorkflow(workflowID)
	if err != nil {
		return
	}
	wf.Status = status
	if err := o.store.PutWorkflow(wf); err != nil {
		o.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("workflow status update failed")
	}
}
