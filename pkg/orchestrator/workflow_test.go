package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/hub"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

func validDefinition(id string) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:       id,
		Name:     "quarterly-audit",
		TenantID: "acme",
		Templates: []types.TaskTemplate{
			{TemplateID: "collect", Kind: types.TaskKindEvidenceCollection},
			{TemplateID: "check", Kind: types.TaskKindComplianceCheck},
			{TemplateID: "report", Kind: types.TaskKindReportGeneration},
		},
		Dependencies: map[string][]string{
			"check":  {"collect"},
			"report": {"check"},
		},
	}
}

func TestSubmitWorkflowExpandsDeterministically(t *testing.T) {
	h := newHarness(t)

	wf, err := h.orch.SubmitWorkflow(validDefinition("wf-1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf-1-collect", "wf-1-check", "wf-1-report"}, wf.TaskIDs)

	// roots queued, dependents waiting
	root, _ := h.store.GetTask("wf-1-collect")
	assert.Equal(t, types.TaskStatusQueued, root.Status)
	for _, id := range []string{"wf-1-check", "wf-1-report"} {
		dep, _ := h.store.GetTask(id)
		assert.Equal(t, types.TaskStatusWaitingDeps, dep.Status, id)
	}

	// resubmitting the same definition collides on the workflow id rather
	// than forking a second copy of the tasks
	_, err = h.orch.SubmitWorkflow(validDefinition("wf-1"))
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestSubmitWorkflowValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(*types.WorkflowDefinition)
	}{
		{"no templates", func(def *types.WorkflowDefinition) { def.Templates = nil }},
		{"missing tenant", func(def *types.WorkflowDefinition) { def.TenantID = "" }},
		{"duplicate template id", func(def *types.WorkflowDefinition) {
			def.Templates = append(def.Templates, types.TaskTemplate{TemplateID: "collect", Kind: types.TaskKindEvidenceCollection})
		}},
		{"unknown kind", func(def *types.WorkflowDefinition) { def.Templates[0].Kind = "mystery" }},
		{"dependency on unknown template", func(def *types.WorkflowDefinition) {
			def.Dependencies["check"] = []string{"ghost"}
		}},
		{"self dependency", func(def *types.WorkflowDefinition) {
			def.Dependencies["check"] = []string{"check"}
		}},
		{"parallel group with internal dependency", func(def *types.WorkflowDefinition) {
			def.ParallelGroups = [][]string{{"collect", "check"}}
		}},
		{"parallel group with unknown template", func(def *types.WorkflowDefinition) {
			def.ParallelGroups = [][]string{{"ghost"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition("")
			tt.mutate(def)
			_, err := h.orch.SubmitWorkflow(def)
			assert.ErrorIs(t, err, ErrInvalidWorkflow)
		})
	}
}

func TestWorkflowChainsThroughDependencies(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "wi-1", 2,
		types.TaskKindEvidenceCollection, types.TaskKindComplianceCheck, types.TaskKindReportGeneration)

	_, err := h.orch.SubmitWorkflow(validDefinition("wf-chain"))
	require.NoError(t, err)

	for _, id := range []string{"wf-chain-collect", "wf-chain-check", "wf-chain-report"} {
		require.NoError(t, h.disp.Tick(time.Now()))
		task, _ := h.store.GetTask(id)
		require.Equal(t, types.TaskStatusAssigned, task.Status, id)
		require.NoError(t, h.orch.ReportCompletion(id, nil))
	}

	wf, err := h.store.GetWorkflow("wf-chain")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, wf.Status)
	assert.NotNil(t, wf.FinishedAt)
}

func TestWorkflowFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "wi-1", 2,
		types.TaskKindEvidenceCollection, types.TaskKindComplianceCheck, types.TaskKindReportGeneration)

	def := validDefinition("wf-bad")
	_, err := h.orch.SubmitWorkflow(def)
	require.NoError(t, err)

	require.NoError(t, h.disp.Tick(time.Now()))
	require.NoError(t, h.orch.ReportFailure("wf-bad-collect", types.ErrTagInvalidInput, "no connector", nil))

	for _, id := range []string{"wf-bad-check", "wf-bad-report"} {
		task, _ := h.store.GetTask(id)
		assert.Equal(t, types.TaskStatusCancelled, task.Status, id)
		assert.Equal(t, types.ErrTagDependencyFailed, task.ErrorTag, id)
	}

	wf, _ := h.store.GetWorkflow("wf-bad")
	assert.Equal(t, types.WorkflowFailed, wf.Status)
}

func TestCoordinatedWorkflowReleasesOnReady(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "wi-1", 2, types.TaskKindEvidenceCollection)

	// the participant acks every coordination request as ready
	cancel, err := transportSubscribe(t, h, "wi-1", func(msg *types.Message) {
		if msg.Type == types.MsgCoordinationRequest {
			h.hub.Ack(msg.ID, map[string]any{"status": "ready"})
		}
	})
	require.NoError(t, err)
	defer cancel()

	def := validDefinition("wf-coord")
	def.Participants = []string{"evidence_collector"}
	_, err = h.orch.SubmitWorkflow(def)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := h.store.GetTask("wf-coord-collect")
		return err == nil && task.Status == types.TaskStatusQueued
	}, 2*time.Second, 10*time.Millisecond, "root should queue once all participants are ready")

	wf, _ := h.store.GetWorkflow("wf-coord")
	assert.Equal(t, types.WorkflowRunning, wf.Status)
}

func TestCoordinationFailureCancelsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "wi-1", 2, types.TaskKindEvidenceCollection)

	cancel, err := transportSubscribe(t, h, "wi-1", func(msg *types.Message) {
		if msg.Type == types.MsgCoordinationRequest {
			h.hub.Ack(msg.ID, map[string]any{"status": "not_ready"})
		}
	})
	require.NoError(t, err)
	defer cancel()

	def := validDefinition("wf-refused")
	def.Participants = []string{"evidence_collector"}
	_, err = h.orch.SubmitWorkflow(def)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := h.store.GetWorkflow("wf-refused")
		return err == nil && wf.Status == types.WorkflowFailed
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range []string{"wf-refused-collect", "wf-refused-check", "wf-refused-report"} {
		task, _ := h.store.GetTask(id)
		assert.Equal(t, types.TaskStatusCancelled, task.Status, id)
	}
}

func TestCoordinationWithoutParticipantInstancesFails(t *testing.T) {
	h := newHarness(t)

	def := validDefinition("wf-empty")
	def.Participants = []string{"evidence_collector"}
	_, err := h.orch.SubmitWorkflow(def)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := h.store.GetWorkflow("wf-empty")
		return err == nil && wf.Status == types.WorkflowFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkflowTimeoutExpiresRemainingTasks(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "wi-1", 2,
		types.TaskKindEvidenceCollection, types.TaskKindComplianceCheck, types.TaskKindReportGeneration)

	def := validDefinition("wf-slow")
	def.Timeout = time.Minute
	_, err := h.orch.SubmitWorkflow(def)
	require.NoError(t, err)
	require.NoError(t, h.disp.Tick(time.Now()))

	// first sweep anchors the workflow clock at the earliest task start
	h.orch.sweepWorkflowTimeouts(time.Now())
	wf, _ := h.store.GetWorkflow("wf-slow")
	require.NotNil(t, wf.StartedAt)

	// budget lapsed: everything non-terminal cancels, workflow closes failed
	h.orch.sweepWorkflowTimeouts(time.Now().Add(2 * time.Minute))

	wf, _ = h.store.GetWorkflow("wf-slow")
	assert.Equal(t, types.WorkflowFailed, wf.Status)
	for _, id := range wf.TaskIDs {
		task, _ := h.store.GetTask(id)
		assert.Equal(t, types.TaskStatusCancelled, task.Status, id)
	}
	inst, _ := h.registry.Get("wi-1")
	assert.Equal(t, 0, inst.UsedCapacity)
}

// transportSubscribe wires a handler onto a worker instance's topic, the way
// a connected worker process would consume its feed.
func transportSubscribe(t *testing.T, h *harness, instanceID string, fn func(*types.Message)) (func(), error) {
	t.Helper()
	return h.transport.Subscribe(context.Background(), hub.InstanceTopic(instanceID), fn)
}
