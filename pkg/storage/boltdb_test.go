package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTask(id string, p types.Priority) *types.Task {
	return &types.Task{
		ID:         id,
		Kind:       types.TaskKindEvidenceCollection,
		Priority:   p,
		TenantID:   "tenant-1",
		Status:     types.TaskStatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestCreateTaskRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)

	task := newTask("t-1", types.PriorityNormal)
	require.NoError(t, store.CreateTask(task))

	err := store.CreateTask(task)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueOrdering(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	// Same ready-at: submission order wins. Earlier ready-at wins overall.
	for i, readyAt := range []time.Time{now, now, now.Add(-time.Minute)} {
		id := fmt.Sprintf("t-%d", i)
		require.NoError(t, store.CreateTask(newTask(id, types.PriorityHigh)))
		require.NoError(t, store.Enqueue(id, types.PriorityHigh, readyAt))
	}

	entry, err := store.PeekDue(types.PriorityHigh, now)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t-2", entry.TaskID)

	require.NoError(t, store.Dequeue("t-2"))

	entry, err = store.PeekDue(types.PriorityHigh, now)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t-0", entry.TaskID)

	require.NoError(t, store.Dequeue("t-0"))
	entry, err = store.PeekDue(types.PriorityHigh, now)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t-1", entry.TaskID)
}

func TestPeekDueIgnoresFutureTasks(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateTask(newTask("t-later", types.PriorityNormal)))
	require.NoError(t, store.Enqueue("t-later", types.PriorityNormal, now.Add(time.Hour)))

	_, err := store.PeekDue(types.PriorityNormal, now)
	assert.ErrorIs(t, err, ErrNotFound)

	entry, err := store.PeekDue(types.PriorityNormal, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t-later", entry.TaskID)
}

func TestEnqueueMovesExistingEntry(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateTask(newTask("t-1", types.PriorityNormal)))
	require.NoError(t, store.Enqueue("t-1", types.PriorityNormal, now))
	require.NoError(t, store.Enqueue("t-1", types.PriorityNormal, now.Add(time.Hour)))

	depth, err := store.QueueDepth(types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = store.PeekDue(types.PriorityNormal, now)
	assert.ErrorIs(t, err, ErrNotFound) // moved into the future
}

func TestUpdateStatusEnforcesStateMachine(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("t-1", types.PriorityNormal)))

	// Pending -> Running is not a legal edge.
	_, err := store.UpdateStatus("t-1", types.TaskStatusRunning, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The legal path works and maintains invariants along the way.
	_, err = store.UpdateStatus("t-1", types.TaskStatusQueued, nil)
	require.NoError(t, err)

	task, err := store.UpdateStatus("t-1", types.TaskStatusAssigned, func(t *types.Task) {
		t.AssignedWorker = "wi-1"
	})
	require.NoError(t, err)
	assert.Equal(t, "wi-1", task.AssignedWorker)
	assert.Nil(t, task.CompletedAt)

	task, err = store.UpdateStatus("t-1", types.TaskStatusRunning, nil)
	require.NoError(t, err)
	assert.NotNil(t, task.StartedAt)

	task, err = store.UpdateStatus("t-1", types.TaskStatusCompleted, nil)
	require.NoError(t, err)
	assert.NotNil(t, task.CompletedAt)
	assert.Empty(t, task.AssignedWorker) // cleared on terminal
}

func TestUpdateStatusClearsCompletedAtOnRequeue(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t-1", types.PriorityNormal)
	require.NoError(t, store.CreateTask(task))

	mustStatus(t, store, "t-1", types.TaskStatusQueued)
	mustStatus(t, store, "t-1", types.TaskStatusAssigned)
	mustStatus(t, store, "t-1", types.TaskStatusRunning)
	timedOut := mustStatus(t, store, "t-1", types.TaskStatusTimeout)
	assert.NotNil(t, timedOut.CompletedAt)

	requeued := mustStatus(t, store, "t-1", types.TaskStatusQueued)
	assert.Nil(t, requeued.CompletedAt)
	assert.Empty(t, requeued.AssignedWorker)
}

func mustStatus(t *testing.T, store *BoltStore, id string, to types.TaskStatus) *types.Task {
	t.Helper()
	task, err := store.UpdateStatus(id, to, nil)
	require.NoError(t, err)
	return task
}

func TestDeadLetterRequeue(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	fresh := newTask("t-fresh", types.PriorityNormal)
	fresh.Status = types.TaskStatusFailed
	fresh.RetryCount = 3
	fresh.CreatedAt = now.Add(-time.Hour)

	stale := newTask("t-stale", types.PriorityNormal)
	stale.Status = types.TaskStatusFailed
	stale.CreatedAt = now.Add(-100 * time.Hour)

	for _, task := range []*types.Task{fresh, stale} {
		require.NoError(t, store.PutTask(task))
		require.NoError(t, store.MoveToDeadLetter(task))
	}

	requeued, err := store.RequeueFromDeadLetter(24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-fresh"}, requeued)

	task, err := store.GetTask("t-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)

	entry, err := store.PeekDue(types.PriorityNormal, now)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t-fresh", entry.TaskID)

	// Stale entry stays parked.
	letters, err := store.ListDeadLetter()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "t-stale", letters[0].Task.ID)
}

func TestPruneDeadLetter(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t-1", types.PriorityNormal)
	require.NoError(t, store.MoveToDeadLetter(task))

	pruned, err := store.PruneDeadLetter(time.Hour, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)

	pruned, err = store.PruneDeadLetter(0, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestPruneTerminalRespectsRetention(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	old := now.Add(-48 * time.Hour)
	done := newTask("t-done", types.PriorityNormal)
	done.Status = types.TaskStatusCompleted
	done.CompletedAt = &old
	require.NoError(t, store.PutTask(done))

	recent := now.Add(-time.Hour)
	justDone := newTask("t-recent", types.PriorityNormal)
	justDone.Status = types.TaskStatusCompleted
	justDone.CompletedAt = &recent
	require.NoError(t, store.PutTask(justDone))

	live := newTask("t-live", types.PriorityNormal)
	require.NoError(t, store.PutTask(live))

	pruned, err := store.PruneTerminal(24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = store.GetTask("t-done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTask("t-recent")
	assert.NoError(t, err)
	_, err = store.GetTask("t-live")
	assert.NoError(t, err)
}

func TestUpcomingOrderedByReadyAt(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	ids := []struct {
		id      string
		p       types.Priority
		readyAt time.Time
	}{
		{"t-a", types.PriorityLow, now.Add(30 * time.Minute)},
		{"t-b", types.PriorityCritical, now.Add(2 * time.Hour)},
		{"t-c", types.PriorityNormal, now.Add(5 * time.Minute)},
		{"t-d", types.PriorityNormal, now.Add(26 * time.Hour)}, // beyond horizon
	}
	for _, e := range ids {
		require.NoError(t, store.CreateTask(newTask(e.id, e.p)))
		require.NoError(t, store.Enqueue(e.id, e.p, e.readyAt))
	}

	tasks, err := store.Upcoming(24*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "t-c", tasks[0].ID)
	assert.Equal(t, "t-a", tasks[1].ID)
	assert.Equal(t, "t-b", tasks[2].ID)
}

func TestExecutionHistoryRing(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < historyRingSize+20; i++ {
		rec := types.ExecutionRecord{
			TaskID:    "t-1",
			StartedAt: time.Now().UTC(),
			Duration:  time.Duration(i) * time.Second,
			Success:   true,
		}
		require.NoError(t, store.AppendExecution(rec))
	}

	recs, err := store.ListExecutions("t-1")
	require.NoError(t, err)
	assert.Len(t, recs, historyRingSize)
	// Oldest 20 evicted: the first surviving record is run 20.
	assert.Equal(t, 20*time.Second, recs[0].Duration)
}

func TestWorkflowRoundTrip(t *testing.T) {
	store := newTestStore(t)

	wf := &types.Workflow{
		ID: "wf-1",
		Definition: types.WorkflowDefinition{
			ID:   "wf-1",
			Name: "quarterly-audit",
			Templates: []types.TaskTemplate{
				{TemplateID: "collect", Kind: types.TaskKindEvidenceCollection, Priority: types.PriorityHigh},
			},
		},
		TaskIDs:   []string{"t-1"},
		Status:    types.WorkflowPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateWorkflow(wf))
	assert.ErrorIs(t, store.CreateWorkflow(wf), ErrDuplicate)

	got, err := store.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "quarterly-audit", got.Definition.Name)
	assert.Equal(t, []string{"t-1"}, got.TaskIDs)
}
