package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/hub"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/resource"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

var (
	// ErrInvalidTask is returned when a submitted task fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnknownDependency is returned when a task depends on an id the
	// store has never seen.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrTenantMismatch is returned when a task depends on another tenant's
	// task.
	ErrTenantMismatch = errors.New("dependency belongs to a different tenant")
)

// Config tunes the orchestrator's defaults and sweepers.
type Config struct {
	DefaultTaskTimeout  time.Duration // execution timeout, default 300s
	CancelGrace         time.Duration // default 30s
	TerminalRetention   time.Duration // default 24h
	DeadLetterRetention time.Duration // default 72h
	DefaultTZ           string
}

func (c *Config) fill() {
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 300 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 24 * time.Hour
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = 72 * time.Hour
	}
	if c.DefaultTZ == "" {
		c.DefaultTZ = "UTC"
	}
}

// Orchestrator owns the task lifecycle: submission, workflow expansion,
// cancellation, worker registration, and completion/failure reporting. It is
// the single writer of task status; the dispatcher only moves Queued tasks
// to Assigned.
type Orchestrator struct {
	store    storage.Store
	registry *registry.Registry
	monitor  *resource.Monitor
	hub      *hub.Hub
	coord    *hub.Coordinator
	cfg      Config
	logger   zerolog.Logger

	// cancelMu guards the cancel grace table: task id -> force deadline.
	cancelMu       sync.Mutex
	pendingCancels map[string]time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(store storage.Store, reg *registry.Registry, mon *resource.Monitor, h *hub.Hub, cfg Config) *Orchestrator {
	cfg.fill()
	return &Orchestrator{
		store:          store,
		registry:       reg,
		monitor:        mon,
		hub:            h,
		coord:          hub.NewCoordinator(h),
		cfg:            cfg,
		logger:         log.WithComponent("orchestrator"),
		pendingCancels: make(map[string]time.Time),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background sweepers.
func (o *Orchestrator) Start() {
	o.wg.Add(2)
	go o.runSweeper()
	go o.runMaintenance()
}

// Stop stops the sweepers and waits for them.
func (o *Orchestrator) Stop() {
	o.once.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// Submit validates and persists a task, queueing it unless it has
// unsatisfied dependencies. It returns the task id.
func (o *Orchestrator) Submit(task *types.Task) (string, error) {
	if !types.ValidTaskKind(task.Kind) {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, task.Kind)
	}
	if task.TenantID == "" {
		return "", fmt.Errorf("%w: tenant is required", ErrInvalidTask)
	}
	if task.Priority == 0 {
		task.Priority = types.PriorityNormal
	}
	if !task.Priority.Valid() {
		return "", fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, task.Priority)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = int(o.cfg.DefaultTaskTimeout.Seconds())
	}

	blocked, failedDep, err := o.checkDependencies(task)
	if err != nil {
		return "", err
	}

	task.Status = types.TaskStatusPending
	task.CreatedAt = time.Now().UTC()
	if err := o.store.CreateTask(task); err != nil {
		return "", err
	}
	metrics.TasksSubmitted.WithLabelValues(string(task.Kind)).Inc()

	switch {
	case failedDep != "":
		// A dependency already ended badly; never run.
		if _, err := o.store.UpdateStatus(task.ID, types.TaskStatusCancelled, func(t *types.Task) {
			t.ErrorTag = types.ErrTagDependencyFailed
			t.Error = fmt.Sprintf("dependency %s did not complete", failedDep)
		}); err != nil {
			return "", err
		}
	case blocked:
		if _, err := o.store.UpdateStatus(task.ID, types.TaskStatusWaitingDeps, nil); err != nil {
			return "", err
		}
	default:
		if err := o.enqueue(task.ID, task.Priority, readyAt(task)); err != nil {
			return "", err
		}
	}

	o.logger.Info().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Int("priority", int(task.Priority)).
		Str("status", string(task.Status)).
		Msg("task submitted")
	return task.ID, nil
}

// checkDependencies validates the dependency list. It reports whether any
// dependency is still in flight, and the id of a dependency that already
// terminated without completing, if any.
func (o *Orchestrator) checkDependencies(task *types.Task) (blocked bool, failedDep string, err error) {
	for _, depID := range task.DependsOn {
		dep, err := o.store.GetTask(depID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, "", fmt.Errorf("task %s: %w: %s", task.ID, ErrUnknownDependency, depID)
		}
		if err != nil {
			return false, "", err
		}
		if dep.TenantID != task.TenantID {
			return false, "", fmt.Errorf("task %s: %w: %s", task.ID, ErrTenantMismatch, depID)
		}
		switch dep.Status {
		case types.TaskStatusCompleted:
		case types.TaskStatusFailed, types.TaskStatusCancelled:
			failedDep = depID
		default:
			blocked = true
		}
	}
	return blocked, failedDep, nil
}

// enqueue moves a Pending task to Queued and puts it on its priority queue.
func (o *Orchestrator) enqueue(taskID string, prio types.Priority, at time.Time) error {
	if _, err := o.store.UpdateStatus(taskID, types.TaskStatusQueued, nil); err != nil {
		return err
	}
	return o.store.Enqueue(taskID, prio, at)
}

func readyAt(task *types.Task) time.Time {
	if task.ScheduledAt != nil {
		return *task.ScheduledAt
	}
	return time.Now()
}

// Cancel cancels a task. Inert states are cancelled immediately; tasks a
// worker may be executing get a CancelRequest and a grace window before the
// record is forced to Cancelled.
func (o *Orchestrator) Cancel(taskID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	switch task.Status {
	case types.TaskStatusAssigned, types.TaskStatusRunning:
		msg := &types.Message{
			Sender:    "core",
			Recipient: task.AssignedWorker,
			Type:      types.MsgCancelRequest,
			Priority:  types.MsgPriorityHigh,
			Payload:   map[string]any{"task_id": task.ID},
		}
		if err := o.hub.Send(context.Background(), msg); err != nil {
			o.logger.Warn().Err(err).Str("task_id", taskID).Msg("cancel request delivery failed")
		}
		o.cancelMu.Lock()
		o.pendingCancels[taskID] = time.Now().Add(o.cfg.CancelGrace)
		o.cancelMu.Unlock()
		o.logger.Info().Str("task_id", taskID).Dur("grace", o.cfg.CancelGrace).Msg("cancel requested from worker")
		return nil
	default:
		if err := o.store.Dequeue(taskID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if _, err := o.store.UpdateStatus(taskID, types.TaskStatusCancelled, nil); err != nil {
			return err
		}
		o.logger.Info().Str("task_id", taskID).Msg("task cancelled")
		o.cascadeDependents(taskID)
		return nil
	}
}

// forceCancel completes a cancellation whose grace window lapsed without the
// worker reporting back.
func (o *Orchestrator) forceCancel(taskID string) {
	task, err := o.store.GetTask(taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	worker := task.AssignedWorker
	if _, err := o.store.UpdateStatus(taskID, types.TaskStatusCancelled, nil); err != nil {
		o.logger.Warn().Err(err).Str("task_id", taskID).Msg("forced cancel failed")
		return
	}
	if worker != "" {
		o.registry.Release(worker, taskID)
	}
	o.monitor.MarkTaskEnd(taskID)
	o.logger.Warn().Str("task_id", taskID).Msg("cancel grace expired, task forced to cancelled")
	o.cascadeDependents(taskID)
	o.finishWorkflowIfDone(task.WorkflowID)
}

// clearPendingCancel drops a task from the grace table once it reached a
// terminal state by itself.
func (o *Orchestrator) clearPendingCancel(taskID string) {
	o.cancelMu.Lock()
	delete(o.pendingCancels, taskID)
	o.cancelMu.Unlock()
}

// RegisterWorker adds a worker instance to the registry and the routing
// table, then announces its capabilities to the fleet.
func (o *Orchestrator) RegisterWorker(inst *types.WorkerInstance) error {
	if err := o.registry.Register(inst); err != nil {
		return err
	}
	o.hub.Router().AddInstance(inst.Kind, inst.ID)

	announce := &types.Message{
		Sender:    inst.Kind,
		Recipient: "broadcast",
		Type:      types.MsgCapabilityAnnounce,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"worker_kind": inst.Kind,
			"capability":  inst.Capability,
		},
	}
	if err := o.hub.Send(context.Background(), announce); err != nil {
		o.logger.Debug().Err(err).Str("worker_id", inst.ID).Msg("capability announce failed")
	}
	return nil
}

// UnregisterWorker removes a worker from the registry and routing table.
func (o *Orchestrator) UnregisterWorker(instanceID string) {
	o.registry.Unregister(instanceID)
	o.hub.Router().RemoveInstance(instanceID)
}

// Heartbeat records worker liveness and load.
func (o *Orchestrator) Heartbeat(instanceID string, used int, health types.HealthState) error {
	return o.registry.Heartbeat(instanceID, used, health)
}

// AckMessage acknowledges a hub message on behalf of a worker.
func (o *Orchestrator) AckMessage(messageID string, response map[string]any) {
	o.hub.Ack(messageID, response)
}
