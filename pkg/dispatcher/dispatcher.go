package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/hub"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/resource"
	"github.com/droverhq/drover/pkg/schedule"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Deferral backoffs. A deferred task goes back on its queue with a new
// ready-at instead of blocking the scan.
const (
	noWorkerBackoff = 15 * time.Second
	resourceBackoff = 5 * time.Minute
	storeErrBackoff = time.Second
)

// Scoring weights per candidate: declared specialization, spare capacity,
// rolling success rate.
const (
	weightSpecialization = 0.5
	weightSpareCapacity  = 0.3
	weightSuccessRate    = 0.2
)

// Config tunes the dispatch loop.
type Config struct {
	Tick time.Duration // scan period, default 100ms

	// Anti-starvation: every Nth tick the scan runs lowest-priority-first
	// when the critical queue has been continuously non-empty longer than
	// Window.
	ScanEveryN int
	Window     time.Duration

	DefaultTZ string // blackout evaluation fallback zone
}

// Dispatcher is the scan loop that moves due tasks from the priority queues
// onto workers. Each tick walks the queues in priority order, runs every due
// task through the blackout, resource, and candidate gates, and either
// assigns it or re-enqueues it with a backoff.
type Dispatcher struct {
	store    storage.Store
	registry *registry.Registry
	monitor  *resource.Monitor
	hub      *hub.Hub
	cfg      Config
	logger   zerolog.Logger

	ticks        uint64
	topBusySince time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(store storage.Store, reg *registry.Registry, mon *resource.Monitor, h *hub.Hub, cfg Config) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.ScanEveryN <= 0 {
		cfg.ScanEveryN = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.DefaultTZ == "" {
		cfg.DefaultTZ = "UTC"
	}
	return &Dispatcher{
		store:    store,
		registry: reg,
		monitor:  mon,
		hub:      h,
		cfg:      cfg,
		logger:   log.WithComponent("dispatcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scan loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the loop and waits for the current tick to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.Tick(time.Now()); err != nil {
				d.logger.Error().Err(err).Msg("dispatch tick failed, backing off")
				select {
				case <-time.After(storeErrBackoff):
				case <-d.stopCh:
					return
				}
			}
		case <-d.stopCh:
			return
		}
	}
}

// Tick runs one dispatch scan at the given time. Exposed for tests.
func (d *Dispatcher) Tick(now time.Time) error {
	d.ticks++

	order := d.scanOrder(now)
	for _, prio := range order {
		if err := d.drainQueue(prio, now); err != nil {
			return err
		}
	}
	return nil
}

// scanOrder is priority 1→5 normally, 5→1 on anti-starvation ticks: every
// Nth tick while the critical queue has been continuously non-empty longer
// than the window.
func (d *Dispatcher) scanOrder(now time.Time) []types.Priority {
	depth, err := d.store.QueueDepth(types.PriorityCritical)
	if err != nil || depth == 0 {
		d.topBusySince = time.Time{}
		return types.Priorities
	}
	if d.topBusySince.IsZero() {
		d.topBusySince = now
	}

	starved := now.Sub(d.topBusySince) > d.cfg.Window
	if starved && d.ticks%uint64(d.cfg.ScanEveryN) == 0 {
		metrics.AntistarvationScans.Inc()
		reversed := make([]types.Priority, len(types.Priorities))
		for i, p := range types.Priorities {
			reversed[len(reversed)-1-i] = p
		}
		return reversed
	}
	return types.Priorities
}

// drainQueue dispatches or defers every due entry of one priority queue.
// Each pass either removes the head from the due set or pushes its ready-at
// into the future, so the loop terminates.
func (d *Dispatcher) drainQueue(prio types.Priority, now time.Time) error {
	for {
		entry, err := d.store.PeekDue(prio, now)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("peek priority %d: %w", prio, err)
		}
		if err := d.process(entry, now); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) process(entry *storage.QueueEntry, now time.Time) error {
	task, err := d.store.GetTask(entry.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		// Orphaned queue entry, drop it.
		return d.store.Dequeue(entry.TaskID)
	}
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusQueued {
		return d.store.Dequeue(entry.TaskID)
	}

	// Blackout gate: park until the window exits.
	if task.Schedule != nil && schedule.InBlackout(task.Schedule, now, d.cfg.DefaultTZ) {
		exit := schedule.NextExit(task.Schedule, now, d.cfg.DefaultTZ)
		metrics.DispatchDeferred.WithLabelValues("blackout").Inc()
		d.logger.Debug().
			Str("task_id", task.ID).
			Time("resume_at", exit).
			Msg("task deferred by blackout window")
		return d.store.Enqueue(task.ID, entry.Priority, exit)
	}

	// Resource gate.
	if task.Schedule != nil && !d.monitor.Gate(task.Schedule.MinCPUAvailable, task.Schedule.MinMemAvailable) {
		metrics.DispatchDeferred.WithLabelValues("resources").Inc()
		return d.store.Enqueue(task.ID, entry.Priority, now.Add(resourceBackoff))
	}

	candidates := d.registry.CandidatesFor(task.Kind, task.TenantID, task.TargetWorker)
	if len(candidates) == 0 {
		metrics.DispatchDeferred.WithLabelValues("no_worker").Inc()
		return d.store.Enqueue(task.ID, entry.Priority, now.Add(noWorkerBackoff))
	}

	best := pickBest(candidates, task.Kind)
	return d.assign(task, best, entry, now)
}

func (d *Dispatcher) assign(task *types.Task, worker *types.WorkerInstance, entry *storage.QueueEntry, now time.Time) error {
	if err := d.registry.Acquire(worker.ID, task.ID); err != nil {
		// Lost a capacity race since the snapshot; try again next tick.
		metrics.DispatchDeferred.WithLabelValues("no_worker").Inc()
		return d.store.Enqueue(task.ID, entry.Priority, now.Add(noWorkerBackoff))
	}

	if err := d.store.Dequeue(task.ID); err != nil {
		d.registry.Release(worker.ID, task.ID)
		return err
	}
	if _, err := d.store.UpdateStatus(task.ID, types.TaskStatusAssigned, func(t *types.Task) {
		t.AssignedWorker = worker.ID
		// Execution timeout anchor, reset on every attempt.
		start := now
		t.StartedAt = &start
	}); err != nil {
		d.registry.Release(worker.ID, task.ID)
		// Put the task back so it is not lost between queue and assignment.
		if qerr := d.store.Enqueue(task.ID, entry.Priority, now); qerr != nil {
			d.logger.Error().Err(qerr).Str("task_id", task.ID).Msg("failed to requeue after assignment error")
		}
		return err
	}

	d.monitor.MarkTaskStart(task.ID)

	msg := &types.Message{
		Sender:    "core",
		Recipient: worker.ID,
		Type:      types.MsgTaskRequest,
		Priority:  messagePriority(task.Priority),
		Payload: map[string]any{
			"task_id":         task.ID,
			"kind":            string(task.Kind),
			"payload":         task.Payload,
			"config":          task.Config,
			"timeout_seconds": task.TimeoutSeconds,
		},
		CorrelationID: task.CorrelationID,
	}
	if err := d.hub.Send(context.Background(), msg); err != nil {
		// The assignment stands; the execution-timeout sweeper recovers the
		// task if the worker never hears about it.
		d.logger.Warn().Err(err).
			Str("task_id", task.ID).
			Str("worker_id", worker.ID).
			Msg("task request delivery failed")
	}

	metrics.TasksDispatched.Inc()
	metrics.DispatchLatency.Observe(now.Sub(entry.ReadyAt).Seconds())
	d.logger.Info().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("worker_id", worker.ID).
		Int("priority", int(entry.Priority)).
		Msg("task dispatched")
	return nil
}

// pickBest scores candidates and returns the winner. Ties break to the
// least-loaded instance, then the lexically lowest id so results are
// deterministic.
func pickBest(candidates []*types.WorkerInstance, kind types.TaskKind) *types.WorkerInstance {
	best := candidates[0]
	bestScore := Score(best, kind)
	for _, c := range candidates[1:] {
		s := Score(c, kind)
		switch {
		case s > bestScore:
			best, bestScore = c, s
		case s == bestScore && c.UsedCapacity < best.UsedCapacity:
			best = c
		case s == bestScore && c.UsedCapacity == best.UsedCapacity && c.ID < best.ID:
			best = c
		}
	}
	return best
}

// Score rates a worker instance for a task kind.
func Score(inst *types.WorkerInstance, kind types.TaskKind) float64 {
	spare := 0.0
	if inst.MaxCapacity > 0 {
		spare = 1 - float64(inst.UsedCapacity)/float64(inst.MaxCapacity)
	}
	return weightSpecialization*inst.Capability.SpecializationFor(kind) +
		weightSpareCapacity*spare +
		weightSuccessRate*inst.SuccessRate
}

func messagePriority(p types.Priority) types.MessagePriority {
	switch p {
	case types.PriorityCritical:
		return types.MsgPriorityCritical
	case types.PriorityHigh:
		return types.MsgPriorityHigh
	case types.PriorityLow, types.PriorityBackground:
		return types.MsgPriorityLow
	default:
		return types.MsgPriorityNormal
	}
}
