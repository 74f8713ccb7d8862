package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// successRateWeight smooths the rolling success rate: new observations move
// the rate by 1/weight.
const successRateWeight = 20.0

// Registry is the single owner of worker-instance records. All mutations go
// through it; readers get copies.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*types.WorkerInstance

	degradeAfter   time.Duration
	unhealthyAfter time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// Config tunes the health decay thresholds.
type Config struct {
	DegradeAfter   time.Duration // inactivity before Degraded
	UnhealthyAfter time.Duration // inactivity before Unhealthy + deactivation
}

// New creates a registry with the given health thresholds.
func New(cfg Config) *Registry {
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 5 * time.Minute
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 10 * time.Minute
	}
	return &Registry{
		instances:      make(map[string]*types.WorkerInstance),
		degradeAfter:   cfg.DegradeAfter,
		unhealthyAfter: cfg.UnhealthyAfter,
		logger:         log.WithComponent("registry"),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the health decay loop.
func (r *Registry) Start() {
	go r.run()
}

// Stop stops the decay loop.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

func (r *Registry) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.decayHealth(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// Register adds or replaces a worker instance. A re-registration of a known
// id resets health and activity.
func (r *Registry) Register(inst *types.WorkerInstance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	// The prefix is what distinguishes an instance address from a worker
	// kind on the wire; an unprefixed id would misroute its messages.
	if !strings.HasPrefix(inst.ID, types.InstanceIDPrefix) {
		return fmt.Errorf("instance id %q must start with %q", inst.ID, types.InstanceIDPrefix)
	}
	if inst.Kind == "" {
		return fmt.Errorf("worker kind is required")
	}
	if inst.MaxCapacity <= 0 {
		if inst.Capability != nil && inst.Capability.MaxConcurrency > 0 {
			inst.MaxCapacity = inst.Capability.MaxConcurrency
		} else {
			inst.MaxCapacity = 1
		}
	}

	cp := *inst
	cp.Active = true
	cp.Health = types.HealthHealthy
	cp.LastActivity = time.Now()
	if cp.SuccessRate == 0 {
		cp.SuccessRate = 1.0
	}

	r.mu.Lock()
	r.instances[cp.ID] = &cp
	r.mu.Unlock()

	r.logger.Info().
		Str("worker_id", cp.ID).
		Str("kind", cp.Kind).
		Int("max_capacity", cp.MaxCapacity).
		Msg("worker registered")
	return nil
}

// Unregister removes a worker instance.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
	metrics.WorkerCapacityUsed.DeleteLabelValues(id)
}

// Get returns a copy of an instance record.
func (r *Registry) Get(id string) (*types.WorkerInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	cp := copyInstance(inst)
	return cp, true
}

// List returns copies of all instance records.
func (r *Registry) List() []*types.WorkerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.WorkerInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, copyInstance(inst))
	}
	return out
}

// Heartbeat records worker activity and its self-reported load and health.
// Heartbeats are idempotent updates keyed by instance id.
func (r *Registry) Heartbeat(id string, used int, health types.HealthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("unknown worker instance %s", id)
	}

	inst.LastActivity = time.Now()
	if used >= 0 && used <= inst.MaxCapacity {
		inst.UsedCapacity = used
	}
	if health != "" {
		inst.Health = health
		inst.Active = health != types.HealthUnhealthy
	} else if inst.Health != types.HealthHealthy {
		inst.Health = types.HealthHealthy
		inst.Active = true
	}
	metrics.WorkerCapacityUsed.WithLabelValues(id).Set(float64(inst.UsedCapacity))
	return nil
}

// Acquire reserves one unit of capacity for a task. Fails when the instance
// is saturated, keeping used <= max at every observable moment.
func (r *Registry) Acquire(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("unknown worker instance %s", id)
	}
	if inst.UsedCapacity >= inst.MaxCapacity {
		return fmt.Errorf("worker %s is saturated (%d/%d)", id, inst.UsedCapacity, inst.MaxCapacity)
	}

	inst.UsedCapacity++
	inst.CurrentTasks = append(inst.CurrentTasks, taskID)
	inst.LastActivity = time.Now()
	metrics.WorkerCapacityUsed.WithLabelValues(id).Set(float64(inst.UsedCapacity))
	return nil
}

// Release frees the capacity held by a task. Releasing a task the worker
// does not hold is a no-op, which makes completion reports idempotent.
func (r *Registry) Release(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}

	for i, t := range inst.CurrentTasks {
		if t == taskID {
			inst.CurrentTasks = append(inst.CurrentTasks[:i], inst.CurrentTasks[i+1:]...)
			if inst.UsedCapacity > 0 {
				inst.UsedCapacity--
			}
			metrics.WorkerCapacityUsed.WithLabelValues(id).Set(float64(inst.UsedCapacity))
			return
		}
	}
}

// RecordCompletion folds one execution outcome into the worker's totals and
// rolling success rate.
func (r *Registry) RecordCompletion(id string, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}

	inst.TasksCompleted++
	inst.TotalExecTime += duration
	inst.LastActivity = time.Now()

	observed := 0.0
	if success {
		observed = 1.0
	} else {
		inst.ErrorCount++
	}
	inst.SuccessRate += (observed - inst.SuccessRate) / successRateWeight
}

// RecordError notes a worker-reported failure.
func (r *Registry) RecordError(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[id]; ok {
		inst.ErrorCount++
		inst.LastError = message
		inst.LastActivity = time.Now()
	}
}

// UpdateHealth sets the health state of an instance directly.
func (r *Registry) UpdateHealth(id string, state types.HealthState, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}
	inst.Health = state
	inst.Active = state != types.HealthUnhealthy
	if lastError != "" {
		inst.LastError = lastError
	}
}

// Healthy reports whether the instance can be routed to.
func (r *Registry) Healthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return ok && inst.Active && inst.Health != types.HealthUnhealthy
}

// CandidatesFor returns copies of the instances eligible to run a task:
// matching capability, same tenant, healthy, and below capacity. targetKind,
// when non-empty, restricts candidates to that worker kind.
func (r *Registry) CandidatesFor(kind types.TaskKind, tenant, targetKind string) []*types.WorkerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.WorkerInstance
	for _, inst := range r.instances {
		if !inst.Active || inst.Health == types.HealthUnhealthy {
			continue
		}
		if targetKind != "" && inst.Kind != targetKind {
			continue
		}
		if inst.TenantID != tenant {
			continue
		}
		if !inst.Capability.Accepts(kind) {
			continue
		}
		if inst.UsedCapacity >= inst.MaxCapacity {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	return out
}

// KindsRegistered returns the set of worker kinds with at least one
// registered instance.
func (r *Registry) KindsRegistered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, inst := range r.instances {
		if !seen[inst.Kind] {
			seen[inst.Kind] = true
			out = append(out, inst.Kind)
		}
	}
	return out
}

// decayHealth walks the table and downgrades instances by inactivity:
// Degraded past the degrade threshold, Unhealthy and inactive past the
// unhealthy threshold.
func (r *Registry) decayHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]map[types.HealthState]int)
	for _, inst := range r.instances {
		idle := now.Sub(inst.LastActivity)
		switch {
		case idle > r.unhealthyAfter:
			if inst.Health != types.HealthUnhealthy {
				r.logger.Warn().
					Str("worker_id", inst.ID).
					Dur("idle", idle).
					Msg("worker unhealthy, deactivating")
			}
			inst.Health = types.HealthUnhealthy
			inst.Active = false
		case idle > r.degradeAfter:
			if inst.Health == types.HealthHealthy {
				inst.Health = types.HealthDegraded
			}
		}

		if counts[inst.Kind] == nil {
			counts[inst.Kind] = make(map[types.HealthState]int)
		}
		counts[inst.Kind][inst.Health]++
	}

	for kind, states := range counts {
		for state, n := range states {
			metrics.WorkersTotal.WithLabelValues(kind, string(state)).Set(float64(n))
		}
	}
}

// DecayNow runs one health decay pass immediately. Exposed for the
// orchestrator's sweepers and for tests.
func (r *Registry) DecayNow(now time.Time) {
	r.decayHealth(now)
}

func copyInstance(inst *types.WorkerInstance) *types.WorkerInstance {
	cp := *inst
	cp.CurrentTasks = append([]string(nil), inst.CurrentTasks...)
	return &cp
}
