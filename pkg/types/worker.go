package types

import "time"

// HealthState tracks how responsive a worker instance is.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// WorkerInstance is the runtime record of a connected worker process.
// The capability registry is the single writer; everyone else reads snapshots.
type WorkerInstance struct {
	ID             string      `json:"id"`
	Kind           string      `json:"kind"`
	TenantID       string      `json:"tenant_id"`
	Active         bool        `json:"active"`
	CurrentTasks   []string    `json:"current_tasks,omitempty"`
	UsedCapacity   int         `json:"used_capacity"`
	MaxCapacity    int         `json:"max_capacity"`
	TasksCompleted int64       `json:"tasks_completed"`
	TotalExecTime  time.Duration `json:"total_exec_time"`
	SuccessRate    float64     `json:"success_rate"`
	LastActivity   time.Time   `json:"last_activity"`
	Health         HealthState `json:"health"`
	ErrorCount     int         `json:"error_count"`
	LastError      string      `json:"last_error,omitempty"`
	Capability     *WorkerCapability `json:"capability,omitempty"`
}

// WorkerCapability declares what a worker kind can do. Specialization scores
// are per task kind in [0,1] and drive dispatch scoring.
type WorkerCapability struct {
	WorkerKind        string               `json:"worker_kind"`
	TaskKinds         []TaskKind           `json:"task_kinds"`
	Platforms         []string             `json:"platforms,omitempty"`
	Frameworks        []string             `json:"frameworks,omitempty"`
	MaxConcurrency    int                  `json:"max_concurrency"`
	TypicalExecTime   time.Duration        `json:"typical_exec_time,omitempty"`
	Specialization    map[TaskKind]float64 `json:"specialization,omitempty"`
	DependencyKinds   []string             `json:"dependency_kinds,omitempty"`
	OutputArtifacts   []string             `json:"output_artifacts,omitempty"`
}

// Accepts reports whether the capability covers a task kind.
func (c *WorkerCapability) Accepts(kind TaskKind) bool {
	if c == nil {
		return false
	}
	for _, k := range c.TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Supports reports whether the capability covers a platform/framework pair.
// Empty declared lists mean "anything".
func (c *WorkerCapability) Supports(platform, framework string) bool {
	if c == nil {
		return false
	}
	if platform != "" && len(c.Platforms) > 0 && !contains(c.Platforms, platform) {
		return false
	}
	if framework != "" && len(c.Frameworks) > 0 && !contains(c.Frameworks, framework) {
		return false
	}
	return true
}

// SpecializationFor returns the declared specialization score for a task kind,
// 0 when the kind is not scored.
func (c *WorkerCapability) SpecializationFor(kind TaskKind) float64 {
	if c == nil || c.Specialization == nil {
		return 0
	}
	return c.Specialization[kind]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
