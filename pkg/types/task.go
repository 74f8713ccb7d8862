package types

import (
	"time"
)

// TaskKind identifies the category of work a task carries. Workers declare
// the kinds they accept in their capability set.
type TaskKind string

const (
	TaskKindEvidenceCollection    TaskKind = "evidence_collection"
	TaskKindSecurityScan          TaskKind = "security_scan"
	TaskKindRiskAssessment        TaskKind = "risk_assessment"
	TaskKindPolicyAnalysis        TaskKind = "policy_analysis"
	TaskKindComplianceCheck       TaskKind = "compliance_check"
	TaskKindReportGeneration      TaskKind = "report_generation"
	TaskKindDataValidation        TaskKind = "data_validation"
	TaskKindPredictiveAnalysis    TaskKind = "predictive_analysis"
	TaskKindWorkflowOrchestration TaskKind = "workflow_orchestration"
	TaskKindCryptoVerification    TaskKind = "crypto_verification"
)

// ValidTaskKind reports whether k is one of the known task kinds.
func ValidTaskKind(k TaskKind) bool {
	switch k {
	case TaskKindEvidenceCollection, TaskKindSecurityScan, TaskKindRiskAssessment,
		TaskKindPolicyAnalysis, TaskKindComplianceCheck, TaskKindReportGeneration,
		TaskKindDataValidation, TaskKindPredictiveAnalysis,
		TaskKindWorkflowOrchestration, TaskKindCryptoVerification:
		return true
	}
	return false
}

// Priority orders tasks for dispatch. Lower value means higher priority.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// Priorities lists all priority levels from highest to lowest.
var Priorities = []Priority{
	PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground,
}

// Valid reports whether p is within the defined priority range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusAssigned    TaskStatus = "assigned"
	TaskStatusWaitingDeps TaskStatus = "waiting_deps"
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusRetrying    TaskStatus = "retrying"
	TaskStatusCancelled   TaskStatus = "cancelled"
	TaskStatusTimeout     TaskStatus = "timeout"
)

// taskTransitions is the task state machine. A status maps to the set of
// statuses it may legally move to.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:     {TaskStatusQueued, TaskStatusWaitingDeps, TaskStatusCancelled},
	TaskStatusQueued:      {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:    {TaskStatusRunning, TaskStatusCancelled, TaskStatusTimeout},
	TaskStatusWaitingDeps: {TaskStatusPending, TaskStatusCancelled},
	TaskStatusRunning:     {TaskStatusCompleted, TaskStatusRetrying, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled},
	TaskStatusRetrying:    {TaskStatusQueued, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusTimeout:     {TaskStatusRetrying, TaskStatusFailed, TaskStatusQueued, TaskStatusCancelled},
	TaskStatusCompleted:   nil,
	TaskStatusFailed:      nil,
	TaskStatusCancelled:   nil,
}

// CanTransition reports whether moving a task from one status to another is
// permitted by the state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
// Timeout is transient terminal: it routes back into the retry pipeline.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// HasCompletedAt reports whether CompletedAt must be set for this status.
func (s TaskStatus) HasCompletedAt() bool {
	return s.IsTerminal() || s == TaskStatusTimeout
}

// HasAssignedWorker reports whether AssignedWorker must be set for this status.
func (s TaskStatus) HasAssignedWorker() bool {
	return s == TaskStatusAssigned || s == TaskStatusRunning || s == TaskStatusTimeout
}

// Task is a durable unit of work flowing through the orchestration core.
type Task struct {
	ID             string         `json:"id"`
	Kind           TaskKind       `json:"kind"`
	Priority       Priority       `json:"priority"`
	TargetWorker   string         `json:"target_worker,omitempty"` // preferred worker kind
	TenantID       string         `json:"tenant_id"`
	SubmitterID    string         `json:"submitter_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Status         TaskStatus     `json:"status"`
	AssignedWorker string         `json:"assigned_worker,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorTag       ErrorTag       `json:"error_tag,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	EstimatedDur   time.Duration  `json:"estimated_duration,omitempty"`
	ActualDur      time.Duration  `json:"actual_duration,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	Retry          *RetryConfig   `json:"retry,omitempty"`
	Schedule       *ScheduleConfig `json:"schedule,omitempty"` // set for recurring tasks
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// ErrorTag classifies a failure for retry decisions. Tags, not types: workers
// tag errors at the edge and the core only ever inspects the tag.
type ErrorTag string

const (
	ErrTagTransient         ErrorTag = "transient"
	ErrTagTimeout           ErrorTag = "timeout"
	ErrTagResourceExhausted ErrorTag = "resource_exhausted"
	ErrTagInvalidInput      ErrorTag = "invalid_input"
	ErrTagPermissionDenied  ErrorTag = "permission_denied"
	ErrTagNotFound          ErrorTag = "not_found"
	ErrTagDependencyFailed  ErrorTag = "dependency_failed"
	ErrTagInternal          ErrorTag = "internal"
)

// RetriableByDefault reports whether a tag is retried when no explicit
// retry-on / skip-on policy applies.
func (t ErrorTag) RetriableByDefault() bool {
	switch t {
	case ErrTagTransient, ErrTagTimeout, ErrTagResourceExhausted, ErrTagInternal:
		return true
	}
	return false
}

// RetryStrategy selects the delay curve used between attempts.
type RetryStrategy string

const (
	RetryImmediate RetryStrategy = "immediate"
	RetryLinear    RetryStrategy = "linear_backoff"
	RetryExp       RetryStrategy = "exp_backoff"
	RetryFibonacci RetryStrategy = "fibonacci_backoff"
	RetryAdaptive  RetryStrategy = "adaptive"
)

// RetryConfig controls how failed attempts are retried.
type RetryConfig struct {
	Strategy     RetryStrategy `json:"strategy"`
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Factor       float64       `json:"factor"`
	Jitter       bool          `json:"jitter"`
	RetryOn      []ErrorTag    `json:"retry_on,omitempty"`
	SkipOn       []ErrorTag    `json:"skip_on,omitempty"`
}

// ScheduleKind selects how the next run of a recurring task is computed.
type ScheduleKind string

const (
	ScheduleContinuous ScheduleKind = "continuous"
	ScheduleInterval   ScheduleKind = "interval"
	ScheduleDaily      ScheduleKind = "daily"
	ScheduleWeekly     ScheduleKind = "weekly"
	ScheduleMonthly    ScheduleKind = "monthly"
	ScheduleCustom     ScheduleKind = "custom"
	ScheduleAdaptive   ScheduleKind = "adaptive"
)

// TimeOfDay is a clock time within a day, in the schedule's time zone.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// BlackoutWindow is a local time-of-day range during which a task must not be
// dispatched. A window where Start > End crosses midnight and excludes
// [Start, 24:00) and [00:00, End].
type BlackoutWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// ScheduleConfig describes when a recurring task should run.
type ScheduleConfig struct {
	Kind             ScheduleKind     `json:"kind"`
	IntervalMinutes  int              `json:"interval_minutes,omitempty"`
	Times            []TimeOfDay      `json:"times,omitempty"`
	DaysOfWeek       []time.Weekday   `json:"days_of_week,omitempty"`
	Timezone         string           `json:"timezone,omitempty"` // IANA name, default UTC
	Blackouts        []BlackoutWindow `json:"blackouts,omitempty"`
	MinCPUAvailable  float64          `json:"min_cpu_available,omitempty"`  // fraction 0..1
	MinMemAvailable  float64          `json:"min_mem_available,omitempty"`  // fraction 0..1
	Priority         Priority         `json:"priority,omitempty"`
	MaxConcurrent    int              `json:"max_concurrent,omitempty"` // per worker kind
}

// ExecutionRecord captures the outcome of a single task run. The store keeps
// a bounded ring of the most recent records per task.
type ExecutionRecord struct {
	TaskID         string        `json:"task_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	ItemsCollected int           `json:"items_collected,omitempty"`
	CPUUsed        float64       `json:"cpu_used,omitempty"`
	MemUsedBytes   int64         `json:"mem_used_bytes,omitempty"`
}
