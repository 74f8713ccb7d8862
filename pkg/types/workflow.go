package types

import "time"

// TaskTemplate is one node of a workflow definition. Template ids are local
// to the workflow and are translated to concrete task ids at expansion.
type TaskTemplate struct {
	TemplateID   string         `json:"template_id"`
	Kind         TaskKind       `json:"kind"`
	Priority     Priority       `json:"priority"`
	TargetWorker string         `json:"target_worker,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	Retry        *RetryConfig   `json:"retry,omitempty"`
}

// WorkflowDefinition is a graph of task templates with dependencies.
// It is expanded exactly once at submission into concrete tasks.
type WorkflowDefinition struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	TenantID       string              `json:"tenant_id"`
	SubmitterID    string              `json:"submitter_id,omitempty"`
	Templates      []TaskTemplate      `json:"templates"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"` // template id -> prerequisite template ids
	ParallelGroups [][]string          `json:"parallel_groups,omitempty"`
	Timeout        time.Duration       `json:"timeout,omitempty"`
	Retry          *RetryConfig        `json:"retry,omitempty"`
	Participants   []string            `json:"participants,omitempty"` // worker kinds requiring coordinated start
}

// WorkflowStatus tracks the overall state of an expanded workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Workflow is the persisted record of an expanded workflow.
type Workflow struct {
	ID         string             `json:"id"`
	Definition WorkflowDefinition `json:"definition"`
	TaskIDs    []string           `json:"task_ids"`
	Status     WorkflowStatus     `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"` // first task start; workflow timeout anchor
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}
