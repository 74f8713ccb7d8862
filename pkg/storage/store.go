package storage

import (
	"errors"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when creating a record whose id already exists.
	ErrDuplicate = errors.New("duplicate id")

	// ErrInvalidTransition is returned when a status update is not a legal
	// edge of the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// QueueEntry is a task's position in a priority queue.
type QueueEntry struct {
	TaskID   string
	Priority types.Priority
	ReadyAt  time.Time
}

// DeadLetter is a task record parked in the dead-letter queue.
type DeadLetter struct {
	Task    *types.Task `json:"task"`
	MovedAt time.Time   `json:"moved_at"`
}

// Store is the persistence contract of the orchestration core: per-priority
// ordered queues, a task record table with single-writer status updates, a
// dead-letter queue, workflow records and bounded execution history.
//
// Correctness requires only at-least-once dispatch and idempotent status
// updates by task id, so any durable ordered store with atomic list
// operations can back this interface.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	PutTask(task *types.Task) error
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	ListTasksByWorkflow(workflowID string) ([]*types.Task, error)
	UpdateStatus(id string, to types.TaskStatus, mut func(*types.Task)) (*types.Task, error)
	PruneTerminal(retention time.Duration, now time.Time) (int, error)

	// Priority queues
	Enqueue(taskID string, priority types.Priority, readyAt time.Time) error
	// PeekDue returns the due head of a priority queue, ErrNotFound when the
	// queue is empty or its head is not yet ready.
	PeekDue(priority types.Priority, now time.Time) (*QueueEntry, error)
	Dequeue(taskID string) error
	QueueDepth(priority types.Priority) (int, error)
	Upcoming(horizon time.Duration, now time.Time) ([]*types.Task, error)

	// Dead-letter queue
	MoveToDeadLetter(task *types.Task) error
	ListDeadLetter() ([]*DeadLetter, error)
	RequeueFromDeadLetter(maxAge time.Duration, now time.Time) ([]string, error)
	PruneDeadLetter(retention time.Duration, now time.Time) (int, error)

	// Workflows
	CreateWorkflow(wf *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	PutWorkflow(wf *types.Workflow) error
	ListWorkflows() ([]*types.Workflow, error)

	// Execution history (bounded ring per task)
	AppendExecution(rec types.ExecutionRecord) error
	ListExecutions(taskID string) ([]types.ExecutionRecord, error)

	// Utility
	Close() error
}
