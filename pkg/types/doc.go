/*
Package types defines the core data structures used throughout Drover.

This package contains the domain model of the orchestration core: tasks and
their state machine, worker instances and capabilities, messages and
recipients, workflow definitions, schedule and retry configuration. All other
packages depend on these types for persistence, dispatch decisions and wire
communication.

# Core Types

Task execution:
  - Task: durable unit of work with id, kind, priority, payload, status
  - TaskKind: closed enumeration of work categories
  - TaskStatus: lifecycle state, validated by CanTransition
  - ExecutionRecord: per-run outcome kept in a bounded history ring

Workers:
  - WorkerInstance: runtime record of a connected worker (capacity, health)
  - WorkerCapability: declared task kinds, platforms, specialization scores

Messaging:
  - Message: the envelope exchanged between core and workers
  - Recipient: tagged union of worker kind, instance id, broadcast, channel

Scheduling:
  - ScheduleConfig: interval/calendar/adaptive recurrence plus blackout windows
  - RetryConfig: backoff strategy, attempt limits, retry-on/skip-on tags

Workflows:
  - WorkflowDefinition: task templates with a dependency map
  - Workflow: the expanded, persisted instance

# State Machine

Tasks are born Pending and follow:

	Pending     → Queued | WaitingDeps
	Queued      → Assigned
	Assigned    → Running | Timeout
	Running     → Completed | Retrying | Failed | Timeout
	Retrying    → Queued
	WaitingDeps → Pending
	any non-terminal → Cancelled

Completed, Failed and Cancelled are terminal. Timeout routes back into the
retry pipeline. CanTransition is the single source of truth; the storage
layer rejects any update that is not a legal edge.

# Thread Safety

Types here are plain data. The owning component of each record (orchestrator
for tasks, registry for worker instances, router for the routing table)
serializes mutation; other components read snapshots only.
*/
package types
