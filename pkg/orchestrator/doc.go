// Package orchestrator owns the task lifecycle from submission to terminal
// state. It is the single writer of task status; every other component either
// reads or hands transitions back to it.
//
// The package is organized around four flows:
//
//   - Submission: Submit and SubmitWorkflow validate input, persist tasks,
//     and queue whatever has no unsatisfied dependencies. Workflow templates
//     expand into tasks with deterministic ids, so resubmitting a definition
//     can never fork a second copy of the work.
//
//   - Reporting: ReportCompletion and ReportFailure are the worker-facing
//     edge. Completion is idempotent; failure routes through the retry
//     pipeline and parks exhausted tasks in the dead-letter queue.
//     Dependents are re-evaluated on every terminal transition, and
//     recurring tasks spawn their successor run here.
//
//   - Cancellation: inert tasks cancel immediately. Tasks a worker may be
//     executing get a CancelRequest and a grace window; the sweeper forces
//     the record over once the window lapses.
//
//   - Sweeping: background loops recover executions held past their timeout,
//     expire workflows that blew their budget, prune terminal and
//     dead-letter retention, and re-plan adaptive schedules against fresh
//     history.
package orchestrator
