/*
Package log provides structured logging for Drover using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helpers for
common patterns. All logs carry timestamps and the component field so that
the dispatcher, orchestrator, hub and store can be filtered independently.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("task_id", task.ID).Msg("task dispatched")

Child loggers exist for the identifiers that recur across the codebase:
WithTaskID, WithWorkerID and WithWorkflowID.
*/
package log
