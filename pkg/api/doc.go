/*
Package api implements the HTTP JSON API of the orchestration core.

The server carries two audiences on one listener: the submission API used by
clients and operators, and the worker API used by connected agent processes.

# Endpoints

Submission API:

	POST   /v1/tasks                  submit a task
	GET    /v1/tasks/{id}             fetch a task record
	GET    /v1/tasks/upcoming         tasks due within a horizon
	POST   /v1/tasks/{id}/cancel      request cancellation
	POST   /v1/workflows              expand and submit a workflow
	GET    /v1/workflows/{id}         fetch a workflow record
	GET    /v1/deadletters            inspect the dead-letter queue
	POST   /v1/deadletters/requeue    re-admit recent dead letters

Worker API:

	POST   /v1/workers/register        register a worker instance
	DELETE /v1/workers/{id}            unregister
	POST   /v1/workers/{id}/heartbeat  report liveness and load
	GET    /v1/workers                 list registered instances
	POST   /v1/tasks/{id}/complete     report a successful run
	POST   /v1/tasks/{id}/fail         report a failed run
	POST   /v1/messages/{id}/ack       acknowledge a hub message

Operational:

	GET /healthz    liveness
	GET /readyz     readiness of the critical components
	GET /metrics    Prometheus exposition

# Semantics

Write endpoints are idempotent by id: resubmitting a task id is rejected as a
duplicate, a second completion report is a no-op, and acking an unknown
message does nothing. Cancellation returns 202 because tasks held by a worker
only settle after the grace window.

Every handler runs through the instrumentation middleware, which feeds the
request counter and latency histogram and emits a debug log line per request.
ReadOnly wraps a handler set for local inspection listeners that must not
accept writes.
*/
package api
