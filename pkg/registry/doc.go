/*
Package registry tracks connected worker instances and their capabilities.

The registry is the single writer for worker-instance records. Workers enter
through Register, prove liveness through Heartbeat, and hold capacity through
Acquire/Release. Every read path (Get, List, CandidatesFor) returns deep
copies so callers can never mutate shared state.

Health decays by inactivity: an instance with no heartbeat for the degrade
threshold becomes Degraded but stays routable; past the unhealthy threshold
it becomes Unhealthy and is excluded from candidate selection until a fresh
heartbeat arrives. The decay loop runs every 30 seconds.

CandidatesFor applies the dispatch eligibility filter: capability match,
tenant match, health, and spare capacity. Scoring among the survivors is the
dispatcher's job, not the registry's.
*/
package registry
