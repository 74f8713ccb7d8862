/*
Package metrics provides Prometheus metrics and component health for Drover.

All collectors are package-level and registered in init, following the usual
client_golang pattern: counters for task and message throughput, gauges for
queue depth and worker capacity, histograms for dispatch and API latency.
Handler exposes them for the /metrics endpoint.

The health checker tracks per-component liveness. GetHealth aggregates every
registered component; GetReadiness checks only the critical set (store,
dispatcher, hub, api) so the core is not marked ready while still wiring up.
*/
package metrics
