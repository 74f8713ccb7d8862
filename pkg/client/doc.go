// Package client is a thin wrapper over the core's HTTP JSON API. The CLI
// uses it for every command; worker processes can use the worker-facing
// methods (RegisterWorker, Heartbeat, CompleteTask, FailTask, AckMessage) to
// talk to the core without hand-rolling requests.
package client
