/*
Package resource watches host headroom for dispatch admission.

The monitor samples CPU and memory utilization every 30 seconds through
gopsutil. Because a burst of dispatches can land between samples, every
dispatched task charges a small estimated cost against the snapshot until
the task completes or the next real sample replaces the estimate.

The dispatcher calls Gate with a task's declared minimum headroom before
assigning it; tasks with no declared requirements always pass.
*/
package resource
