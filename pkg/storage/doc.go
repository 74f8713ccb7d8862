/*
Package storage provides persistent state for the orchestration core using bbolt.

The store keeps five kinds of state: task records, per-priority dispatch
queues, the dead-letter queue, workflow records and bounded execution history
rings. Everything is serialized as JSON inside a single bbolt database, one
bucket per concern.

# Queue layout

Each priority level owns one bucket. Keys are the ready-at timestamp as
fixed-width hex followed by a per-bucket sequence number, so bbolt's byte
ordering yields (ready-at asc, submission order asc) iteration and the queue
head is simply Cursor().First(). A side index maps task id to its queue
position, making revocation on cancel a constant-time delete.

# State machine enforcement

UpdateStatus is the single mutation path for task status. It validates the
transition against types.CanTransition inside the write transaction, applies
the caller's field mutation, then enforces the record invariants: completed-at
set exactly on terminal (and timeout) states, assigned-worker retained only
while assigned/running/timed-out, started-at stamped on entering Running.
Readers therefore never observe a record that violates the machine.

# Durability contract

Correctness of the wider system needs only at-least-once dispatch and
idempotent status updates keyed by task id. Any durable ordered store with
atomic list operations could replace this implementation behind the Store
interface.
*/
package storage
