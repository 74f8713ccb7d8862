/*
Package hub is the communication layer between the core and worker agents.

# Architecture

The hub splits into four pieces:

  - Transport: moves envelopes between processes. MemoryTransport serves
    single-binary deployments and tests; RedisTransport rides Redis pub/sub
    when workers run out of process. Both preserve publish order per topic.
  - Router: owns the worker-kind and channel membership tables and expands a
    recipient (kind, instance id, broadcast, channel) into instance ids,
    filtered by health and a per-instance in-flight soft cap.
  - Delivery (Hub): consults the protocol matrix before transport, applying
    checksums, gzip compression, and AES-GCM sealing per sender→recipient
    contract. Requires-response messages are tracked until Ack; a sweeper
    runs every 10 seconds and redelivers unacked messages with 2^attempt
    seconds of backoff until max retries, after which the message counts as
    expired and any response waiter is released.
  - Coordinator: two-phase agreement for synchronized workflow starts. Every
    participant kind receives a CoordinationRequest with a 30 second
    response timeout; the round is coordinated only when all participants
    report ready inside the 60 second round window.

# Protocol matrix

Sender→recipient-kind pairs can declare encryption, compression, integrity
checksums, required payload fields, and a priority override. Unknown pairs
fall back to a generic protocol that touches nothing. Receivers reverse the
transforms with DecodePayload.
*/
package hub
