/*
Package retry computes retry delays and eligibility for failed task attempts.

Five strategies are supported: immediate, linear backoff, exponential backoff,
Fibonacci backoff and adaptive. Adaptive picks its base delay from the hour of
day (fast retries at night, long backoff during business hours) and grows by
1.5x per attempt up to five steps. All strategies clamp at the configured max
delay and optionally add ±25% uniform jitter.

Eligibility combines four rules: remaining attempts, the skip-on deny list
(always wins), the retry-on allow list (overrides defaults when non-empty),
and per-tag defaults with the worker's retry_recommended hint as tiebreaker.

Everything here is a pure function of the config, the attempt number and the
clock, which keeps the engine unit-testable in isolation.
*/
package retry
