// Package genqueue implements the in-process job control plane for an
// image-generation backend: a priority job queue with bounded concurrency,
// backpressure, per-user rate limiting, duplicate-request-id policy, retries
// with exponential backoff, per-attempt timeouts, structured cancellation,
// graceful shutdown, and live metrics.
//
// A [Manager] owns every task it admits. Callers hold only the [*Task]
// returned by [Manager.Submit], which acts as a result future and a cancel
// handle. Work is expressed as a [Runnable]; the manager enforces the
// per-attempt deadline, so work functions only need to observe their context.
//
// The companion packages generr (error taxonomy and HTTP mapping), breaker
// (per-service circuit breakers), and credits (pre-flight balance checks and
// debit-on-success) cover the rest of the control plane.
package genqueue
