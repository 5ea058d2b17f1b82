// Package notifier sends user-facing messages through the chat transport.
//
// Send is synchronous: callers learn whether the message went out, which
// reminder delivery relies on to decide whether to persist sent_at. Every
// attempt waits on a shared token bucket so bursts (a reminder sweep after
// downtime, a batch of run results) stay under the platform's flood limits.
// Failed attempts are retried with exponential backoff and jitter.
//
// # History
//
// A small in-memory history of recent sends is kept for the ops surface.
package notifier
