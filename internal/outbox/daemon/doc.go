// Package daemon provides the sync orchestrator of the offline write queue.
//
// The orchestrator decides when pending writes are dispatched, keeps the
// in-memory SyncStatus, and implements session backoff. It is constructed once
// per process and handed explicitly to whatever needs to enqueue or observe.
//
// # Architecture
//
//   - Store: the durable queue (package db), the single source of truth
//   - Dispatcher: executes one claimed write (package dispatch)
//   - Orchestrator: drain passes, debounce, backoff timer, pause handling
//
// # State Machine
//
//	Idle ──trigger──> Draining ──queue empty──> Idle
//	                     │
//	                     ├──retryable work left──> BackoffScheduled ──timer──> Draining
//	                     └──pause condition──> Paused ──ResumeSync──> Draining
//
// Triggers are an enqueue (after DebounceInterval), HandleLifecycle(Foreground),
// SyncNow, and the backoff timer. An immediate trigger cancels a scheduled
// backoff timer; at most one timer exists at a time. Triggers that arrive while
// a pass is running coalesce into one follow-up pass.
//
// # Backoff
//
// After the Nth consecutive pass that ends with retryable work remaining, the
// next pass is scheduled after
//
//	jitter(min(B * 2^N, CAP))    jitter in [0.85, 1.15]
//
// Past EscalationCeiling the delay is pinned at jitter(CAP). N resets when a
// pass leaves the queue empty. Retrying never stops.
//
// # Pausing
//
// A missing credential, 401, 403 or tenant mismatch pauses the whole queue.
// The claimed record is released without counting an attempt, and nothing is
// dispatched until ResumeSync, or until CredentialsChanged / TenantChanged
// observe that the condition is gone.
//
// # Error Handling
//
// Entry points never return errors (Enqueue aside). Failures are logged and
// reflected in SyncStatus.LastError, which is broadcast to subscribers.
//
// # Graceful Shutdown
//
// Stop cancels the running pass (its in-flight record is released), stops the
// timers and waits for background goroutines.
package daemon
