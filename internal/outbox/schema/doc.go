// Package schema provides the record types of the offline write queue.
//
// A PendingWrite is created when a UI action is queued for the backend. It moves
// through the states below and leaves the active queue either by a successful
// dispatch (row deleted) or by an operator archiving it:
//
//	pending ──claim──> in_flight ──ok──> (deleted)
//	   ^                   │
//	   │                   ├──transient──> failed_retryable ──ceiling──> failed_terminal
//	   │                   ├──permanent──> failed_terminal
//	   └──release/requeue──┘
//
//	failed_* ──operator──> archived
//
// Records sharing a StreamKey are dispatched strictly in enqueue order. Records
// sharing a DedupKey are never in flight at the same time.
package schema
