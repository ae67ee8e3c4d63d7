// Package dispatch executes single pending writes against the backend and
// classifies the outcome.
package dispatch

import (
	"context"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/backend"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// Dispatcher executes exactly one pending write.
//
// The record must already be in flight (claimed with db.ClaimNext or
// db.MarkInFlight). The dispatcher performs one network call, records the
// result in the store, and reports what happened. It never panics and never
// returns an error: every failure, including a store failure, is an Outcome.
//
// Classification:
//   - 2xx: the record is deleted (Succeeded)
//   - network, timeout, 5xx, 503, 429: MarkFailed(retryable) (Retryable)
//   - validation, conflict, other 4xx, or a permanent backend error:
//     MarkFailed(terminal) (Terminal)
//   - no credential or 401: released, queue paused for auth (Paused)
//   - 403: released, queue paused for permission (Paused)
//   - record tenant differs from the active tenant: released, queue paused
//     for org_switch (Paused)
//
// Example:
//
//	w, _ := store.ClaimNext(ctx, time.Now())
//	out := dispatcher.Dispatch(ctx, w)
//	if out.Kind == dispatch.Paused {
//	    // stop draining until out.Pause is resolved
//	}
type Dispatcher interface {
	Dispatch(ctx context.Context, w *schema.PendingWrite) Outcome
}

// Backend performs the remote call. Errors should be *backend.ClassifiedError;
// anything else is treated as a network failure.
type Backend interface {
	Execute(ctx context.Context, req backend.Request) (*backend.Response, error)
}

// Credentials supplies the access token. An empty token means the user has
// no valid session.
type Credentials interface {
	ValidCredential(ctx context.Context) (string, error)
}

// TenantSource reports the organization the user is acting under. An empty
// tenant means unknown.
type TenantSource interface {
	ActiveTenant() string
}

// Store is the part of the queue store the dispatcher writes to.
type Store interface {
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, f db.Failure) (*schema.PendingWrite, error)
	Release(ctx context.Context, id string) error
}

// OutcomeKind summarises a dispatch.
type OutcomeKind string

const (
	Succeeded OutcomeKind = "succeeded"
	Retryable OutcomeKind = "retryable"
	Terminal  OutcomeKind = "terminal"
	Paused    OutcomeKind = "paused"
	// Cancelled means the caller's context ended mid-call; the record was
	// released without counting an attempt.
	Cancelled  OutcomeKind = "cancelled"
	StoreError OutcomeKind = "store_error"
)

// Outcome is the result of one dispatch.
type Outcome struct {
	Kind  OutcomeKind
	Pause schema.PauseReason
	Class schema.FailureClass
	// Err is the dispatch or store failure, nil on success.
	Err error
	// RetryAfter is the backend's retry hint, if any.
	RetryAfter time.Duration
	Duration   time.Duration
}
