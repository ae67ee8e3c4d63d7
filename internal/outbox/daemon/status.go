package daemon

import (
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// State is the orchestrator state.
type State string

const (
	StateIdle             State = "idle"
	StateDraining         State = "draining"
	StateBackoffScheduled State = "backoff_scheduled"
	StatePaused           State = "paused"
	StateStopped          State = "stopped"
)

// SyncStatus is the observable state of the queue.
type SyncStatus struct {
	Syncing      bool               `json:"syncing"`
	PendingCount int                `json:"pending_count"`
	LastSyncAt   *time.Time         `json:"last_sync_at,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	PausedReason schema.PauseReason `json:"paused_reason,omitempty"`
	// Action tells the user how to lift the pause.
	Action      string     `json:"action,omitempty"`
	State       State      `json:"state"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// Escalations counts consecutive failed drains, up to the escalation ceiling.
	Escalations int `json:"escalations"`
}

func (s SyncStatus) clone() SyncStatus {
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		s.NextRetryAt = &t
	}
	return s
}

// Lifecycle is a platform lifecycle event.
type Lifecycle string

const (
	Foreground Lifecycle = "foreground"
	Background Lifecycle = "background"
)

// DrainResult summarises one drain pass.
type DrainResult struct {
	Dispatched  int                `json:"dispatched"`
	Succeeded   int                `json:"succeeded"`
	Retryable   int                `json:"retryable"`
	Terminal    int                `json:"terminal"`
	StoreErrors int                `json:"store_errors"`
	Paused      schema.PauseReason `json:"paused,omitempty"`
	// Skipped is set when the queue was paused before the pass started.
	Skipped bool `json:"skipped,omitempty"`
	// Remaining is the number of records left in the queue.
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
	LastError string        `json:"last_error,omitempty"`
}
