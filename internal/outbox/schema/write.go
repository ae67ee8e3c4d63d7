package schema

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// State is the lifecycle state of a PendingWrite.
type State string

const (
	StatePending         State = "pending"
	StateInFlight        State = "in_flight"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
	StateArchived        State = "archived"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending,
	StateInFlight,
	StateFailedRetryable,
	StateFailedTerminal,
	StateArchived,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Failed reports whether s is one of the failure states.
func (s State) Failed() bool {
	return s == StateFailedRetryable || s == StateFailedTerminal
}

// ParseState parses a state name, accepting dashes in place of underscores.
func ParseState(raw string) (State, error) {
	s := State(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", raw)
	}
	return s, nil
}

// FailureClass names the category of the most recent dispatch failure.
type FailureClass string

const (
	ClassNone        FailureClass = ""
	ClassNetwork     FailureClass = "network"
	ClassTimeout     FailureClass = "timeout"
	ClassServer      FailureClass = "server"
	ClassUnavailable FailureClass = "unavailable"
	ClassValidation  FailureClass = "validation"
	ClassConflict    FailureClass = "conflict"
	ClassClient      FailureClass = "client"
	ClassAuth        FailureClass = "auth"
	ClassPermission  FailureClass = "permission"
	ClassTenant      FailureClass = "tenant"
)

// FailureClasses lists the classes an operator can filter on.
var FailureClasses = []FailureClass{
	ClassNetwork, ClassTimeout, ClassServer, ClassUnavailable,
	ClassValidation, ClassConflict, ClassClient,
	ClassAuth, ClassPermission, ClassTenant,
}

// Transient reports whether failures of this class are worth retrying.
func (c FailureClass) Transient() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassServer, ClassUnavailable:
		return true
	default:
		return false
	}
}

// ParseFailureClass parses a failure class name.
func ParseFailureClass(raw string) (FailureClass, error) {
	c := FailureClass(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range FailureClasses {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown failure class %q", raw)
}

// Payload describes the remote call a PendingWrite stands for.
// The queue stores and forwards it without interpreting it.
type Payload struct {
	Method  string            `json:"method"`
	Target  string            `json:"target"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate checks that the payload names a call.
func (p Payload) Validate() error {
	if p.Target == "" {
		return fmt.Errorf("payload target is required")
	}
	switch strings.ToUpper(p.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	case "":
		return fmt.Errorf("payload method is required")
	default:
		return fmt.Errorf("payload method %q is not a write method", p.Method)
	}
	if len(p.Body) > 0 && !json.Valid(p.Body) {
		return fmt.Errorf("payload body is not valid JSON")
	}
	return nil
}

// PendingWriteInput is what a caller supplies to enqueue a mutation.
type PendingWriteInput struct {
	Kind      string  `json:"kind"`
	StreamKey string  `json:"stream_key"`
	DedupKey  string  `json:"dedup_key,omitempty"`
	TenantID  string  `json:"tenant_id,omitempty"`
	Payload   Payload `json:"payload"`
}

// Validate checks the caller-supplied fields.
func (in PendingWriteInput) Validate() error {
	if in.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if in.StreamKey == "" {
		return fmt.Errorf("stream key is required")
	}
	if len(in.Kind) > 200 {
		return fmt.Errorf("kind must be 200 characters or less (got %d)", len(in.Kind))
	}
	if err := in.Payload.Validate(); err != nil {
		return err
	}
	return nil
}

// PendingWrite is one durable record of an intended remote mutation.
type PendingWrite struct {
	ID            string       `json:"id"`
	Seq           int64        `json:"seq"`
	Kind          string       `json:"kind"`
	StreamKey     string       `json:"stream_key"`
	DedupKey      string       `json:"dedup_key,omitempty"`
	TenantID      string       `json:"tenant_id,omitempty"`
	Payload       Payload      `json:"payload"`
	RetryCount    int          `json:"retry_count"`
	LastError     string       `json:"last_error,omitempty"`
	FailureClass  FailureClass `json:"failure_class,omitempty"`
	State         State        `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
}

// Input returns the caller-supplied part of the record.
func (w *PendingWrite) Input() PendingWriteInput {
	return PendingWriteInput{
		Kind:      w.Kind,
		StreamKey: w.StreamKey,
		DedupKey:  w.DedupKey,
		TenantID:  w.TenantID,
		Payload:   w.Payload,
	}
}

// Due reports whether the record may be dispatched at asOf.
func (w *PendingWrite) Due(asOf time.Time) bool {
	switch w.State {
	case StatePending:
		return true
	case StateFailedRetryable:
		return w.NextAttemptAt == nil || !w.NextAttemptAt.After(asOf)
	default:
		return false
	}
}

// ArchivedWrite is a dead-lettered record moved out of the active queue.
type ArchivedWrite struct {
	PendingWrite
	ArchivedAt    time.Time `json:"archived_at"`
	ArchiveReason string    `json:"archive_reason"`
}

// PauseReason names a queue-wide condition that halts dispatch.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseAuth       PauseReason = "auth"
	PausePermission PauseReason = "permission"
	PauseOrgSwitch  PauseReason = "org_switch"
)

// Action returns what a user has to do to lift the pause.
func (r PauseReason) Action() string {
	switch r {
	case PauseAuth:
		return "sign in again to resume syncing"
	case PausePermission:
		return "ask an administrator for access to this organization, then retry"
	case PauseOrgSwitch:
		return "switch back to the organization these changes belong to, or archive them"
	default:
		return ""
	}
}
