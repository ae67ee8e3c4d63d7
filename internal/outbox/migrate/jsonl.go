// Package migrate imports queue dumps written by the previous on-device
// client into the sqlite store.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// maxLineSize bounds a single record. Payload bodies can be large.
const maxLineSize = 4 << 20

// Timestamp decodes either epoch milliseconds or an RFC3339 string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// LegacyPayload is the request description as the old client stored it.
// Older builds used url instead of target.
type LegacyPayload struct {
	Method  string            `json:"method"`
	Target  string            `json:"target"`
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// LegacyWrite is one line of a legacy dump.
type LegacyWrite struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	StreamKey      string        `json:"streamKey"`
	DedupKey       string        `json:"dedupKey,omitempty"`
	OrganizationID string        `json:"organizationId,omitempty"`
	Payload        LegacyPayload `json:"payload"`
	RetryCount     int           `json:"retryCount"`
	LastError      string        `json:"lastError,omitempty"`
	FailureClass   string        `json:"failureClass,omitempty"`
	State          string        `json:"state"`
	CreatedAt      Timestamp     `json:"createdAt"`
	NextAttemptAt  Timestamp     `json:"nextAttemptAt"`
}

var legacyStates = map[string]schema.State{
	"":                 schema.StatePending,
	"pending":          schema.StatePending,
	"queued":           schema.StatePending,
	"in_flight":        schema.StateInFlight,
	"inflight":         schema.StateInFlight,
	"sending":          schema.StateInFlight,
	"failed":           schema.StateFailedRetryable,
	"failed_retryable": schema.StateFailedRetryable,
	"failedretryable":  schema.StateFailedRetryable,
	"failed_terminal":  schema.StateFailedTerminal,
	"failedterminal":   schema.StateFailedTerminal,
}

// ToPendingWrite converts a legacy line into a store record. defaultTenant
// fills records that carry no organization.
func (lw *LegacyWrite) ToPendingWrite(defaultTenant string) (*schema.PendingWrite, error) {
	if lw.ID == "" {
		return nil, errors.New("missing id")
	}
	state, ok := legacyStates[strings.ToLower(strings.ReplaceAll(lw.State, "-", "_"))]
	if !ok {
		return nil, fmt.Errorf("unknown state %q", lw.State)
	}
	if lw.RetryCount < 0 {
		return nil, fmt.Errorf("negative retry count %d", lw.RetryCount)
	}

	var class schema.FailureClass
	if lw.FailureClass != "" {
		c, err := schema.ParseFailureClass(lw.FailureClass)
		if err != nil {
			return nil, err
		}
		class = c
	}

	target := lw.Payload.Target
	if target == "" {
		target = lw.Payload.URL
	}
	tenant := lw.OrganizationID
	if tenant == "" {
		tenant = defaultTenant
	}

	w := &schema.PendingWrite{
		ID:        lw.ID,
		Kind:      lw.Kind,
		StreamKey: lw.StreamKey,
		DedupKey:  lw.DedupKey,
		TenantID:  tenant,
		Payload: schema.Payload{
			Method:  strings.ToUpper(lw.Payload.Method),
			Target:  target,
			Body:    lw.Payload.Body,
			Headers: lw.Payload.Headers,
		},
		RetryCount:   lw.RetryCount,
		LastError:    lw.LastError,
		FailureClass: class,
		State:        state,
		CreatedAt:    lw.CreatedAt.Time,
	}
	if !lw.NextAttemptAt.IsZero() {
		next := lw.NextAttemptAt.Time
		w.NextAttemptAt = &next
	}
	if err := w.Input().Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// LineError is a record that could not be read or imported.
type LineError struct {
	Line int
	ID   string
	Err  error
}

func (e LineError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("line %d (%s): %v", e.Line, e.ID, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// Record pairs a converted write with the line it came from.
type Record struct {
	Line  int
	Write *schema.PendingWrite
}

// ReadJSONL decodes a legacy dump. Blank lines are skipped; bad lines are
// reported and do not stop the read.
func ReadJSONL(r io.Reader, defaultTenant string) ([]Record, []LineError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	var lineErrs []LineError
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var lw LegacyWrite
		if err := json.Unmarshal(line, &lw); err != nil {
			lineErrs = append(lineErrs, LineError{Line: lineNum, Err: fmt.Errorf("invalid JSON: %w", err)})
			continue
		}
		w, err := lw.ToPendingWrite(defaultTenant)
		if err != nil {
			lineErrs = append(lineErrs, LineError{Line: lineNum, ID: lw.ID, Err: err})
			continue
		}
		records = append(records, Record{Line: lineNum, Write: w})
	}
	if err := scanner.Err(); err != nil {
		return records, lineErrs, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return records, lineErrs, nil
}

// Importer receives converted records.
type Importer interface {
	Import(ctx context.Context, w schema.PendingWrite) error
}

// Options configures a migration.
type Options struct {
	FromJSONL     string // legacy dump path
	DryRun        bool   // validate without writing
	Backup        bool   // copy the dump aside before importing
	DefaultTenant string
	Now           func() time.Time
}

// Result summarizes a migration.
type Result struct {
	Read          int
	Imported      int
	Duplicates    int
	BackupCreated string
	Errors        []LineError
}

// Migrate imports a legacy dump into store. Per-line problems are collected
// in Result.Errors; only I/O failures and cancellation return an error.
func Migrate(ctx context.Context, store Importer, opts Options) (*Result, error) {
	if store == nil && !opts.DryRun {
		return nil, errors.New("migrate: store is required unless dry-run")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.Open(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	result := &Result{}
	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + now().Format("20060102-150405")
		if err := copyFile(opts.FromJSONL, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, lineErrs, err := ReadJSONL(file, opts.DefaultTenant)
	if err != nil {
		return nil, err
	}
	result.Read = len(records) + len(lineErrs)
	result.Errors = lineErrs

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if opts.DryRun {
			result.Imported++
			continue
		}
		err := store.Import(ctx, *rec.Write)
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, db.ErrDuplicate):
			result.Duplicates++
		default:
			result.Errors = append(result.Errors, LineError{Line: rec.Line, ID: rec.Write.ID, Err: err})
		}
	}
	return result, nil
}

func copyFile(src, dst string) error {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
