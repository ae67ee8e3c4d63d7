package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// Filter selects records for listing and batch operator actions.
// Zero-valued fields match everything.
type Filter struct {
	IDs       []string
	States    []schema.State
	Classes   []schema.FailureClass
	Kind      string
	StreamKey string
	TenantID  string
	// OtherTenant matches records issued under a tenant other than this one.
	OtherTenant string
	MinRetry    int
	// OlderThan matches records created before this instant.
	OlderThan time.Time
	// DeadLetter, when positive, matches dead-letter candidates: terminal
	// failures, or retryable failures with more than DeadLetter retries.
	DeadLetter int
	Limit      int
}

func (f Filter) where(prefix string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	col := func(name string) string { return prefix + name }

	if len(f.IDs) > 0 {
		conds = append(conds, col("id")+" IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.States) > 0 {
		conds = append(conds, col("state")+" IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if len(f.Classes) > 0 {
		conds = append(conds, col("failure_class")+" IN ("+placeholders(len(f.Classes))+")")
		for _, c := range f.Classes {
			args = append(args, string(c))
		}
	}
	if f.Kind != "" {
		conds = append(conds, col("kind")+" = ?")
		args = append(args, f.Kind)
	}
	if f.StreamKey != "" {
		conds = append(conds, col("stream_key")+" = ?")
		args = append(args, f.StreamKey)
	}
	if f.TenantID != "" {
		conds = append(conds, col("tenant_id")+" = ?")
		args = append(args, f.TenantID)
	}
	if f.OtherTenant != "" {
		conds = append(conds, col("tenant_id")+" <> '' AND "+col("tenant_id")+" <> ?")
		args = append(args, f.OtherTenant)
	}
	if f.MinRetry > 0 {
		conds = append(conds, col("retry_count")+" >= ?")
		args = append(args, f.MinRetry)
	}
	if !f.OlderThan.IsZero() {
		conds = append(conds, col("created_at")+" < ?")
		args = append(args, f.OlderThan.UTC().UnixNano())
	}
	if f.DeadLetter > 0 {
		conds = append(conds, "("+col("state")+" = 'failed_terminal' OR ("+
			col("state")+" = 'failed_retryable' AND "+col("retry_count")+" > ?))")
		args = append(args, f.DeadLetter)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) orderLimit() string {
	s := " ORDER BY seq ASC"
	if f.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// failedOnly narrows states to the failure states (both when empty).
func failedOnly(states []schema.State) []schema.State {
	if len(states) == 0 {
		return []schema.State{schema.StateFailedRetryable, schema.StateFailedTerminal}
	}
	var out []schema.State
	for _, s := range states {
		if s.Failed() {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		// Nothing failed was asked for; match nothing.
		return []schema.State{"none"}
	}
	return out
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryWrites(ctx context.Context, q rowsQueryer, query string, args ...any) ([]*schema.PendingWrite, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending writes: %w", err)
	}
	defer rows.Close()

	var writes []*schema.PendingWrite
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// List returns active records matching f in queue order.
func (db *DB) List(ctx context.Context, f Filter) ([]*schema.PendingWrite, error) {
	where, args := f.where("")
	return queryWrites(ctx, db.conn, `SELECT `+writeColumns+` FROM pending_writes`+where+f.orderLimit(), args...)
}

// ListFailures returns failed records matching f. States other than the
// failure states are ignored.
func (db *DB) ListFailures(ctx context.Context, f Filter) ([]*schema.PendingWrite, error) {
	f.States = failedOnly(f.States)
	return db.List(ctx, f)
}

// CountPending returns the number of records not yet confirmed by the backend.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending writes: %w", err)
	}
	return n, nil
}

// Counts summarises the queue.
type Counts struct {
	Pending         int `json:"pending"`
	InFlight        int `json:"in_flight"`
	FailedRetryable int `json:"failed_retryable"`
	FailedTerminal  int `json:"failed_terminal"`
	Archived        int `json:"archived"`
	MaxRetry        int `json:"max_retry"`
}

// Active returns the number of records still in the queue.
func (c Counts) Active() int {
	return c.Pending + c.InFlight + c.FailedRetryable + c.FailedTerminal
}

// CountByState returns per-state counts, including the archive.
func (db *DB) CountByState(ctx context.Context) (Counts, error) {
	var c Counts

	rows, err := db.conn.QueryContext(ctx, `
		SELECT state, COUNT(*), COALESCE(MAX(retry_count), 0)
		FROM pending_writes GROUP BY state
	`)
	if err != nil {
		return c, fmt.Errorf("failed to count by state: %w", err)
	}
	for rows.Next() {
		var (
			state    string
			n, retry int
		)
		if err := rows.Scan(&state, &n, &retry); err != nil {
			rows.Close()
			return c, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch schema.State(state) {
		case schema.StatePending:
			c.Pending = n
		case schema.StateInFlight:
			c.InFlight = n
		case schema.StateFailedRetryable:
			c.FailedRetryable = n
		case schema.StateFailedTerminal:
			c.FailedTerminal = n
		}
		if retry > c.MaxRetry {
			c.MaxRetry = retry
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return c, err
	}
	rows.Close()

	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_writes`).Scan(&c.Archived); err != nil {
		return c, fmt.Errorf("failed to count archived writes: %w", err)
	}
	return c, nil
}

// CountByClass returns the number of failed records per failure class.
func (db *DB) CountByClass(ctx context.Context) (map[schema.FailureClass]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT failure_class, COUNT(*) FROM pending_writes
		WHERE state IN ('failed_retryable', 'failed_terminal')
		GROUP BY failure_class
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by class: %w", err)
	}
	defer rows.Close()

	out := make(map[schema.FailureClass]int)
	for rows.Next() {
		var (
			class string
			n     int
		)
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("failed to scan class counts: %w", err)
		}
		out[schema.FailureClass(class)] = n
	}
	return out, rows.Err()
}

// Count returns the number of active records matching f.
func (db *DB) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where("")
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending writes: %w", err)
	}
	return n, nil
}

// CountOtherTenants returns the number of active records issued under a
// tenant other than tenant. Records without a tenant are not counted, and an
// unknown active tenant mismatches nothing.
func (db *DB) CountOtherTenants(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		return 0, nil
	}
	return db.Count(ctx, Filter{OtherTenant: tenant})
}
