package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

const writeColumns = `seq, id, kind, stream_key, dedup_key, tenant_id, payload,
	retry_count, last_error, failure_class, state, created_at, updated_at, next_attempt_at`

// Failure describes a failed dispatch attempt.
type Failure struct {
	Message   string
	Class     schema.FailureClass
	Retryable bool
	// RetryAt is the earliest next attempt of a retryable failure.
	// Zero means eligible on the next drain.
	RetryAt time.Time
}

// Enqueue persists a new pending write and returns its id.
//
// When a non-in-flight, non-terminal record with the same dedup key is the
// newest record of the same stream, the new input replaces its kind and
// payload (last write wins), the record keeps its queue position, and its id is
// returned with merged=true.
func (db *DB) Enqueue(ctx context.Context, in schema.PendingWriteInput) (string, bool, error) {
	if err := in.Validate(); err != nil {
		return "", false, fmt.Errorf("invalid pending write: %w", err)
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode payload: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := db.now()

	if in.DedupKey != "" {
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT p.id FROM pending_writes p
			WHERE p.dedup_key = ? AND p.stream_key = ?
			  AND p.state IN ('pending', 'failed_retryable')
			  AND p.seq = (SELECT MAX(s.seq) FROM pending_writes s WHERE s.stream_key = p.stream_key)
		`, in.DedupKey, in.StreamKey).Scan(&id)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE pending_writes
				SET kind = ?, payload = ?, tenant_id = ?, updated_at = ?
				WHERE id = ?
			`, in.Kind, string(payload), in.TenantID, now.UnixNano(), id)
			if err != nil {
				return "", false, fmt.Errorf("failed to merge pending write: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return "", false, fmt.Errorf("failed to commit: %w", err)
			}
			db.emit(Event{Type: EventMerged, ID: id, Kind: in.Kind, StreamKey: in.StreamKey, State: schema.StatePending, At: now})
			return id, true, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return "", false, fmt.Errorf("failed to look up dedup key: %w", err)
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_writes (id, kind, stream_key, dedup_key, tenant_id, payload,
			retry_count, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'pending', ?, ?)
	`, id, in.Kind, in.StreamKey, in.DedupKey, in.TenantID, string(payload), now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", false, fmt.Errorf("failed to insert pending write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit: %w", err)
	}

	db.emit(Event{Type: EventEnqueued, ID: id, Kind: in.Kind, StreamKey: in.StreamKey, State: schema.StatePending, At: now})
	return id, false, nil
}

// dispatchableQuery selects stream heads that are due and not blocked by an
// in-flight dedup key. A stream whose head is in flight or terminal has no
// dispatchable record.
const dispatchableQuery = `
	SELECT ` + writeColumns + ` FROM pending_writes p
	WHERE p.seq = (SELECT MIN(h.seq) FROM pending_writes h WHERE h.stream_key = p.stream_key)
	  AND (p.state = 'pending'
	       OR (p.state = 'failed_retryable' AND (p.next_attempt_at IS NULL OR p.next_attempt_at <= ?)))
	  AND (p.dedup_key = '' OR NOT EXISTS (
	       SELECT 1 FROM pending_writes d WHERE d.dedup_key = p.dedup_key AND d.state = 'in_flight'))
`

// NextDispatchable returns the oldest dispatchable record, or nil if there is none.
// An empty streamKey considers every stream.
func (db *DB) NextDispatchable(ctx context.Context, streamKey string, asOf time.Time) (*schema.PendingWrite, error) {
	return nextDispatchable(ctx, db.conn, streamKey, asOf)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextDispatchable(ctx context.Context, q queryer, streamKey string, asOf time.Time) (*schema.PendingWrite, error) {
	query := dispatchableQuery
	args := []any{asOf.UTC().UnixNano()}
	if streamKey != "" {
		query += " AND p.stream_key = ?"
		args = append(args, streamKey)
	}
	query += " ORDER BY p.seq ASC LIMIT 1"

	w, err := scanWrite(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find dispatchable write: %w", err)
	}
	return w, nil
}

// MarkInFlight moves a dispatchable record to in_flight.
func (db *DB) MarkInFlight(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := getWrite(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := db.claim(ctx, tx, w); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	db.emit(Event{Type: EventClaimed, ID: w.ID, Kind: w.Kind, StreamKey: w.StreamKey, State: schema.StateInFlight, RetryCount: w.RetryCount, At: w.UpdatedAt})
	return nil
}

// ClaimNext finds the oldest dispatchable record and marks it in flight in one
// transaction. It returns nil when nothing is dispatchable at asOf.
func (db *DB) ClaimNext(ctx context.Context, asOf time.Time) (*schema.PendingWrite, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := nextDispatchable(ctx, tx, "", asOf)
	if err != nil || w == nil {
		return nil, err
	}
	if err := db.claim(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	db.emit(Event{Type: EventClaimed, ID: w.ID, Kind: w.Kind, StreamKey: w.StreamKey, State: schema.StateInFlight, RetryCount: w.RetryCount, At: w.UpdatedAt})
	return w, nil
}

// claim checks the in-flight invariants for w and updates it in place.
func (db *DB) claim(ctx context.Context, tx *sql.Tx, w *schema.PendingWrite) error {
	if w.State != schema.StatePending && w.State != schema.StateFailedRetryable {
		return fmt.Errorf("%w: %s is %s", ErrNotDispatchable, w.ID, w.State)
	}

	var headSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM pending_writes WHERE stream_key = ?`, w.StreamKey).Scan(&headSeq); err != nil {
		return fmt.Errorf("failed to find stream head: %w", err)
	}
	if headSeq != w.Seq {
		return fmt.Errorf("%w: %s is not the head of stream %s", ErrStreamBusy, w.ID, w.StreamKey)
	}

	if w.DedupKey != "" {
		var busy int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_writes WHERE dedup_key = ? AND state = 'in_flight'`,
			w.DedupKey).Scan(&busy); err != nil {
			return fmt.Errorf("failed to check dedup key: %w", err)
		}
		if busy > 0 {
			return fmt.Errorf("%w: %s", ErrDedupBusy, w.DedupKey)
		}
	}

	now := db.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_writes SET state = 'in_flight', updated_at = ? WHERE id = ?
	`, now.UnixNano(), w.ID); err != nil {
		return fmt.Errorf("failed to mark in flight: %w", err)
	}
	w.State = schema.StateInFlight
	w.UpdatedAt = now
	return nil
}

// MarkSucceeded removes a confirmed record from the queue.
func (db *DB) MarkSucceeded(ctx context.Context, id string) error {
	w, err := db.Get(ctx, id)
	if err != nil {
		return err
	}

	res, err := db.conn.ExecContext(ctx, `DELETE FROM pending_writes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending write: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	db.emit(Event{Type: EventSucceeded, ID: id, Kind: w.Kind, StreamKey: w.StreamKey, RetryCount: w.RetryCount, At: db.now()})
	return nil
}

// MarkFailed records a failed attempt. The retry count always increments.
//
// A retryable failure moves the record to failed_retryable with its backoff
// deadline, unless the retry ceiling is reached, in which case it becomes
// failed_terminal like a non-retryable failure.
func (db *DB) MarkFailed(ctx context.Context, id string, f Failure) (*schema.PendingWrite, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := getWrite(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	now := db.now()
	w.RetryCount++
	w.LastError = f.Message
	w.FailureClass = f.Class
	w.UpdatedAt = now
	w.NextAttemptAt = nil

	exhausted := f.Retryable && db.opts.MaxRetries > 0 && w.RetryCount >= db.opts.MaxRetries
	if f.Retryable && !exhausted {
		w.State = schema.StateFailedRetryable
		if !f.RetryAt.IsZero() {
			at := f.RetryAt.UTC()
			w.NextAttemptAt = &at
		}
	} else {
		w.State = schema.StateFailedTerminal
		if exhausted {
			w.LastError = fmt.Sprintf("%s (gave up after %d attempts)", f.Message, w.RetryCount)
		}
	}

	var next sql.NullInt64
	if w.NextAttemptAt != nil {
		next = sql.NullInt64{Int64: w.NextAttemptAt.UnixNano(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE pending_writes
		SET state = ?, retry_count = ?, last_error = ?, failure_class = ?,
		    updated_at = ?, next_attempt_at = ?
		WHERE id = ?
	`, string(w.State), w.RetryCount, w.LastError, string(w.FailureClass), now.UnixNano(), next, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	db.emit(Event{Type: EventFailed, ID: id, Kind: w.Kind, StreamKey: w.StreamKey, State: w.State, RetryCount: w.RetryCount, Error: w.LastError, At: now})
	return w, nil
}

// Release returns an in-flight record to pending without counting an attempt.
func (db *DB) Release(ctx context.Context, id string) error {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pending_writes SET state = 'pending', updated_at = ?
		WHERE id = ? AND state = 'in_flight'
	`, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to release pending write: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}

	db.emit(Event{Type: EventReleased, ID: id, State: schema.StatePending, At: now})
	return nil
}

// Requeue makes a failed or archived record pending again. It returns false
// when the record was already pending or in flight.
func (db *DB) Requeue(ctx context.Context, id string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := db.now()
	w, err := getWrite(ctx, tx, id)
	switch {
	case err == nil:
		if !w.State.Failed() {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_writes SET state = 'pending', next_attempt_at = NULL, updated_at = ?
			WHERE id = ?
		`, now.UnixNano(), id); err != nil {
			return false, fmt.Errorf("failed to requeue: %w", err)
		}
	case errors.Is(err, ErrNotFound):
		a, aerr := getArchived(ctx, tx, id)
		if aerr != nil {
			return false, aerr
		}
		w = &a.PendingWrite
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_writes (`+writeColumns+`)
			SELECT seq, id, kind, stream_key, dedup_key, tenant_id, payload,
			       retry_count, last_error, failure_class, 'pending', created_at, ?, NULL
			FROM archived_writes WHERE id = ?
		`, now.UnixNano(), id); err != nil {
			return false, fmt.Errorf("failed to restore archived write: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM archived_writes WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to remove archived write: %w", err)
		}
	default:
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	db.emit(Event{Type: EventRequeued, ID: id, Kind: w.Kind, StreamKey: w.StreamKey, State: schema.StatePending, RetryCount: w.RetryCount, At: now})
	return true, nil
}

// RequeueWhere makes every failed record matching f pending again.
func (db *DB) RequeueWhere(ctx context.Context, f Filter) (int, error) {
	f.States = failedOnly(f.States)
	where, args := f.where("")

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	writes, err := queryWrites(ctx, tx, `SELECT `+writeColumns+` FROM pending_writes`+where+f.orderLimit(), args...)
	if err != nil {
		return 0, err
	}

	now := db.now()
	for _, w := range writes {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_writes SET state = 'pending', next_attempt_at = NULL, updated_at = ?
			WHERE id = ?
		`, now.UnixNano(), w.ID); err != nil {
			return 0, fmt.Errorf("failed to requeue %s: %w", w.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	for _, w := range writes {
		db.emit(Event{Type: EventRequeued, ID: w.ID, Kind: w.Kind, StreamKey: w.StreamKey, State: schema.StatePending, RetryCount: w.RetryCount, At: now})
	}
	return len(writes), nil
}

// RecoverInFlight returns records left in flight by a crash to pending.
// Call once at startup, before the first drain.
func (db *DB) RecoverInFlight(ctx context.Context) (int, error) {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pending_writes SET state = 'pending', updated_at = ? WHERE state = 'in_flight'
	`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight writes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered writes: %w", err)
	}
	if n > 0 {
		db.emit(Event{Type: EventRecovered, Count: int(n), At: now})
	}
	return int(n), nil
}

// Import inserts a record from another store, keeping its id, timestamps and
// retry count. In-flight records come back as pending.
func (db *DB) Import(ctx context.Context, w schema.PendingWrite) error {
	if w.ID == "" {
		return fmt.Errorf("invalid pending write: id is required")
	}
	if err := w.Input().Validate(); err != nil {
		return fmt.Errorf("invalid pending write %s: %w", w.ID, err)
	}

	state := w.State
	switch state {
	case "", schema.StateInFlight:
		state = schema.StatePending
	case schema.StateArchived:
		return fmt.Errorf("invalid pending write %s: cannot import archived records", w.ID)
	}
	if !state.Valid() {
		return fmt.Errorf("invalid pending write %s: unknown state %q", w.ID, state)
	}

	payload, err := json.Marshal(w.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	now := db.now()
	created := w.CreatedAt
	if created.IsZero() {
		created = now
	}
	var next sql.NullInt64
	if w.NextAttemptAt != nil {
		next = sql.NullInt64{Int64: w.NextAttemptAt.UTC().UnixNano(), Valid: true}
	}

	res, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_writes (id, kind, stream_key, dedup_key, tenant_id, payload,
			retry_count, last_error, failure_class, state, created_at, updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Kind, w.StreamKey, w.DedupKey, w.TenantID, string(payload),
		w.RetryCount, w.LastError, string(w.FailureClass), string(state),
		created.UTC().UnixNano(), now.UnixNano(), next)
	if err != nil {
		return fmt.Errorf("failed to import pending write %s: %w", w.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, w.ID)
	}

	db.emit(Event{Type: EventEnqueued, ID: w.ID, Kind: w.Kind, StreamKey: w.StreamKey, State: state, RetryCount: w.RetryCount, At: now})
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// writeRow holds the raw columns of a pending_writes row.
type writeRow struct {
	w                schema.PendingWrite
	payload          string
	state, class     string
	created, updated int64
	next             sql.NullInt64
}

func (r *writeRow) dest() []any {
	return []any{&r.w.Seq, &r.w.ID, &r.w.Kind, &r.w.StreamKey, &r.w.DedupKey, &r.w.TenantID, &r.payload,
		&r.w.RetryCount, &r.w.LastError, &r.class, &r.state, &r.created, &r.updated, &r.next}
}

func (r *writeRow) decode() (*schema.PendingWrite, error) {
	w := r.w
	if err := json.Unmarshal([]byte(r.payload), &w.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", w.ID, err)
	}
	w.State = schema.State(r.state)
	w.FailureClass = schema.FailureClass(r.class)
	w.CreatedAt = time.Unix(0, r.created).UTC()
	w.UpdatedAt = time.Unix(0, r.updated).UTC()
	if r.next.Valid {
		t := time.Unix(0, r.next.Int64).UTC()
		w.NextAttemptAt = &t
	}
	return &w, nil
}

func scanWrite(s rowScanner) (*schema.PendingWrite, error) {
	var r writeRow
	if err := s.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.decode()
}

func getWrite(ctx context.Context, q queryer, id string) (*schema.PendingWrite, error) {
	w, err := scanWrite(q.QueryRowContext(ctx,
		`SELECT `+writeColumns+` FROM pending_writes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending write: %w", err)
	}
	return w, nil
}

// Get returns an active record by id.
func (db *DB) Get(ctx context.Context, id string) (*schema.PendingWrite, error) {
	return getWrite(ctx, db.conn, id)
}
