package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// Archive moves one record out of the active queue. In-flight records cannot
// be archived.
func (db *DB) Archive(ctx context.Context, id, reason string) error {
	w, err := db.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.State == schema.StateInFlight {
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	n, err := db.ArchiveAll(ctx, Filter{IDs: []string{id}, States: []schema.State{w.State}}, reason)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ArchiveAll moves every record matching f to the archive in one transaction.
// When f names no states it matches the failure states. In-flight records are
// always skipped.
func (db *DB) ArchiveAll(ctx context.Context, f Filter, reason string) (int, error) {
	if len(f.States) == 0 {
		f.States = failedOnly(nil)
	}
	var states []schema.State
	for _, s := range f.States {
		if s != schema.StateInFlight {
			states = append(states, s)
		}
	}
	if len(states) == 0 {
		return 0, nil
	}
	f.States = states

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	where, args := f.where("")
	writes, err := queryWrites(ctx, tx, `SELECT `+writeColumns+` FROM pending_writes`+where+f.orderLimit(), args...)
	if err != nil {
		return 0, err
	}

	now := db.now()
	for _, w := range writes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archived_writes (`+writeColumns+`, archived_at, archive_reason)
			SELECT `+writeColumns+`, ?, ? FROM pending_writes WHERE id = ?
		`, now.UnixNano(), reason, w.ID); err != nil {
			return 0, fmt.Errorf("failed to archive %s: %w", w.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE id = ?`, w.ID); err != nil {
			return 0, fmt.Errorf("failed to remove %s from queue: %w", w.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	for _, w := range writes {
		db.emit(Event{Type: EventArchived, ID: w.ID, Kind: w.Kind, StreamKey: w.StreamKey, State: schema.StateArchived, RetryCount: w.RetryCount, Error: reason, At: now})
	}
	return len(writes), nil
}

const archivedColumns = writeColumns + `, archived_at, archive_reason`

func scanArchived(s rowScanner) (*schema.ArchivedWrite, error) {
	var (
		r        writeRow
		a        schema.ArchivedWrite
		archived int64
	)
	if err := s.Scan(append(r.dest(), &archived, &a.ArchiveReason)...); err != nil {
		return nil, err
	}
	w, err := r.decode()
	if err != nil {
		return nil, err
	}
	a.PendingWrite = *w
	a.ArchivedAt = time.Unix(0, archived).UTC()
	return &a, nil
}

func getArchived(ctx context.Context, q queryer, id string) (*schema.ArchivedWrite, error) {
	a, err := scanArchived(q.QueryRowContext(ctx,
		`SELECT `+archivedColumns+` FROM archived_writes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived write: %w", err)
	}
	return a, nil
}

// GetArchived returns an archived record by id.
func (db *DB) GetArchived(ctx context.Context, id string) (*schema.ArchivedWrite, error) {
	return getArchived(ctx, db.conn, id)
}

// ListArchived returns archived records matching f, newest archive first.
func (db *DB) ListArchived(ctx context.Context, f Filter) ([]*schema.ArchivedWrite, error) {
	where, args := f.where("")
	query := `SELECT ` + archivedColumns + ` FROM archived_writes` + where + ` ORDER BY archived_at DESC, seq ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived writes: %w", err)
	}
	defer rows.Close()

	var out []*schema.ArchivedWrite
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived write: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Clear permanently removes an archived record.
func (db *DB) Clear(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM archived_writes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear archived write: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	db.emit(Event{Type: EventCleared, ID: id, State: schema.StateArchived, At: db.now()})
	return nil
}
