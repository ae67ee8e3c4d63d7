package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// Format is a snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat parses a format name. An empty name means JSON.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unknown snapshot format %q (want json, yaml or toml)", raw)
	}
}

// RecordInfo is the operational metadata of one record. It never carries
// the payload, which may hold personal data or credentials.
type RecordInfo struct {
	ID            string `json:"id" yaml:"id" toml:"id"`
	Kind          string `json:"kind" yaml:"kind" toml:"kind"`
	StreamKey     string `json:"stream_key" yaml:"stream_key" toml:"stream_key"`
	DedupKey      string `json:"dedup_key,omitempty" yaml:"dedup_key,omitempty" toml:"dedup_key,omitempty"`
	TenantID      string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" toml:"tenant_id,omitempty"`
	State         string `json:"state" yaml:"state" toml:"state"`
	FailureClass  string `json:"failure_class,omitempty" yaml:"failure_class,omitempty" toml:"failure_class,omitempty"`
	RetryCount    int    `json:"retry_count" yaml:"retry_count" toml:"retry_count"`
	LastError     string `json:"last_error,omitempty" yaml:"last_error,omitempty" toml:"last_error,omitempty"`
	CreatedAt     string `json:"created_at" yaml:"created_at" toml:"created_at"`
	UpdatedAt     string `json:"updated_at" yaml:"updated_at" toml:"updated_at"`
	NextAttemptAt string `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty" toml:"next_attempt_at,omitempty"`
	ArchivedAt    string `json:"archived_at,omitempty" yaml:"archived_at,omitempty" toml:"archived_at,omitempty"`
	ArchiveReason string `json:"archive_reason,omitempty" yaml:"archive_reason,omitempty" toml:"archive_reason,omitempty"`
}

// Snapshot is an exportable view of the queue for support tickets.
type Snapshot struct {
	Report   Report       `json:"report" yaml:"report" toml:"report"`
	Records  []RecordInfo `json:"records" yaml:"records" toml:"records"`
	Archived []RecordInfo `json:"archived" yaml:"archived" toml:"archived"`
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func recordInfo(w *schema.PendingWrite) RecordInfo {
	info := RecordInfo{
		ID:           w.ID,
		Kind:         w.Kind,
		StreamKey:    w.StreamKey,
		DedupKey:     w.DedupKey,
		TenantID:     w.TenantID,
		State:        string(w.State),
		FailureClass: string(w.FailureClass),
		RetryCount:   w.RetryCount,
		LastError:    w.LastError,
		CreatedAt:    stamp(w.CreatedAt),
		UpdatedAt:    stamp(w.UpdatedAt),
	}
	if w.NextAttemptAt != nil {
		info.NextAttemptAt = stamp(*w.NextAttemptAt)
	}
	return info
}

// ExportSnapshot collects the report and the metadata of every active and
// archived record.
func (s *Service) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	report, err := s.Diagnostics(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	writes, err := s.store.List(ctx, db.Filter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list writes: %w", err)
	}
	archived, err := s.store.ListArchived(ctx, db.Filter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list archived writes: %w", err)
	}

	snap := Snapshot{
		Report:   report,
		Records:  make([]RecordInfo, 0, len(writes)),
		Archived: make([]RecordInfo, 0, len(archived)),
	}
	for _, w := range writes {
		snap.Records = append(snap.Records, recordInfo(w))
	}
	for _, a := range archived {
		info := recordInfo(&a.PendingWrite)
		info.State = string(schema.StateArchived)
		info.ArchivedAt = stamp(a.ArchivedAt)
		info.ArchiveReason = a.ArchiveReason
		snap.Archived = append(snap.Archived, info)
	}
	return snap, nil
}

// Encode writes the snapshot in the given format.
func (snap Snapshot) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(snap); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown snapshot format %q", format)
	}
}
