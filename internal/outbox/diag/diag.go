// Package diag implements operator diagnostics and recovery for the write
// queue: health reports, reprocessing, dead-letter archiving, snapshot export
// and failure classification.
//
// Unlike the orchestrator, every operation here returns its errors to the
// operator.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// DefaultDeadLetterThreshold is the retry count above which a retryable
// failure counts as a dead-letter candidate.
const DefaultDeadLetterThreshold = 10

// Store is the part of the queue store diagnostics needs.
type Store interface {
	CountByState(ctx context.Context) (db.Counts, error)
	CountByClass(ctx context.Context) (map[schema.FailureClass]int, error)
	Count(ctx context.Context, f db.Filter) (int, error)
	Get(ctx context.Context, id string) (*schema.PendingWrite, error)
	List(ctx context.Context, f db.Filter) ([]*schema.PendingWrite, error)
	ListFailures(ctx context.Context, f db.Filter) ([]*schema.PendingWrite, error)
	ListArchived(ctx context.Context, f db.Filter) ([]*schema.ArchivedWrite, error)
	Requeue(ctx context.Context, id string) (bool, error)
	RequeueWhere(ctx context.Context, f db.Filter) (int, error)
	ArchiveAll(ctx context.Context, f db.Filter, reason string) (int, error)
	Clear(ctx context.Context, id string) error
}

// Syncer is the orchestrator as seen by diagnostics. It may be nil when no
// orchestrator runs in this process.
type Syncer interface {
	Status() daemon.SyncStatus
	Reprocessed()
}

// Config configures a Service.
type Config struct {
	DeadLetterThreshold int
	Classifier          *Classifier
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Service runs diagnostics against a store.
type Service struct {
	store      Store
	syncer     Syncer
	threshold  int
	classifier *Classifier
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Service.
func New(store Store, syncer Syncer, cfg Config) *Service {
	if cfg.DeadLetterThreshold <= 0 {
		cfg.DeadLetterThreshold = DefaultDeadLetterThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil, cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      store,
		syncer:     syncer,
		threshold:  cfg.DeadLetterThreshold,
		classifier: cfg.Classifier,
		logger:     cfg.Logger.With("component", "diag"),
		now:        cfg.Now,
	}
}

// Threshold returns the dead-letter retry threshold.
func (s *Service) Threshold() int {
	return s.threshold
}

// Report is a point-in-time health summary of the queue.
type Report struct {
	GeneratedAt          time.Time                   `json:"generated_at" yaml:"generated_at" toml:"generated_at"`
	Pending              int                         `json:"pending" yaml:"pending" toml:"pending"`
	InFlight             int                         `json:"in_flight" yaml:"in_flight" toml:"in_flight"`
	FailedRetryable      int                         `json:"failed_retryable" yaml:"failed_retryable" toml:"failed_retryable"`
	FailedTerminal       int                         `json:"failed_terminal" yaml:"failed_terminal" toml:"failed_terminal"`
	DeadLetterCandidates int                         `json:"dead_letter_candidates" yaml:"dead_letter_candidates" toml:"dead_letter_candidates"`
	DeadLetterStored     int                         `json:"dead_letter_stored" yaml:"dead_letter_stored" toml:"dead_letter_stored"`
	DeadLetterThreshold  int                         `json:"dead_letter_threshold" yaml:"dead_letter_threshold" toml:"dead_letter_threshold"`
	MaxRetry             int                         `json:"max_retry" yaml:"max_retry" toml:"max_retry"`
	PausedReason         schema.PauseReason          `json:"paused_reason,omitempty" yaml:"paused_reason,omitempty" toml:"paused_reason,omitempty"`
	LastError            string                      `json:"last_error,omitempty" yaml:"last_error,omitempty" toml:"last_error,omitempty"`
	ByClass              map[schema.FailureClass]int `json:"by_class" yaml:"by_class" toml:"by_class"`
}

// Healthy reports whether nothing needs operator attention.
func (r Report) Healthy() bool {
	return r.DeadLetterCandidates == 0 && r.PausedReason == schema.PauseNone
}

func (s *Service) deadLetterFilter() db.Filter {
	return db.Filter{DeadLetter: s.threshold}
}

// Diagnostics builds a Report. The pause reason comes from the orchestrator
// when one is attached.
func (s *Service) Diagnostics(ctx context.Context) (Report, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read queue counts: %w", err)
	}
	candidates, err := s.store.Count(ctx, s.deadLetterFilter())
	if err != nil {
		return Report{}, fmt.Errorf("failed to count dead-letter candidates: %w", err)
	}
	byClass, err := s.store.CountByClass(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to count failures by class: %w", err)
	}

	r := Report{
		GeneratedAt:          s.now().UTC(),
		Pending:              counts.Pending,
		InFlight:             counts.InFlight,
		FailedRetryable:      counts.FailedRetryable,
		FailedTerminal:       counts.FailedTerminal,
		DeadLetterCandidates: candidates,
		DeadLetterStored:     counts.Archived,
		DeadLetterThreshold:  s.threshold,
		MaxRetry:             counts.MaxRetry,
		ByClass:              byClass,
	}
	if s.syncer != nil {
		st := s.syncer.Status()
		r.PausedReason = st.PausedReason
		r.LastError = st.LastError
	}
	return r, nil
}

// Failures lists failed records matching f.
func (s *Service) Failures(ctx context.Context, f db.Filter) ([]*schema.PendingWrite, error) {
	return s.store.ListFailures(ctx, f)
}

// DeadLetterCandidates lists the records ArchiveDeadLetterCandidates would move.
func (s *Service) DeadLetterCandidates(ctx context.Context) ([]*schema.PendingWrite, error) {
	return s.store.List(ctx, s.deadLetterFilter())
}

// ReprocessOne returns one record to pending and triggers a drain. It
// reports whether the record changed; a pending record is left alone.
// Archived records are restored to the queue.
func (s *Service) ReprocessOne(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.Requeue(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to reprocess %s: %w", id, err)
	}
	if changed {
		s.logger.Info("write requeued by operator", "id", id)
		s.kick()
	}
	return changed, nil
}

// ReprocessClass requeues every failed record matching f, for example all
// network failures, and triggers a drain.
func (s *Service) ReprocessClass(ctx context.Context, f db.Filter) (int, error) {
	n, err := s.store.RequeueWhere(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("failed to reprocess failures: %w", err)
	}
	if n > 0 {
		s.logger.Info("writes requeued by operator", "count", n, "classes", f.Classes)
		s.kick()
	}
	return n, nil
}

// ArchiveDeadLetterCandidates moves every dead-letter candidate to the archive.
func (s *Service) ArchiveDeadLetterCandidates(ctx context.Context) (int, error) {
	n, err := s.store.ArchiveAll(ctx, s.deadLetterFilter(), "dead letter")
	if err != nil {
		return 0, fmt.Errorf("failed to archive dead-letter candidates: %w", err)
	}
	if n > 0 {
		s.logger.Info("dead-letter candidates archived", "count", n)
	}
	return n, nil
}

// ArchiveMatching archives the records matching f. When f names no states,
// any state except in_flight is archived, so writes left behind by a former
// organization can be cleared.
func (s *Service) ArchiveMatching(ctx context.Context, f db.Filter, reason string) (int, error) {
	f = archivable(f)
	if reason == "" {
		reason = "archived by operator"
	}
	n, err := s.store.ArchiveAll(ctx, f, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to archive writes: %w", err)
	}
	if n > 0 {
		s.logger.Info("writes archived by operator", "count", n, "reason", reason)
		s.kick()
	}
	return n, nil
}

// Matching lists the records ArchiveMatching(f) would move.
func (s *Service) Matching(ctx context.Context, f db.Filter) ([]*schema.PendingWrite, error) {
	f = archivable(f)
	f.Limit = 0
	return s.store.List(ctx, f)
}

func archivable(f db.Filter) db.Filter {
	if len(f.States) == 0 {
		f.States = []schema.State{schema.StatePending, schema.StateFailedRetryable, schema.StateFailedTerminal}
	}
	return f
}

// Purge permanently deletes an archived record.
func (s *Service) Purge(ctx context.Context, id string) error {
	if err := s.store.Clear(ctx, id); err != nil {
		return err
	}
	s.logger.Info("archived write purged by operator", "id", id)
	return nil
}

// ClassifyFailure explains the most recent failure of a record.
func (s *Service) ClassifyFailure(ctx context.Context, id string) (Classification, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return Classification{}, err
	}
	return s.classifier.Classify(ctx, w), nil
}

// kick lets the orchestrator pick up the change. Archiving can unblock a
// stream whose head was terminal.
func (s *Service) kick() {
	if s.syncer != nil {
		s.syncer.Reprocessed()
	}
}
