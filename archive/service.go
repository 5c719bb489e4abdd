package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// Service provides high-level archival operations over a Store.
type Service struct {
	store    Store
	jobStore job.Store
	logger   *slog.Logger
}

// NewService creates an archive service.
func NewService(store Store, jobStore job.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, jobStore: jobStore, logger: logger}
}

// Push copies a terminal job into the archive and deletes the original.
// Non-terminal jobs are rejected: archiving a live job would strand it.
func (s *Service) Push(ctx context.Context, j *job.Job) error {
	if !j.State.IsTerminal() {
		return enrich.ErrTerminalState
	}

	entry := &Entry{
		ID:           id.NewArchiveID(),
		JobID:        j.ID,
		PublisherID:  j.PublisherID,
		TargetURL:    j.TargetURL,
		JobType:      j.JobType,
		FinalState:   j.State,
		ErrorKind:    j.ErrorKind,
		ErrorMessage: j.ErrorMessage,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		ResultRef:    j.ResultRef,
		SubmittedAt:  j.CreatedAt,
		FinishedAt:   j.CompletedAt,
		ArchivedAt:   time.Now().UTC(),
	}

	if err := s.store.PushArchive(ctx, entry); err != nil {
		return fmt.Errorf("archive: push entry: %w", err)
	}

	if err := s.jobStore.DeleteJob(ctx, j.ID); err != nil {
		// The entry is already written; a duplicate push on the next
		// sweep is harmless because the job keys the lookup.
		return fmt.Errorf("archive: delete archived job: %w", err)
	}

	return nil
}

// ArchiveExpired archives terminal jobs whose last update precedes
// before, up to limit jobs per call. It returns how many were archived.
func (s *Service) ArchiveExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	archived := 0

	for _, state := range []job.State{job.StateCompleted, job.StateFailed, job.StateCancelled} {
		if limit > 0 && archived >= limit {
			break
		}

		jobs, err := s.jobStore.ListJobsByState(ctx, state, job.ListOpts{Limit: limit})
		if err != nil {
			return archived, fmt.Errorf("archive: list %s jobs: %w", state, err)
		}

		for _, j := range jobs {
			if limit > 0 && archived >= limit {
				break
			}
			if j.UpdatedAt.After(before) {
				continue
			}
			if err := s.Push(ctx, j); err != nil {
				s.logger.Warn("archive push failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			archived++
		}
	}

	return archived, nil
}

// Resubmit re-queues an archived job as a fresh job with a new ID and a
// clean attempt budget, and marks the entry as resubmitted.
func (s *Service) Resubmit(ctx context.Context, entryID id.ArchiveID) (*job.Job, error) {
	entry, err := s.store.GetArchive(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j := job.New(entry.PublisherID, entry.TargetURL, entry.JobType, entry.MaxAttempts)

	if err := s.jobStore.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("archive: resubmit job: %w", err)
	}

	if err := s.store.MarkResubmitted(ctx, entryID); err != nil {
		// The job is already queued. Log but don't fail.
		s.logger.Warn("mark resubmitted failed",
			slog.String("entry_id", entryID.String()),
			slog.String("error", err.Error()),
		)
	}

	return j, nil
}

// ArchiveStore returns the underlying store for direct access to
// List, Get, Purge, and Count operations.
func (s *Service) ArchiveStore() Store {
	return s.store
}
