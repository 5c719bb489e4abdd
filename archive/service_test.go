package archive_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T) (*archive.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return archive.NewService(store, store, discardLogger()), store
}

// terminalJob creates, claims, and finishes a job in the given state.
func terminalJob(t *testing.T, store *memory.Store, state job.State) *job.Job {
	t.Helper()
	ctx := context.Background()

	j := job.New(id.NewPublisherID(), "https://news.example.com/"+id.NewJobID().String(), job.TypeFullProcess, 3)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := store.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	now := time.Now().UTC()
	claimed.State = state
	claimed.CompletedAt = &now
	if state == job.StateFailed {
		claimed.ErrorKind = job.ErrorKindRetrieval
		claimed.ErrorMessage = "fetch failed"
	}
	if err := store.TransitionJob(ctx, claimed, job.StateProcessing); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	return claimed
}

func TestPushArchivesTerminalJob(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	j := terminalJob(t, store, job.StateFailed)
	if err := svc.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// The live job is gone.
	if _, err := store.GetJob(ctx, j.ID); !errors.Is(err, enrich.ErrJobNotFound) {
		t.Fatalf("GetJob after push = %v, want ErrJobNotFound", err)
	}

	entries, err := svc.ArchiveStore().ListArchive(ctx, archive.ListOpts{})
	if err != nil {
		t.Fatalf("ListArchive: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archive entries = %d, want 1", len(entries))
	}

	entry := entries[0]
	if entry.JobID.String() != j.ID.String() {
		t.Errorf("entry job id = %s, want %s", entry.JobID, j.ID)
	}
	if entry.FinalState != job.StateFailed {
		t.Errorf("final state = %q, want failed", entry.FinalState)
	}
	if entry.ErrorKind != job.ErrorKindRetrieval {
		t.Errorf("error kind = %q, want retrieval", entry.ErrorKind)
	}
	if entry.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", entry.AttemptCount)
	}
	if entry.ArchivedAt.IsZero() {
		t.Error("ArchivedAt not stamped")
	}
}

func TestPushRejectsLiveJob(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	j := job.New(id.NewPublisherID(), "https://news.example.com/live", job.TypeFullProcess, 3)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := svc.Push(ctx, j); !errors.Is(err, enrich.ErrTerminalState) {
		t.Fatalf("Push of queued job = %v, want ErrTerminalState", err)
	}

	// Still live.
	if _, err := store.GetJob(ctx, j.ID); err != nil {
		t.Fatalf("job should survive a rejected push: %v", err)
	}
}

func TestArchiveExpired(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	terminalJob(t, store, job.StateCompleted)
	terminalJob(t, store, job.StateFailed)
	terminalJob(t, store, job.StateCancelled)

	// A live job must never be swept up.
	live := job.New(id.NewPublisherID(), "https://news.example.com/live", job.TypeFullProcess, 3)
	if err := store.CreateJob(ctx, live); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	n, err := svc.ArchiveExpired(ctx, time.Now().UTC().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ArchiveExpired: %v", err)
	}
	if n != 3 {
		t.Fatalf("archived = %d, want 3", n)
	}

	count, err := svc.ArchiveStore().CountArchive(ctx)
	if err != nil {
		t.Fatalf("CountArchive: %v", err)
	}
	if count != 3 {
		t.Errorf("archive count = %d, want 3", count)
	}

	if _, err := store.GetJob(ctx, live.ID); err != nil {
		t.Errorf("live job was archived: %v", err)
	}
}

func TestArchiveExpiredHonorsLimit(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		terminalJob(t, store, job.StateCompleted)
	}

	n, err := svc.ArchiveExpired(ctx, time.Now().UTC().Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("ArchiveExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want 2", n)
	}
}

func TestArchiveExpiredSkipsRecent(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	j := terminalJob(t, store, job.StateCompleted)

	// Cutoff in the past: the just-finished job is too fresh.
	n, err := svc.ArchiveExpired(ctx, time.Now().UTC().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ArchiveExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("archived = %d, want 0", n)
	}
	if _, err := store.GetJob(ctx, j.ID); err != nil {
		t.Errorf("fresh terminal job was archived: %v", err)
	}
}

func TestResubmit(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	j := terminalJob(t, store, job.StateFailed)
	if err := svc.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := svc.ArchiveStore().ListArchive(ctx, archive.ListOpts{})
	if err != nil {
		t.Fatalf("ListArchive: %v", err)
	}
	entry := entries[0]

	fresh, err := svc.Resubmit(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if fresh.ID.String() == j.ID.String() {
		t.Error("resubmission must mint a new job ID")
	}
	if fresh.State != job.StateQueued {
		t.Errorf("state = %q, want queued", fresh.State)
	}
	if fresh.TargetURL != j.TargetURL || fresh.PublisherID.String() != j.PublisherID.String() {
		t.Error("resubmitted job lost its submission triple")
	}
	if fresh.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want a clean budget", fresh.AttemptCount)
	}

	// The entry records the resubmission.
	updated, err := svc.ArchiveStore().GetArchive(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if updated.ResubmittedAt == nil {
		t.Error("ResubmittedAt not stamped")
	}
}

func TestResubmitUnknownEntry(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	_, err := svc.Resubmit(context.Background(), id.NewArchiveID())
	if !errors.Is(err, enrich.ErrJobNotFound) {
		t.Fatalf("Resubmit = %v, want ErrJobNotFound", err)
	}
}
