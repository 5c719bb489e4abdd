package archive

import (
	"context"
	"time"

	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// ListOpts controls pagination and filtering for archive list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// PublisherID filters by publisher. Nil ID means all publishers.
	PublisherID id.PublisherID
	// FinalState filters by the archived job's final state. Empty means all.
	FinalState job.State
}

// Store defines the persistence contract for archived jobs.
type Store interface {
	// PushArchive persists an archive entry.
	PushArchive(ctx context.Context, entry *Entry) error

	// ListArchive returns archive entries matching the given options,
	// oldest archived first.
	ListArchive(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetArchive retrieves an archive entry by ID, or
	// enrich.ErrJobNotFound when no entry exists.
	GetArchive(ctx context.Context, entryID id.ArchiveID) (*Entry, error)

	// MarkResubmitted stamps ResubmittedAt on an entry.
	MarkResubmitted(ctx context.Context, entryID id.ArchiveID) error

	// PurgeArchive removes entries archived before the given time.
	// Returns the number of entries removed.
	PurgeArchive(ctx context.Context, before time.Time) (int64, error)

	// CountArchive returns the total number of archive entries.
	CountArchive(ctx context.Context) (int64, error)
}
