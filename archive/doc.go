// Package archive moves terminal jobs out of the live store once they
// age past the retention window, preserving their final outcome for
// inspection and resubmission.
//
// The live job store only ever grows: the pipeline never destroys jobs,
// so a retention sweep periodically copies completed, failed, and
// cancelled jobs older than the window into archive entries and deletes
// the originals. Archived failures can be resubmitted as fresh jobs.
//
// # Entry
//
// An [Entry] captures the job's identity, final state, error taxonomy,
// attempt counts, and result reference at the time of archival.
//
// # Service
//
// [Service] wraps the archive store with high-level operations:
//
//	svc := archive.NewService(store, jobStore, logger)
//
//	// Called by the retention sweep.
//	n, err := svc.ArchiveExpired(ctx, time.Now().Add(-30*24*time.Hour), 500)
//
//	// Resubmit an archived failure as a fresh queued job.
//	j, err := svc.Resubmit(ctx, entryID)
package archive
