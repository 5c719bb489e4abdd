// Package job defines the job entity, its state machine, and the store
// interface that makes both durable.
//
// # Job Entity
//
// A [Job] is one unit of enrichment work for a single URL, publisher,
// and job type. It embeds enrich.Entity for timestamps and progresses
// through a strict state machine:
//
//	queued → processing → completed
//	queued → processing → retry → processing → ...
//	queued → processing → failed
//	queued | processing | retry → cancelled
//
// Completed, failed, and cancelled are terminal; no transition leaves
// them. [CanTransition] encodes the legal edges and every store
// implementation enforces them with a compare-and-swap on
// (job id, expected state).
//
// Fields of note:
//   - CurrentStep: pipeline progress marker for observability
//   - AttemptCount / MaxAttempts: retry budget; the count increments
//     when an attempt is claimed
//   - NextRetryAt: earliest time a retry job may be reclaimed
//   - ResultRef: the persisted artifact ID once completed
//
// # Idempotent submission
//
// A job is identified for submission purposes by
// (publisher, url, job type). Stores expose FindActiveJob so that a
// duplicate submission while a matching job is non-terminal returns the
// existing job instead of creating a new one.
//
// # Claiming
//
// ClaimJob is the mutual-exclusion mechanism between competing worker
// processes: whichever worker wins the queued/retry → processing
// compare-and-swap proceeds; the loser sees enrich.ErrStateConflict and
// moves on.
package job
