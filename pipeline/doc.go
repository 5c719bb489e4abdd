// Package pipeline executes the ordered enrichment step sequence for one
// admitted job: retrieve → threshold check → summarize → generate
// questions → embed → persist.
//
// The Orchestrator owns step sequencing only. It translates collaborator
// outcomes into classified errors and progress markers; the worker
// executor owns the resulting job-state transitions and slot release.
//
// # Checkpoints
//
// Every step writes a durable checkpoint on success. When a retried or
// resumed job re-enters the orchestrator, checkpointed steps return
// their cached result without re-executing, so a crash between "marked
// processing" and "did work" never replays completed steps and a
// partially-written embed step does not duplicate vectors: all artifact
// writes use the job's deterministic content key and upsert.
//
// # Cancellation
//
// Cancellation is cooperative and checked at step boundaries. A step
// already calling an external provider runs to completion; its
// checkpoint is still written, then ErrCancelled is returned before the
// next step starts and the executor discards the attempt.
//
// # Collaborators
//
// Content retrieval, LLM generation, artifact persistence, checkpoints,
// and the fast result cache are consumed through interfaces declared
// here. Retrieval and generation failures arrive pre-classified as
// transient or permanent (enrich.RetrievalError, enrich.GenerationError).
package pipeline
