package pipeline

import (
	"context"
	"time"

	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// Retriever fetches raw content for a URL. Failures surface as
// *enrich.RetrievalError, already classified transient or permanent.
// Implementations may cache.
type Retriever interface {
	Retrieve(ctx context.Context, url string) (*Content, error)
}

// Generator is the LLM generation provider. Failures surface as
// *enrich.GenerationError, already classified; the provider handles its
// own rate limiting and internal retries.
type Generator interface {
	// Summarize produces a summary and key points for the text.
	Summarize(ctx context.Context, text string) (*Summary, error)

	// GenerateQuestions produces n questions over the text.
	GenerateQuestions(ctx context.Context, text string, n int) ([]Question, error)

	// Embed produces an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ArtifactStore persists completed artifacts and their embedding
// vectors in the document store.
type ArtifactStore interface {
	// SaveArtifact upserts the artifact by (ContentID, Version). Upsert
	// semantics make a retried persist step overwrite, not duplicate.
	SaveArtifact(ctx context.Context, a *Artifact) error

	// GetArtifact retrieves an artifact by its Ref key, or
	// enrich.ErrArtifactNotFound.
	GetArtifact(ctx context.Context, ref string) (*Artifact, error)

	// LatestArtifact returns the highest-version artifact for the
	// content ID, or enrich.ErrArtifactNotFound when none exists.
	LatestArtifact(ctx context.Context, contentID string) (*Artifact, error)

	// SaveVectors upserts embedding vectors keyed by
	// (contentID, version, field) and returns their storage IDs in
	// input order.
	SaveVectors(ctx context.Context, contentID string, version int, vectors []Vector) ([]string, error)
}

// CheckpointStore persists per-step progress for crash-safe resumption.
// A nil data result from GetCheckpoint means no checkpoint exists.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, jobID id.JobID, step job.Step, data []byte) error
	GetCheckpoint(ctx context.Context, jobID id.JobID, step job.Step) ([]byte, error)
	DeleteCheckpoints(ctx context.Context, jobID id.JobID) error
}

// ResultCache is the fast read-through accelerator for completed
// results, keyed by publisher and URL. Last writer wins; it is never a
// source of truth.
type ResultCache interface {
	SetResult(ctx context.Context, publisherID id.PublisherID, url string, a *Artifact, ttl time.Duration) error
	// GetResult returns the cached artifact, or enrich.ErrCacheMiss.
	GetResult(ctx context.Context, publisherID id.PublisherID, url string) (*Artifact, error)
}
