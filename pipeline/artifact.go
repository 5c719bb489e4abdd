package pipeline

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
)

// Metadata describes retrieved content.
type Metadata struct {
	Title     string `json:"title,omitempty"`
	WordCount int    `json:"word_count"`
	Language  string `json:"language,omitempty"`
}

// Content is the output of the retrieval step.
type Content struct {
	URL      string   `json:"url"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Checksum returns a stable fingerprint of the content text, used by the
// threshold check to detect unchanged content across runs.
func (c *Content) Checksum() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(c.Text))
}

// Summary is the output of the summarize step.
type Summary struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"key_points"`
}

// QuestionType labels the style of a generated question.
type QuestionType string

const (
	QuestionFactual    QuestionType = "factual"
	QuestionConceptual QuestionType = "conceptual"
	QuestionApplied    QuestionType = "applied"
)

// Difficulty grades a generated question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question is one generated question.
type Question struct {
	Text       string       `json:"text"`
	Type       QuestionType `json:"type"`
	Difficulty Difficulty   `json:"difficulty"`
}

// Vector is one embedding to persist, labeled by the field it embeds
// ("summary", "question:0", ...). Labels make vector writes idempotent:
// a retried embed step overwrites the same (content, version, field)
// mapping instead of appending.
type Vector struct {
	Field  string    `json:"field"`
	Values []float32 `json:"values"`
}

// Artifact is the persisted output of a completed job. It is written
// exactly once per (ContentID, Version) and never mutated in place; a
// reprocess that finds changed content writes the next version and
// repoints the job's ResultRef.
type Artifact struct {
	enrich.Entity

	ContentID   string         `json:"content_id"`
	Version     int            `json:"version"`
	PublisherID id.PublisherID `json:"publisher_id"`
	SourceURL   string         `json:"source_url"`

	// SourceChecksum fingerprints the content this artifact was built
	// from; the threshold check compares it against fresh retrievals.
	SourceChecksum string `json:"source_checksum"`
	WordCount      int    `json:"word_count"`
	Language       string `json:"language,omitempty"`

	Summary            string     `json:"summary"`
	KeyPoints          []string   `json:"key_points"`
	Questions          []Question `json:"questions"`
	EmbeddingVectorIDs []string   `json:"embedding_vector_ids"`
}

// Ref returns the artifact's deterministic reference key, recorded as
// the owning job's ResultRef.
func (a *Artifact) Ref() string {
	return fmt.Sprintf("%s@v%d", a.ContentID, a.Version)
}

// ContentIDFor derives the deterministic content identifier for a
// publisher's URL. The same URL submitted by different publishers maps
// to distinct content IDs so artifacts never cross tenant boundaries.
func ContentIDFor(publisherID id.PublisherID, url string) string {
	return fmt.Sprintf("c%016x", xxhash.Sum64String(publisherID.String()+"\x00"+url))
}
