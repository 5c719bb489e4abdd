package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/pipeline"
)

// ── Artifact store ──────────────────────────────────

// SaveArtifact upserts the artifact by (ContentID, Version).
func (s *Store) SaveArtifact(ctx context.Context, a *pipeline.Artifact) error {
	keyPoints, err := json.Marshal(a.KeyPoints)
	if err != nil {
		return fmt.Errorf("enrich/postgres: marshal key points: %w", err)
	}
	questions, err := json.Marshal(a.Questions)
	if err != nil {
		return fmt.Errorf("enrich/postgres: marshal questions: %w", err)
	}
	vectorIDs, err := json.Marshal(a.EmbeddingVectorIDs)
	if err != nil {
		return fmt.Errorf("enrich/postgres: marshal vector ids: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrich_artifacts (
			content_id, version, publisher_id, source_url,
			source_checksum, word_count, language,
			summary, key_points, questions, vector_ids,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (content_id, version) DO UPDATE SET
			source_checksum = EXCLUDED.source_checksum,
			word_count = EXCLUDED.word_count,
			language = EXCLUDED.language,
			summary = EXCLUDED.summary,
			key_points = EXCLUDED.key_points,
			questions = EXCLUDED.questions,
			vector_ids = EXCLUDED.vector_ids,
			updated_at = NOW()`,
		a.ContentID, a.Version, a.PublisherID.String(), a.SourceURL,
		a.SourceChecksum, a.WordCount, a.Language,
		a.Summary, keyPoints, questions, vectorIDs,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: save artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by its Ref key.
func (s *Store) GetArtifact(ctx context.Context, ref string) (*pipeline.Artifact, error) {
	contentID, version, err := parseRef(ref)
	if err != nil {
		return nil, enrich.ErrArtifactNotFound
	}
	return s.getArtifact(ctx, `WHERE content_id = $1 AND version = $2`, contentID, version)
}

// LatestArtifact returns the highest-version artifact for the content ID.
func (s *Store) LatestArtifact(ctx context.Context, contentID string) (*pipeline.Artifact, error) {
	return s.getArtifact(ctx,
		`WHERE content_id = $1 ORDER BY version DESC LIMIT 1`, contentID)
}

func (s *Store) getArtifact(ctx context.Context, where string, args ...interface{}) (*pipeline.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT content_id, version, publisher_id, source_url,
		       source_checksum, word_count, language,
		       summary, key_points, questions, vector_ids,
		       created_at, updated_at
		FROM enrich_artifacts `+where, args...)

	var (
		a         pipeline.Artifact
		pubStr    string
		keyPoints []byte
		questions []byte
		vectorIDs []byte
	)
	err := row.Scan(
		&a.ContentID, &a.Version, &pubStr, &a.SourceURL,
		&a.SourceChecksum, &a.WordCount, &a.Language,
		&a.Summary, &keyPoints, &questions, &vectorIDs,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, enrich.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("enrich/postgres: get artifact: %w", err)
	}

	pub, err := id.ParsePublisherID(pubStr)
	if err != nil {
		return nil, fmt.Errorf("enrich/postgres: parse publisher id %q: %w", pubStr, err)
	}
	a.PublisherID = pub

	if err := json.Unmarshal(keyPoints, &a.KeyPoints); err != nil {
		return nil, fmt.Errorf("enrich/postgres: unmarshal key points: %w", err)
	}
	if err := json.Unmarshal(questions, &a.Questions); err != nil {
		return nil, fmt.Errorf("enrich/postgres: unmarshal questions: %w", err)
	}
	if err := json.Unmarshal(vectorIDs, &a.EmbeddingVectorIDs); err != nil {
		return nil, fmt.Errorf("enrich/postgres: unmarshal vector ids: %w", err)
	}
	return &a, nil
}

// SaveVectors upserts embedding vectors under deterministic IDs keyed
// by (contentID, version, field).
func (s *Store) SaveVectors(ctx context.Context, contentID string, version int, vectors []pipeline.Vector) ([]string, error) {
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		embedding, err := json.Marshal(v.Values)
		if err != nil {
			return nil, fmt.Errorf("enrich/postgres: marshal embedding: %w", err)
		}

		vID := contentID + "@v" + strconv.Itoa(version) + "#" + v.Field
		_, err = s.pool.Exec(ctx, `
			INSERT INTO enrich_vectors (id, content_id, version, field, embedding)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			vID, contentID, version, v.Field, embedding,
		)
		if err != nil {
			return nil, fmt.Errorf("enrich/postgres: save vector: %w", err)
		}
		ids[i] = vID
	}
	return ids, nil
}

// parseRef splits a "{content_id}@v{version}" reference.
func parseRef(ref string) (string, int, error) {
	i := strings.LastIndex(ref, "@v")
	if i < 0 {
		return "", 0, fmt.Errorf("enrich/postgres: malformed artifact ref %q", ref)
	}
	version, err := strconv.Atoi(ref[i+2:])
	if err != nil {
		return "", 0, fmt.Errorf("enrich/postgres: malformed artifact ref %q: %w", ref, err)
	}
	return ref[:i], version, nil
}

// ── Checkpoint store ────────────────────────────────

// SaveCheckpoint upserts a step checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID id.JobID, step job.Step, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrich_checkpoints (job_id, step, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, step) DO UPDATE
			SET data = EXCLUDED.data, updated_at = NOW()`,
		jobID.String(), string(step), data,
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint data, or nil when none exists.
func (s *Store) GetCheckpoint(ctx context.Context, jobID id.JobID, step job.Step) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM enrich_checkpoints WHERE job_id = $1 AND step = $2`,
		jobID.String(), string(step),
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("enrich/postgres: get checkpoint: %w", err)
	}
	return data, nil
}

// DeleteCheckpoints removes every checkpoint for the job.
func (s *Store) DeleteCheckpoints(ctx context.Context, jobID id.JobID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM enrich_checkpoints WHERE job_id = $1`, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: delete checkpoints: %w", err)
	}
	return nil
}

// ── Result cache ────────────────────────────────────

// SetResult caches the artifact for the publisher's URL with a TTL.
func (s *Store) SetResult(ctx context.Context, publisherID id.PublisherID, url string, a *pipeline.Artifact, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("enrich/postgres: marshal cached result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrich_result_cache (publisher_id, url_hash, artifact, expires_at)
		VALUES ($1, $2, $3, NOW() + $4::interval)
		ON CONFLICT (publisher_id, url_hash) DO UPDATE
			SET artifact = EXCLUDED.artifact, expires_at = EXCLUDED.expires_at`,
		publisherID.String(), urlHash(url), data, ttl.String(),
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: set cached result: %w", err)
	}
	return nil
}

// GetResult returns the cached artifact, or enrich.ErrCacheMiss.
func (s *Store) GetResult(ctx context.Context, publisherID id.PublisherID, url string) (*pipeline.Artifact, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT artifact FROM enrich_result_cache
		WHERE publisher_id = $1 AND url_hash = $2 AND expires_at >= NOW()`,
		publisherID.String(), urlHash(url),
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, enrich.ErrCacheMiss
		}
		return nil, fmt.Errorf("enrich/postgres: get cached result: %w", err)
	}

	var a pipeline.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("enrich/postgres: unmarshal cached result: %w", err)
	}
	return &a, nil
}

func urlHash(url string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(url))
}
