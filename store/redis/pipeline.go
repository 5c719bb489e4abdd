package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/pipeline"
)

// ── Artifact store ──────────────────────────────────

// SaveArtifact upserts the artifact by (ContentID, Version).
func (s *Store) SaveArtifact(ctx context.Context, a *pipeline.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("enrich/redis: marshal artifact: %w", err)
	}

	ref := a.Ref()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, artifactKey(ref), data, 0)
	pipe.ZAdd(ctx, artifactVersionsKey(a.ContentID), goredis.Z{
		Score:  float64(a.Version),
		Member: ref,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrich/redis: save artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by its Ref key.
func (s *Store) GetArtifact(ctx context.Context, ref string) (*pipeline.Artifact, error) {
	data, err := s.client.Get(ctx, artifactKey(ref)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, enrich.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("enrich/redis: get artifact: %w", err)
	}

	var a pipeline.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("enrich/redis: unmarshal artifact: %w", err)
	}
	return &a, nil
}

// LatestArtifact returns the highest-version artifact for the content ID.
func (s *Store) LatestArtifact(ctx context.Context, contentID string) (*pipeline.Artifact, error) {
	refs, err := s.client.ZRevRange(ctx, artifactVersionsKey(contentID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: latest artifact: %w", err)
	}
	if len(refs) == 0 {
		return nil, enrich.ErrArtifactNotFound
	}
	return s.GetArtifact(ctx, refs[0])
}

// SaveVectors upserts embedding vectors under deterministic IDs keyed
// by (contentID, version, field), so a retried embed step overwrites
// rather than appends.
func (s *Store) SaveVectors(ctx context.Context, contentID string, version int, vectors []pipeline.Vector) ([]string, error) {
	ids := make([]string, len(vectors))
	pipe := s.client.TxPipeline()
	for i, v := range vectors {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("enrich/redis: marshal vector: %w", err)
		}
		vID := contentID + "@v" + strconv.Itoa(version) + "#" + v.Field
		pipe.Set(ctx, vectorKey(vID), data, 0)
		ids[i] = vID
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enrich/redis: save vectors: %w", err)
	}
	return ids, nil
}

// ── Checkpoint store ────────────────────────────────

// SaveCheckpoint persists a step checkpoint and tracks it in the job's
// checkpoint index so DeleteCheckpoints can find every key.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID id.JobID, step job.Step, data []byte) error {
	key := checkpointKey(jobID, step)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, checkpointIndexKey(jobID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrich/redis: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint data, or nil when none exists.
func (s *Store) GetCheckpoint(ctx context.Context, jobID id.JobID, step job.Step) ([]byte, error) {
	data, err := s.client.Get(ctx, checkpointKey(jobID, step)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("enrich/redis: get checkpoint: %w", err)
	}
	return data, nil
}

// DeleteCheckpoints removes every checkpoint for the job.
func (s *Store) DeleteCheckpoints(ctx context.Context, jobID id.JobID) error {
	idxKey := checkpointIndexKey(jobID)
	keys, err := s.client.SMembers(ctx, idxKey).Result()
	if err != nil {
		return fmt.Errorf("enrich/redis: delete checkpoints smembers: %w", err)
	}

	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, idxKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrich/redis: delete checkpoints: %w", err)
	}
	return nil
}

// ── Result cache ────────────────────────────────────

// SetResult caches the artifact for the publisher's URL with a TTL.
func (s *Store) SetResult(ctx context.Context, publisherID id.PublisherID, url string, a *pipeline.Artifact, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("enrich/redis: marshal cached result: %w", err)
	}
	if err := s.client.Set(ctx, resultKey(publisherID, url), data, ttl).Err(); err != nil {
		return fmt.Errorf("enrich/redis: set cached result: %w", err)
	}
	return nil
}

// GetResult returns the cached artifact, or enrich.ErrCacheMiss.
func (s *Store) GetResult(ctx context.Context, publisherID id.PublisherID, url string) (*pipeline.Artifact, error) {
	data, err := s.client.Get(ctx, resultKey(publisherID, url)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, enrich.ErrCacheMiss
		}
		return nil, fmt.Errorf("enrich/redis: get cached result: %w", err)
	}

	var a pipeline.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("enrich/redis: unmarshal cached result: %w", err)
	}
	return &a, nil
}
