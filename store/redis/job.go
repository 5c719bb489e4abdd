package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// Script results use short status strings so Go maps them onto the
// shared sentinel errors in one place.
const (
	resOK       = "ok"
	resMissing  = "missing"
	resExists   = "exists"
	resConflict = "conflict"
	resTerminal = "terminal"
)

// createJobScript writes the job hash and its indexes only when
// neither the job ID nor the submission triple is already taken.
var createJobScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'exists' end
if redis.call('SET', KEYS[2], ARGV[1], 'NX') == false then return 'exists' end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[1])
return 'ok'
`)

// transitionJobScript is the cross-process compare-and-swap: the write
// happens only when the stored state still equals the expected one.
// The runnable index and the active-triple index are maintained in the
// same script so no observer sees a job in one and not the other.
var transitionJobScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= ARGV[1] then
  if state == 'completed' or state == 'failed' or state == 'cancelled' then
    return 'terminal'
  end
  return 'conflict'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
if ARGV[4] ~= '' then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), ARGV[3])
else
  redis.call('ZREM', KEYS[2], ARGV[3])
end
if ARGV[2] == 'completed' or ARGV[2] == 'failed' or ARGV[2] == 'cancelled' then
  redis.call('DEL', KEYS[3])
end
return 'ok'
`)

// claimJobScript moves a queued or retry job to processing for one
// worker. Contending claimers see the state already flipped and lose.
var claimJobScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'queued' and state ~= 'retry' then return 'conflict' end
redis.call('HSET', KEYS[1],
  'state', 'processing',
  'worker_id', ARGV[1],
  'started_at', ARGV[2],
  'heartbeat_at', ARGV[2],
  'next_retry_at', '',
  'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('ZREM', KEYS[2], ARGV[3])
return 'ok'
`)

// updateJobScript writes non-state fields while preserving the stored
// state, and refreshes the runnable score when the job is claimable.
var updateJobScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('HSET', KEYS[1], 'state', state)
if state == 'queued' or state == 'retry' then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
end
return 'ok'
`)

// heartbeatJobScript stamps the heartbeat only while the job is still
// processing under the same worker.
var heartbeatJobScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'processing' then return 'conflict' end
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then return 'conflict' end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2], 'updated_at', ARGV[2])
return 'ok'
`)

// CreateJob persists a new job and its indexes. It fails with
// enrich.ErrJobExists when the ID or the active submission triple is
// already taken, which is what makes concurrent submits collapse onto
// one job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	keys := []string{
		jobKey(jID),
		activeKey(j.PublisherID, j.JobType, j.TargetURL),
		jobIDsKey,
		runnableKey,
	}
	args := append([]interface{}{jID, runnableScore(j)}, jobFields(j)...)

	res, err := createJobScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("enrich/redis: create job: %w", err)
	}
	if res == resExists {
		return enrich.ErrJobExists
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// FindActiveJob resolves the submission triple through the active
// index. A dangling index entry, left behind when a job was deleted
// out of band, is removed on sight.
func (s *Store) FindActiveJob(ctx context.Context, publisherID id.PublisherID, targetURL string, jobType job.Type) (*job.Job, error) {
	ak := activeKey(publisherID, jobType, targetURL)

	jID, err := s.client.Get(ctx, ak).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, enrich.ErrJobNotFound
		}
		return nil, fmt.Errorf("enrich/redis: find active job: %w", err)
	}

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		if errors.Is(err, enrich.ErrJobNotFound) {
			s.client.Del(ctx, ak)
		}
		return nil, err
	}
	if j.State.IsTerminal() {
		s.client.Del(ctx, ak)
		return nil, enrich.ErrJobNotFound
	}
	return j, nil
}

// UpdateJob persists non-state field changes to an existing job. The
// stored state always wins; state changes go through TransitionJob.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	cp := *j
	cp.UpdatedAt = time.Now().UTC()

	keys := []string{jobKey(jID), runnableKey}
	args := append([]interface{}{jID, runnableScore(&cp)}, jobFields(&cp)...)

	res, err := updateJobScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("enrich/redis: update job: %w", err)
	}
	if res == resMissing {
		return enrich.ErrJobNotFound
	}
	return nil
}

// TransitionJob atomically writes j if and only if the stored state
// still equals from.
func (s *Store) TransitionJob(ctx context.Context, j *job.Job, from job.State) error {
	if !job.CanTransition(from, j.State) {
		if from.IsTerminal() {
			return enrich.ErrTerminalState
		}
		return enrich.ErrStateConflict
	}

	jID := j.ID.String()
	cp := *j
	cp.UpdatedAt = time.Now().UTC()

	score := ""
	if cp.State == job.StateQueued || cp.State == job.StateRetry {
		score = strconv.FormatInt(runnableScore(&cp), 10)
	}

	keys := []string{
		jobKey(jID),
		runnableKey,
		activeKey(cp.PublisherID, cp.JobType, cp.TargetURL),
	}
	args := append([]interface{}{string(from), string(cp.State), jID, score}, jobFields(&cp)...)

	res, err := transitionJobScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("enrich/redis: transition job: %w", err)
	}
	switch res {
	case resOK:
		return nil
	case resMissing:
		return enrich.ErrJobNotFound
	case resTerminal:
		return enrich.ErrTerminalState
	default:
		return enrich.ErrStateConflict
	}
}

// ClaimJob atomically moves a queued or retry job to processing on
// behalf of workerID.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	jID := jobID.String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := claimJobScript.Run(ctx, s.client,
		[]string{jobKey(jID), runnableKey},
		workerID.String(), now, jID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: claim job: %w", err)
	}
	switch res {
	case resOK:
		return s.getJobByKey(ctx, jobKey(jID))
	case resMissing:
		return nil, enrich.ErrJobNotFound
	default:
		return nil, enrich.ErrStateConflict
	}
}

// ListRunnable returns up to limit claimable jobs, oldest first, via a
// single range query over the runnable index.
func (s *Store) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, runnableKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: list runnable: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // claimed and archived since the range query
		}
		if !j.Runnable(now) {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobsByState returns jobs in the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // deleted since enumeration
		}
		if j.State != state {
			continue
		}
		if !opts.PublisherID.IsNil() && j.PublisherID.String() != opts.PublisherID.String() {
			continue
		}
		jobs = append(jobs, j)
	}

	if opts.Offset >= len(jobs) {
		return nil, nil
	}
	if opts.Offset > 0 {
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("enrich/redis: count jobs smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if !opts.PublisherID.IsNil() && j.PublisherID.String() != opts.PublisherID.String() {
			continue
		}
		count++
	}
	return count, nil
}

// HeartbeatJob stamps the heartbeat timestamp for a processing job
// held by workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := heartbeatJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String())},
		workerID.String(), now,
	).Text()
	if err != nil {
		return fmt.Errorf("enrich/redis: heartbeat job: %w", err)
	}
	switch res {
	case resOK:
		return nil
	case resMissing:
		return enrich.ErrJobNotFound
	default:
		return enrich.ErrStateConflict
	}
}

// StaleJobs returns processing jobs whose last heartbeat is older than
// the given threshold.
func (s *Store) StaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: stale jobs smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.State != job.StateProcessing {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// DeleteJob removes a job and its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, runnableKey, jID)
	pipe.Del(ctx, activeKey(j.PublisherID, j.JobType, j.TargetURL))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrich/redis: delete job: %w", err)
	}
	return nil
}

// ── helpers ──

// runnableScore is the runnable index score: the millisecond timestamp
// at which the job becomes claimable.
func runnableScore(j *job.Job) int64 {
	if j.State == job.StateRetry && j.NextRetryAt != nil {
		return j.NextRetryAt.UnixMilli()
	}
	return j.CreatedAt.UnixMilli()
}

// jobFields flattens the job into HSET field/value pairs. Every field
// is always written, empty when unset, so a full-job write clears
// fields the previous state carried.
func jobFields(j *job.Job) []interface{} {
	return []interface{}{
		"id", j.ID.String(),
		"publisher_id", j.PublisherID.String(),
		"target_url", j.TargetURL,
		"job_type", string(j.JobType),
		"state", string(j.State),
		"current_step", string(j.CurrentStep),
		"attempt_count", strconv.Itoa(j.AttemptCount),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"next_retry_at", formatTimePtr(j.NextRetryAt),
		"worker_id", workerIDString(j.WorkerID),
		"started_at", formatTimePtr(j.StartedAt),
		"completed_at", formatTimePtr(j.CompletedAt),
		"heartbeat_at", formatTimePtr(j.HeartbeatAt),
		"error_kind", string(j.ErrorKind),
		"error_message", j.ErrorMessage,
		"result_ref", j.ResultRef,
		"created_at", j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func workerIDString(w id.WorkerID) string {
	if w.IsNil() {
		return ""
	}
	return w.String()
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, enrich.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: parse job id: %w", err)
	}
	pID, err := id.ParsePublisherID(m["publisher_id"])
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: parse publisher id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempt_count"])  //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: enrich.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           jID,
		PublisherID:  pID,
		TargetURL:    m["target_url"],
		JobType:      job.Type(m["job_type"]),
		State:        job.State(m["state"]),
		CurrentStep:  job.Step(m["current_step"]),
		AttemptCount: attempts,
		MaxAttempts:  maxAttempts,
		NextRetryAt:  parseTimePtr(m["next_retry_at"]),
		StartedAt:    parseTimePtr(m["started_at"]),
		CompletedAt:  parseTimePtr(m["completed_at"]),
		HeartbeatAt:  parseTimePtr(m["heartbeat_at"]),
		ErrorKind:    job.ErrorKind(m["error_kind"]),
		ErrorMessage: m["error_message"],
		ResultRef:    m["result_ref"],
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	return j, nil
}
