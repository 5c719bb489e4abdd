// Package memory provides a fully in-memory store implementation.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/maintenance"
	"github.com/readwell/enrich/pipeline"
)

// Compile-time checks: one memory Store backs every subsystem.
var (
	_ job.Store                = (*Store)(nil)
	_ pipeline.ArtifactStore   = (*Store)(nil)
	_ pipeline.CheckpointStore = (*Store)(nil)
	_ pipeline.ResultCache     = (*Store)(nil)
	_ admission.SlotStore      = (*Store)(nil)
	_ archive.Store            = (*Store)(nil)
	_ maintenance.LeaderStore  = (*Store)(nil)
)

// cacheEntry is a cached artifact with its expiry.
type cacheEntry struct {
	artifact  *pipeline.Artifact
	expiresAt time.Time
}

// dailyEntry is a daily usage counter with its expiry.
type dailyEntry struct {
	count     int64
	expiresAt time.Time
}

// Store is a fully in-memory implementation of every store contract.
type Store struct {
	mu sync.RWMutex

	jobs        map[string]*job.Job
	artifacts   map[string]*pipeline.Artifact // key: artifact ref "cid@vN"
	vectors     map[string]pipeline.Vector    // key: "cid@vN#field"
	checkpoints map[string][]byte             // key: "jobID:step"
	cache       map[string]cacheEntry         // key: "publisherID|url"
	slots       map[string]int                // key: publisherID
	daily       map[string]dailyEntry         // key: "publisherID|day"
	archives    map[string]*archive.Entry

	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Job),
		artifacts:   make(map[string]*pipeline.Artifact),
		vectors:     make(map[string]pipeline.Vector),
		checkpoints: make(map[string][]byte),
		cache:       make(map[string]cacheEntry),
		slots:       make(map[string]int),
		daily:       make(map[string]dailyEntry),
		archives:    make(map[string]*archive.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return enrich.ErrJobExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, enrich.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// FindActiveJob returns the non-terminal job for (publisher, url, type).
func (m *Store) FindActiveJob(_ context.Context, publisherID id.PublisherID, targetURL string, jobType job.Type) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.State.IsTerminal() {
			continue
		}
		if j.PublisherID.String() != publisherID.String() {
			continue
		}
		if j.TargetURL != targetURL || j.JobType != jobType {
			continue
		}
		cp := *j
		return &cp, nil
	}
	return nil, enrich.ErrJobNotFound
}

// UpdateJob persists non-state field changes to an existing job. The
// stored state is preserved so a racing cancel cannot be overwritten by
// a stale in-flight update.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	stored, ok := m.jobs[key]
	if !ok {
		return enrich.ErrJobNotFound
	}
	cp := *j
	cp.State = stored.State
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// TransitionJob atomically writes j if and only if the stored state
// still equals from.
func (m *Store) TransitionJob(_ context.Context, j *job.Job, from job.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	stored, ok := m.jobs[key]
	if !ok {
		return enrich.ErrJobNotFound
	}
	if stored.State != from {
		if stored.State.IsTerminal() {
			return enrich.ErrTerminalState
		}
		return enrich.ErrStateConflict
	}
	if !job.CanTransition(from, j.State) {
		return enrich.ErrStateConflict
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// ClaimJob atomically moves a queued or retry job to processing on
// behalf of workerID.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, enrich.ErrJobNotFound
	}
	if j.State != job.StateQueued && j.State != job.StateRetry {
		return nil, enrich.ErrStateConflict
	}

	now := time.Now().UTC()
	j.State = job.StateProcessing
	j.WorkerID = workerID
	j.AttemptCount++
	j.StartedAt = &now
	j.HeartbeatAt = &now
	j.NextRetryAt = nil
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// ListRunnable returns up to limit claimable jobs, oldest first.
func (m *Store) ListRunnable(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.Runnable(now) {
			continue
		}
		cp := *j
		candidates = append(candidates, &cp)
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ListJobsByState returns jobs matching the given state.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if !opts.PublisherID.IsNil() && j.PublisherID.String() != opts.PublisherID.String() {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
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

// HeartbeatJob stamps the heartbeat timestamp for a processing job held
// by workerID.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return enrich.ErrJobNotFound
	}
	if j.State != job.StateProcessing || j.WorkerID.String() != workerID.String() {
		return enrich.ErrStateConflict
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// StaleJobs returns processing jobs whose last heartbeat is older than
// the given threshold.
func (m *Store) StaleJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateProcessing {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return enrich.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ──────────────────────────────────────────────────
// Artifact Store
// ──────────────────────────────────────────────────

// SaveArtifact upserts the artifact by (ContentID, Version).
func (m *Store) SaveArtifact(_ context.Context, a *pipeline.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.artifacts[a.Ref()] = &cp
	return nil
}

// GetArtifact retrieves an artifact by its ref key.
func (m *Store) GetArtifact(_ context.Context, ref string) (*pipeline.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[ref]
	if !ok {
		return nil, enrich.ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

// LatestArtifact returns the highest-version artifact for the content ID.
func (m *Store) LatestArtifact(_ context.Context, contentID string) (*pipeline.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *pipeline.Artifact
	for _, a := range m.artifacts {
		if a.ContentID != contentID {
			continue
		}
		if latest == nil || a.Version > latest.Version {
			latest = a
		}
	}
	if latest == nil {
		return nil, enrich.ErrArtifactNotFound
	}
	cp := *latest
	return &cp, nil
}

// SaveVectors upserts embedding vectors keyed by (contentID, version,
// field) and returns their storage IDs in input order.
func (m *Store) SaveVectors(_ context.Context, contentID string, version int, vectors []pipeline.Vector) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(vectors))
	for i, v := range vectors {
		key := contentID + "@v" + strconv.Itoa(version) + "#" + v.Field
		m.vectors[key] = v
		ids[i] = key
	}
	return ids, nil
}

// ──────────────────────────────────────────────────
// Checkpoint Store
// ──────────────────────────────────────────────────

// checkpointKey builds a composite map key for a checkpoint.
func checkpointKey(jobID id.JobID, step job.Step) string {
	return jobID.String() + ":" + string(step)
}

// SaveCheckpoint persists checkpoint data for a pipeline step.
func (m *Store) SaveCheckpoint(_ context.Context, jobID id.JobID, step job.Step, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[checkpointKey(jobID, step)] = data
	return nil
}

// GetCheckpoint retrieves checkpoint data for a specific step.
// A missing checkpoint returns nil data, not an error.
func (m *Store) GetCheckpoint(_ context.Context, jobID id.JobID, step job.Step) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.checkpoints[checkpointKey(jobID, step)]
	if !ok {
		return nil, nil
	}
	return data, nil
}

// DeleteCheckpoints removes all checkpoints for a job.
func (m *Store) DeleteCheckpoints(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := jobID.String() + ":"
	for k := range m.checkpoints {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.checkpoints, k)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Result Cache
// ──────────────────────────────────────────────────

// cacheKey builds the composite cache key for a publisher and URL.
func cacheKey(publisherID id.PublisherID, url string) string {
	return publisherID.String() + "|" + url
}

// SetResult caches the artifact for (publisher, url) with the given TTL.
func (m *Store) SetResult(_ context.Context, publisherID id.PublisherID, url string, a *pipeline.Artifact, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	entry := cacheEntry{artifact: &cp}
	if ttl > 0 {
		entry.expiresAt = time.Now().UTC().Add(ttl)
	}
	m.cache[cacheKey(publisherID, url)] = entry
	return nil
}

// GetResult returns the cached artifact, or enrich.ErrCacheMiss.
func (m *Store) GetResult(_ context.Context, publisherID id.PublisherID, url string) (*pipeline.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(publisherID, url)
	entry, ok := m.cache[key]
	if !ok {
		return nil, enrich.ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && entry.expiresAt.Before(time.Now().UTC()) {
		delete(m.cache, key)
		return nil, enrich.ErrCacheMiss
	}
	cp := *entry.artifact
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Admission Slot Store
// ──────────────────────────────────────────────────

// AcquireSlot atomically increments the publisher's active slot count
// if it is below max. A non-positive max grants unconditionally.
func (m *Store) AcquireSlot(_ context.Context, publisherID id.PublisherID, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := publisherID.String()
	if max > 0 && m.slots[key] >= max {
		return false, nil
	}
	m.slots[key]++
	return true, nil
}

// ReleaseSlot decrements the publisher's active slot count, never below
// zero.
func (m *Store) ReleaseSlot(_ context.Context, publisherID id.PublisherID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := publisherID.String()
	if m.slots[key] > 0 {
		m.slots[key]--
	}
	return nil
}

// ActiveSlots returns the publisher's current active slot count.
func (m *Store) ActiveSlots(_ context.Context, publisherID id.PublisherID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.slots[publisherID.String()], nil
}

// dailyKey builds the composite key for a daily usage counter.
func dailyKey(publisherID id.PublisherID, day string) string {
	return publisherID.String() + "|" + day
}

// IncrDailyUsage increments the publisher's usage counter for the day
// bucket and returns the new count.
func (m *Store) IncrDailyUsage(_ context.Context, publisherID id.PublisherID, day string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dailyKey(publisherID, day)
	now := time.Now().UTC()

	entry := m.daily[key]
	if !entry.expiresAt.IsZero() && entry.expiresAt.Before(now) {
		entry = dailyEntry{}
	}
	entry.count++
	if entry.expiresAt.IsZero() && ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.daily[key] = entry
	return entry.count, nil
}

// DecrDailyUsage undoes one IncrDailyUsage, never below zero.
func (m *Store) DecrDailyUsage(_ context.Context, publisherID id.PublisherID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dailyKey(publisherID, day)
	entry := m.daily[key]
	if entry.count > 0 {
		entry.count--
		m.daily[key] = entry
	}
	return nil
}

// DailyUsage returns the publisher's usage count for the day bucket.
func (m *Store) DailyUsage(_ context.Context, publisherID id.PublisherID, day string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.daily[dailyKey(publisherID, day)]
	if !entry.expiresAt.IsZero() && entry.expiresAt.Before(time.Now().UTC()) {
		return 0, nil
	}
	return entry.count, nil
}

// ──────────────────────────────────────────────────
// Archive Store
// ──────────────────────────────────────────────────

// PushArchive persists an archive entry.
func (m *Store) PushArchive(_ context.Context, entry *archive.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.archives[entry.ID.String()] = &cp
	return nil
}

// ListArchive returns archive entries matching the given options.
func (m *Store) ListArchive(_ context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*archive.Entry, 0, len(m.archives))
	for _, e := range m.archives {
		if !opts.PublisherID.IsNil() && e.PublisherID.String() != opts.PublisherID.String() {
			continue
		}
		if opts.FinalState != "" && e.FinalState != opts.FinalState {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].ArchivedAt.Before(result[k].ArchivedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetArchive retrieves an archive entry by ID.
func (m *Store) GetArchive(_ context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.archives[entryID.String()]
	if !ok {
		return nil, enrich.ErrJobNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkResubmitted stamps ResubmittedAt on an entry.
func (m *Store) MarkResubmitted(_ context.Context, entryID id.ArchiveID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.archives[entryID.String()]
	if !ok {
		return enrich.ErrJobNotFound
	}
	now := time.Now().UTC()
	e.ResubmittedAt = &now
	return nil
}

// PurgeArchive removes entries archived before the given time.
func (m *Store) PurgeArchive(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.archives {
		if e.ArchivedAt.Before(before) {
			delete(m.archives, key)
			count++
		}
	}
	return count, nil
}

// CountArchive returns the total number of archive entries.
func (m *Store) CountArchive(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.archives)), nil
}

// ──────────────────────────────────────────────────
// Leadership
// ──────────────────────────────────────────────────

// AcquireLeadership attempts to take the maintenance leadership lease.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	wKey := workerID.String()

	if m.leader != "" && m.leaderUntil.After(now) && m.leader != wKey {
		return false, nil
	}

	m.leader = wKey
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// RenewLeadership extends the lease when workerID already holds it.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leader != workerID.String() || m.leaderUntil.Before(time.Now().UTC()) {
		return false, nil
	}
	m.leaderUntil = time.Now().UTC().Add(ttl)
	return true, nil
}
