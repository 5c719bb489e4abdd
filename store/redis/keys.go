package redis

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// Redis key naming conventions for enrichment data.
// All keys are prefixed with "enrich:" to avoid collisions.

const keyPrefix = "enrich:"

// ── Job keys ──

// jobKey returns the Hash key for a job entity: enrich:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// runnableKey is the Sorted Set of claimable job IDs, scored by the
// time they become eligible (creation for queued, NextRetryAt for
// retry) so ListRunnable is a single range query.
const runnableKey = keyPrefix + "runnable"

// activeKey indexes the single non-terminal job for a submission
// triple: enrich:active:{publisher}:{type}:{url hash}
func activeKey(publisherID id.PublisherID, jobType job.Type, targetURL string) string {
	return fmt.Sprintf("%sactive:%s:%s:%016x",
		keyPrefix, publisherID, jobType, xxhash.Sum64String(targetURL))
}

// ── Admission keys ──

// slotKey returns the active slot counter for a publisher.
func slotKey(publisherID id.PublisherID) string {
	return keyPrefix + "slots:" + publisherID.String()
}

// usageKey returns the daily usage counter for a publisher and day
// bucket: enrich:usage:{publisher}:{day}
func usageKey(publisherID id.PublisherID, day string) string {
	return keyPrefix + "usage:" + publisherID.String() + ":" + day
}

// ── Pipeline keys ──

// artifactKey returns the key for an artifact by its Ref:
// enrich:artifact:{content_id}@v{version}
func artifactKey(ref string) string { return keyPrefix + "artifact:" + ref }

// artifactVersionsKey is the Sorted Set of artifact refs for a content
// ID, scored by version, backing LatestArtifact.
func artifactVersionsKey(contentID string) string {
	return keyPrefix + "artifact_versions:" + contentID
}

// vectorKey returns the key for a stored embedding vector.
func vectorKey(vectorID string) string { return keyPrefix + "vector:" + vectorID }

// checkpointKey returns the key for a step checkpoint:
// enrich:checkpoint:{jobID}:{step}
func checkpointKey(jobID id.JobID, step job.Step) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", keyPrefix, jobID, step)
}

// checkpointIndexKey returns the Set key tracking a job's checkpoints.
func checkpointIndexKey(jobID id.JobID) string {
	return keyPrefix + "checkpoint_idx:" + jobID.String()
}

// resultKey returns the result cache key for a publisher's URL.
func resultKey(publisherID id.PublisherID, url string) string {
	return fmt.Sprintf("%sresult:%s:%016x",
		keyPrefix, publisherID, xxhash.Sum64String(url))
}

// ── Archive keys ──

// archiveKey returns the key for an archive entry: enrich:archive:{id}
func archiveKey(id string) string { return keyPrefix + "archive:" + id }

// archiveIndexKey is the Sorted Set of archive entry IDs scored by
// archival time, oldest first.
const archiveIndexKey = keyPrefix + "archive_idx"

// ── Leadership keys ──

// leaderKey stores the current leader worker ID under a TTL lease.
const leaderKey = keyPrefix + "leader"
