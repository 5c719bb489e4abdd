package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

const jobColumns = `
	id, publisher_id, target_url, job_type, state, current_step,
	attempt_count, max_attempts, next_retry_at, worker_id,
	started_at, completed_at, heartbeat_at,
	error_kind, error_message, result_ref, created_at, updated_at`

// CreateJob persists a new job. A unique violation on either the
// primary key or the active-triple index maps to enrich.ErrJobExists;
// the caller re-reads the surviving job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrich_jobs (
			id, publisher_id, target_url, job_type, state, current_step,
			attempt_count, max_attempts, next_retry_at, worker_id,
			started_at, completed_at, heartbeat_at,
			error_kind, error_message, result_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18
		)`,
		j.ID.String(), j.PublisherID.String(), j.TargetURL, string(j.JobType),
		string(j.State), string(j.CurrentStep),
		j.AttemptCount, j.MaxAttempts, j.NextRetryAt, workerIDString(j.WorkerID),
		j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		string(j.ErrorKind), j.ErrorMessage, j.ResultRef, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return enrich.ErrJobExists
		}
		return fmt.Errorf("enrich/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM enrich_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, enrich.ErrJobNotFound
		}
		return nil, fmt.Errorf("enrich/postgres: get job: %w", err)
	}
	return j, nil
}

// FindActiveJob returns the non-terminal job for the submission triple.
// The partial unique index guarantees at most one exists.
func (s *Store) FindActiveJob(ctx context.Context, publisherID id.PublisherID, targetURL string, jobType job.Type) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM enrich_jobs
		WHERE publisher_id = $1 AND target_url = $2 AND job_type = $3
		  AND state NOT IN ('completed', 'failed', 'cancelled')`,
		publisherID.String(), targetURL, string(jobType),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, enrich.ErrJobNotFound
		}
		return nil, fmt.Errorf("enrich/postgres: find active job: %w", err)
	}
	return j, nil
}

// UpdateJob persists non-state field changes. The state column is
// deliberately absent from the SET list, so the stored state always
// wins; state changes go through TransitionJob.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrich_jobs SET
			current_step = $2, attempt_count = $3, max_attempts = $4,
			next_retry_at = $5, worker_id = $6, started_at = $7,
			completed_at = $8, heartbeat_at = $9, error_kind = $10,
			error_message = $11, result_ref = $12, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), string(j.CurrentStep), j.AttemptCount, j.MaxAttempts,
		j.NextRetryAt, workerIDString(j.WorkerID), j.StartedAt,
		j.CompletedAt, j.HeartbeatAt, string(j.ErrorKind),
		j.ErrorMessage, j.ResultRef,
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return enrich.ErrJobNotFound
	}
	return nil
}

// TransitionJob atomically writes j if and only if the stored state
// still equals from. The conditional UPDATE is the cross-process CAS.
func (s *Store) TransitionJob(ctx context.Context, j *job.Job, from job.State) error {
	if !job.CanTransition(from, j.State) {
		if from.IsTerminal() {
			return enrich.ErrTerminalState
		}
		return enrich.ErrStateConflict
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE enrich_jobs SET
			state = $3, current_step = $4, attempt_count = $5,
			max_attempts = $6, next_retry_at = $7, worker_id = $8,
			started_at = $9, completed_at = $10, heartbeat_at = $11,
			error_kind = $12, error_message = $13, result_ref = $14,
			updated_at = NOW()
		WHERE id = $1 AND state = $2`,
		j.ID.String(), string(from),
		string(j.State), string(j.CurrentStep), j.AttemptCount,
		j.MaxAttempts, j.NextRetryAt, workerIDString(j.WorkerID),
		j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		string(j.ErrorKind), j.ErrorMessage, j.ResultRef,
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: transition job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Lost the CAS. Re-read to report why.
	var storedState string
	err = s.pool.QueryRow(ctx,
		`SELECT state FROM enrich_jobs WHERE id = $1`, j.ID.String(),
	).Scan(&storedState)
	if err != nil {
		if isNoRows(err) {
			return enrich.ErrJobNotFound
		}
		return fmt.Errorf("enrich/postgres: transition job re-read: %w", err)
	}
	if job.State(storedState).IsTerminal() {
		return enrich.ErrTerminalState
	}
	return enrich.ErrStateConflict
}

// ClaimJob atomically moves a queued or retry job to processing on
// behalf of workerID. SKIP LOCKED lets concurrent claimers pass each
// other instead of serializing on the row lock.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE enrich_jobs SET
			state = 'processing', worker_id = $2,
			attempt_count = attempt_count + 1,
			started_at = NOW(), heartbeat_at = NOW(),
			next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM enrich_jobs
			WHERE id = $1 AND state IN ('queued', 'retry')
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		jobID.String(), workerID.String(),
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("enrich/postgres: claim job: %w", err)
	}

	// No row claimed: either the job is gone or another worker won.
	var exists bool
	if qErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM enrich_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists); qErr != nil {
		return nil, fmt.Errorf("enrich/postgres: claim job exists: %w", qErr)
	}
	if !exists {
		return nil, enrich.ErrJobNotFound
	}
	return nil, enrich.ErrStateConflict
}

// ListRunnable returns up to limit claimable jobs, oldest first.
func (s *Store) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM enrich_jobs
		WHERE state = 'queued'
		   OR (state = 'retry' AND (next_retry_at IS NULL OR next_retry_at <= $1))
		ORDER BY created_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("enrich/postgres: list runnable: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobsByState returns jobs in the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM enrich_jobs WHERE state = $1`
	args := []interface{}{string(state)}
	argIdx := 2

	if !opts.PublisherID.IsNil() {
		query += fmt.Sprintf(" AND publisher_id = $%d", argIdx)
		args = append(args, opts.PublisherID.String())
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enrich/postgres: list jobs by state: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM enrich_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if !opts.PublisherID.IsNil() {
		query += fmt.Sprintf(" AND publisher_id = $%d", argIdx)
		args = append(args, opts.PublisherID.String())
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("enrich/postgres: count jobs: %w", err)
	}
	return count, nil
}

// HeartbeatJob stamps the heartbeat for a processing job still held by
// workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrich_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'processing' AND worker_id = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if qErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM enrich_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists); qErr != nil {
		return fmt.Errorf("enrich/postgres: heartbeat exists: %w", qErr)
	}
	if !exists {
		return enrich.ErrJobNotFound
	}
	return enrich.ErrStateConflict
}

// StaleJobs returns processing jobs whose last heartbeat is older than
// the given threshold.
func (s *Store) StaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM enrich_jobs
		WHERE state = 'processing'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $1::interval`,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("enrich/postgres: stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrich_jobs WHERE id = $1`, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return enrich.ErrJobNotFound
	}
	return nil
}

// ── scanning ──

func workerIDString(w id.WorkerID) string {
	if w.IsNil() {
		return ""
	}
	return w.String()
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		pubStr    string
		typeStr   string
		stateStr  string
		stepStr   string
		workerStr string
		kindStr   string
	)
	err := row.Scan(
		&idStr, &pubStr, &j.TargetURL, &typeStr, &stateStr, &stepStr,
		&j.AttemptCount, &j.MaxAttempts, &j.NextRetryAt, &workerStr,
		&j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		&kindStr, &j.ErrorMessage, &j.ResultRef, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.JobType = job.Type(typeStr)
	j.State = job.State(stateStr)
	j.CurrentStep = job.Step(stepStr)
	j.ErrorKind = job.ErrorKind(kindStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("enrich/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	parsedPub, parseErr := id.ParsePublisherID(pubStr)
	if parseErr != nil {
		return nil, fmt.Errorf("enrich/postgres: parse publisher id %q: %w", pubStr, parseErr)
	}
	j.PublisherID = parsedPub

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("enrich/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrich/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
