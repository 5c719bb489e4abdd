package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

const archiveColumns = `
	id, job_id, publisher_id, target_url, job_type,
	final_state, error_kind, error_message, attempt_count, max_attempts,
	result_ref, submitted_at, finished_at, archived_at, resubmitted_at`

// PushArchive persists an archive entry.
func (s *Store) PushArchive(ctx context.Context, entry *archive.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrich_archive (
			id, job_id, publisher_id, target_url, job_type,
			final_state, error_kind, error_message, attempt_count, max_attempts,
			result_ref, submitted_at, finished_at, archived_at, resubmitted_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		entry.ID.String(), entry.JobID.String(), entry.PublisherID.String(),
		entry.TargetURL, string(entry.JobType),
		string(entry.FinalState), string(entry.ErrorKind), entry.ErrorMessage,
		entry.AttemptCount, entry.MaxAttempts,
		entry.ResultRef, entry.SubmittedAt, entry.FinishedAt,
		entry.ArchivedAt, entry.ResubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: push archive: %w", err)
	}
	return nil
}

// ListArchive returns archive entries matching opts, oldest archived
// first.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	query := `SELECT ` + archiveColumns + ` FROM enrich_archive WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if !opts.PublisherID.IsNil() {
		query += fmt.Sprintf(" AND publisher_id = $%d", argIdx)
		args = append(args, opts.PublisherID.String())
		argIdx++
	}
	if opts.FinalState != "" {
		query += fmt.Sprintf(" AND final_state = $%d", argIdx)
		args = append(args, string(opts.FinalState))
		argIdx++
	}

	query += " ORDER BY archived_at ASC"

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
		return nil, fmt.Errorf("enrich/postgres: list archive: %w", err)
	}
	defer rows.Close()

	var entries []*archive.Entry
	for rows.Next() {
		entry, scanErr := scanArchiveEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("enrich/postgres: scan archive row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrich/postgres: iterate archive rows: %w", err)
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM enrich_archive WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanArchiveEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, enrich.ErrJobNotFound
		}
		return nil, fmt.Errorf("enrich/postgres: get archive entry: %w", err)
	}
	return entry, nil
}

// MarkResubmitted stamps ResubmittedAt on an entry.
func (s *Store) MarkResubmitted(ctx context.Context, entryID id.ArchiveID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrich_archive SET resubmitted_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: mark resubmitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return enrich.ErrJobNotFound
	}
	return nil
}

// PurgeArchive removes entries archived before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrich_archive WHERE archived_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("enrich/postgres: purge archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountArchive returns the total number of archive entries.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM enrich_archive`,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("enrich/postgres: count archive: %w", err)
	}
	return count, nil
}

func scanArchiveEntry(row pgx.Row) (*archive.Entry, error) {
	var (
		entry    archive.Entry
		idStr    string
		jobStr   string
		pubStr   string
		typeStr  string
		stateStr string
		kindStr  string
	)
	err := row.Scan(
		&idStr, &jobStr, &pubStr, &entry.TargetURL, &typeStr,
		&stateStr, &kindStr, &entry.ErrorMessage,
		&entry.AttemptCount, &entry.MaxAttempts,
		&entry.ResultRef, &entry.SubmittedAt, &entry.FinishedAt,
		&entry.ArchivedAt, &entry.ResubmittedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.JobType = job.Type(typeStr)
	entry.FinalState = job.State(stateStr)
	entry.ErrorKind = job.ErrorKind(kindStr)

	parsedID, parseErr := id.ParseArchiveID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("enrich/postgres: parse archive id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	parsedJob, parseErr := id.ParseJobID(jobStr)
	if parseErr != nil {
		return nil, fmt.Errorf("enrich/postgres: parse job id %q: %w", jobStr, parseErr)
	}
	entry.JobID = parsedJob

	parsedPub, parseErr := id.ParsePublisherID(pubStr)
	if parseErr != nil {
		return nil, fmt.Errorf("enrich/postgres: parse publisher id %q: %w", pubStr, parseErr)
	}
	entry.PublisherID = parsedPub

	return &entry, nil
}
