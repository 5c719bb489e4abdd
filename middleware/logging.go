package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/readwell/enrich/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job started",
			slog.String("job_id", j.ID.String()),
			slog.String("publisher_id", j.PublisherID.String()),
			slog.String("job_type", string(j.JobType)),
			slog.Int("attempt", j.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("job_id", j.ID.String()),
				slog.String("publisher_id", j.PublisherID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_id", j.ID.String()),
				slog.String("publisher_id", j.PublisherID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
