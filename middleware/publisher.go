package middleware

import (
	"context"

	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

type publisherKey struct{}

// Publisher returns middleware that injects the job's publisher ID into
// the context so handlers and collaborators can attribute work to the
// publisher without threading the job through every call.
func Publisher() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if !j.PublisherID.IsNil() {
			ctx = context.WithValue(ctx, publisherKey{}, j.PublisherID)
		}
		return next(ctx)
	}
}

// PublisherFrom extracts the publisher ID injected by [Publisher].
// The second return is false when no publisher is attached.
func PublisherFrom(ctx context.Context) (id.PublisherID, bool) {
	pid, ok := ctx.Value(publisherKey{}).(id.PublisherID)
	return pid, ok
}
