package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/engine"
	"github.com/readwell/enrich/job"
)

// QueueStats returns job counts per state plus the archive size.
func (c *Client) QueueStats(ctx context.Context) (*engine.QueueStats, error) {
	var stats engine.QueueStats
	if err := c.do(ctx, http.MethodGet, "/v1/admin/queue-stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListArchiveOpts filters and paginates archive listings.
type ListArchiveOpts struct {
	PublisherID string
	FinalState  job.State
	Limit       int
	Offset      int
}

// ListArchive returns archived job records, oldest first.
func (c *Client) ListArchive(ctx context.Context, opts ListArchiveOpts) ([]*archive.Entry, error) {
	query := url.Values{}
	if opts.PublisherID != "" {
		query.Set("publisher_id", opts.PublisherID)
	}
	if opts.FinalState != "" {
		query.Set("final_state", string(opts.FinalState))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	var entries []*archive.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/admin/archive", query, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Resubmit queues a fresh job from an archived record.
func (c *Client) Resubmit(ctx context.Context, entryID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/admin/archive/"+url.PathEscape(entryID)+"/resubmit", nil, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
