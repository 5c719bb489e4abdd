// Package publisher defines the tenant on whose behalf enrichment jobs
// run, its subscription tier, and the Directory interface the pipeline
// uses to resolve per-tier limits at admission time.
//
// The publisher directory is owned by an external system; enrich only
// reads tier limits and reports usage. StaticDirectory covers tests and
// single-process deployments.
package publisher

import (
	"context"
	"sync"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
)

// Tier is a publisher's subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
)

// Limits is the typed quota configuration resolved once per publisher at
// admission time.
type Limits struct {
	// MaxConcurrent is the number of jobs the publisher may have in
	// processing simultaneously, across all worker processes.
	MaxConcurrent int

	// DailyQuota is the number of jobs the publisher may start per
	// rolling 24-hour window. Zero means unlimited.
	DailyQuota int

	// RatePerSecond is the sustained job admission rate for the
	// publisher. Zero disables rate limiting.
	RatePerSecond float64

	// RateBurst is the token-bucket burst for RatePerSecond.
	// Defaults to 1 when RatePerSecond is set.
	RateBurst int
}

// DefaultLimits returns the built-in limits for a tier.
func DefaultLimits(tier Tier) Limits {
	switch tier {
	case TierEnterprise:
		return Limits{MaxConcurrent: 20, DailyQuota: 5000, RatePerSecond: 10, RateBurst: 20}
	case TierStandard:
		return Limits{MaxConcurrent: 5, DailyQuota: 500, RatePerSecond: 2, RateBurst: 5}
	default:
		return Limits{MaxConcurrent: 2, DailyQuota: 50, RatePerSecond: 0.5, RateBurst: 2}
	}
}

// Publisher is a tenant record.
type Publisher struct {
	enrich.Entity

	ID     id.PublisherID `json:"id"`
	Name   string         `json:"name"`
	Tier   Tier           `json:"tier"`
	Limits Limits         `json:"limits"`
}

// Directory resolves publisher records. Implementations must be safe for
// concurrent use.
type Directory interface {
	// GetPublisher returns the publisher record, or
	// enrich.ErrPublisherNotFound if the publisher is unknown.
	GetPublisher(ctx context.Context, publisherID id.PublisherID) (*Publisher, error)
}

// StaticDirectory is an in-memory Directory for tests and single-process
// deployments.
type StaticDirectory struct {
	mu         sync.RWMutex
	publishers map[string]*Publisher
}

// NewStaticDirectory creates a StaticDirectory with the given publishers.
func NewStaticDirectory(pubs ...*Publisher) *StaticDirectory {
	d := &StaticDirectory{publishers: make(map[string]*Publisher, len(pubs))}
	for _, p := range pubs {
		d.publishers[p.ID.String()] = p
	}
	return d
}

// Add registers or replaces a publisher.
func (d *StaticDirectory) Add(p *Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishers[p.ID.String()] = p
}

// GetPublisher implements Directory.
func (d *StaticDirectory) GetPublisher(_ context.Context, publisherID id.PublisherID) (*Publisher, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.publishers[publisherID.String()]
	if !ok {
		return nil, enrich.ErrPublisherNotFound
	}
	cp := *p
	return &cp, nil
}
