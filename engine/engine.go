package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/backoff"
	"github.com/readwell/enrich/ext"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/maintenance"
	mw "github.com/readwell/enrich/middleware"
	"github.com/readwell/enrich/observability"
	"github.com/readwell/enrich/pipeline"
	"github.com/readwell/enrich/publisher"
	"github.com/readwell/enrich/worker"
)

const instrumentationName = "github.com/readwell/enrich"

// cancelRetries bounds how many CAS rounds Cancel makes before giving
// up on a job that keeps changing state underneath it.
const cancelRetries = 3

// Engine is the assembled enrichment system. Create one with New, then
// Start it to begin processing.
type Engine struct {
	cfg       enrich.Config
	store     any
	directory publisher.Directory
	retriever pipeline.Retriever
	generator pipeline.Generator

	jobs        job.Store
	artifacts   pipeline.ArtifactStore
	checkpoints pipeline.CheckpointStore
	cache       pipeline.ResultCache

	extensions  *ext.Registry
	controller  *admission.Controller
	orch        *pipeline.Orchestrator
	pool        *worker.Pool
	archives    *archive.Service
	maint       *maintenance.Runner
	bo          backoff.Strategy
	mws         []mw.Middleware
	logger      *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the backend. The value must implement job.Store,
// pipeline.ArtifactStore, pipeline.CheckpointStore, pipeline.ResultCache,
// admission.SlotStore, archive.Store, and maintenance.LeaderStore; the
// memory, redis, and postgres backends all do.
func WithStore(store any) Option {
	return func(e *Engine) { e.store = store }
}

// WithDirectory sets the publisher directory used to resolve tier limits.
func WithDirectory(d publisher.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithRetriever sets the content retriever.
func WithRetriever(r pipeline.Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithGenerator sets the LLM generation provider.
func WithGenerator(g pipeline.Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithConfig sets the engine configuration. Defaults to
// enrich.DefaultConfig().
func WithConfig(cfg enrich.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.extensions.Register(x) }
}

// WithMiddleware appends middleware to the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultStrategy() (exponential with jitter).
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses it instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both the
// metrics middleware and the observability extension use it instead of
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New assembles an Engine. Store, directory, retriever, and generator
// are required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    enrich.DefaultConfig(),
		logger: slog.Default(),
	}
	e.extensions = ext.NewRegistry(e.logger)

	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, enrich.ErrNoStore
	}
	if e.directory == nil {
		return nil, errors.New("engine: no publisher directory configured")
	}
	if e.retriever == nil {
		return nil, errors.New("engine: no retriever configured")
	}
	if e.generator == nil {
		return nil, errors.New("engine: no generator configured")
	}

	var ok bool
	if e.jobs, ok = e.store.(job.Store); !ok {
		return nil, fmt.Errorf("engine: store does not implement job.Store")
	}
	if e.artifacts, ok = e.store.(pipeline.ArtifactStore); !ok {
		return nil, fmt.Errorf("engine: store does not implement pipeline.ArtifactStore")
	}
	if e.checkpoints, ok = e.store.(pipeline.CheckpointStore); !ok {
		return nil, fmt.Errorf("engine: store does not implement pipeline.CheckpointStore")
	}
	if e.cache, ok = e.store.(pipeline.ResultCache); !ok {
		return nil, fmt.Errorf("engine: store does not implement pipeline.ResultCache")
	}
	slots, ok := e.store.(admission.SlotStore)
	if !ok {
		return nil, fmt.Errorf("engine: store does not implement admission.SlotStore")
	}
	archives, ok := e.store.(archive.Store)
	if !ok {
		return nil, fmt.Errorf("engine: store does not implement archive.Store")
	}
	leader, ok := e.store.(maintenance.LeaderStore)
	if !ok {
		return nil, fmt.Errorf("engine: store does not implement maintenance.LeaderStore")
	}

	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	// Observability: lifecycle counters plus per-execution middleware.
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}
	if e.meterProvider != nil {
		e.extensions.Register(observability.NewMetricsExtensionWithMeter(
			e.meterProvider.Meter(instrumentationName + "/observability")))
	} else {
		e.extensions.Register(observability.NewMetricsExtension())
	}

	// Default stack: recover → tracing → metrics → logging → publisher →
	// timeout, then caller-supplied middleware closest to the pipeline.
	allMws := append([]mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Publisher(),
		mw.Timeout(e.logger, e.cfg.JobTimeout),
	}, e.mws...)

	e.controller = admission.New(e.directory, slots,
		admission.WithLogger(e.logger),
		admission.WithReprocessQuotaBypass(e.cfg.ReprocessBypassesDailyQuota),
	)

	e.orch = pipeline.New(e.jobs, e.artifacts, e.checkpoints, e.cache,
		e.retriever, e.generator,
		pipeline.WithLogger(e.logger),
		pipeline.WithEmitter(e.extensions),
		pipeline.WithStepTimeout(e.cfg.StepTimeout),
		pipeline.WithQuestionCount(e.cfg.QuestionCount),
		pipeline.WithMinWordCount(e.cfg.MinWordCount),
		pipeline.WithCacheTTL(e.cfg.ResultCacheTTL),
	)

	executor := worker.NewExecutor(e.orch, e.extensions, e.jobs, e.bo, e.logger, allMws...)

	e.pool = worker.NewPool(e.jobs, executor, e.controller, e.extensions, e.logger,
		worker.WithPoolConcurrency(e.cfg.Concurrency),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithHeartbeatInterval(e.cfg.HeartbeatInterval),
	)

	e.archives = archive.NewService(archives, e.jobs, e.logger)

	maintOpts := []maintenance.Option{
		maintenance.WithSweepSchedule(e.cfg.SweepSchedule),
		maintenance.WithStaleThreshold(e.cfg.StaleJobThreshold),
		maintenance.WithRetentionSchedule(e.cfg.RetentionSchedule),
		maintenance.WithRetentionWindow(e.cfg.RetentionWindow),
	}
	e.maint = maintenance.NewRunner(e.jobs, e.archives, slots, leader, e.pool.WorkerID(), e.logger, maintOpts...)

	return e, nil
}

// ── Operations ──────────────────────────────────────

// Submit validates and enqueues an enrichment job. Submission is
// idempotent per (publisher, url, type): when an active job for the same
// triple already exists, that job is returned instead of creating a
// duplicate.
func (e *Engine) Submit(ctx context.Context, publisherID id.PublisherID, targetURL string, jobType job.Type) (*job.Job, error) {
	if err := validateURL(targetURL); err != nil {
		return nil, err
	}
	if !jobType.Valid() {
		return nil, &enrich.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown type %q", jobType)}
	}
	if _, err := e.directory.GetPublisher(ctx, publisherID); err != nil {
		if errors.Is(err, enrich.ErrPublisherNotFound) {
			return nil, &enrich.ValidationError{Field: "publisher_id", Reason: "unknown publisher"}
		}
		return nil, fmt.Errorf("engine: resolve publisher: %w", err)
	}

	if existing, err := e.jobs.FindActiveJob(ctx, publisherID, targetURL, jobType); err == nil {
		e.logger.Debug("submission deduplicated onto active job",
			slog.String("job_id", existing.ID.String()),
			slog.String("url", targetURL),
		)
		return existing, nil
	} else if !errors.Is(err, enrich.ErrJobNotFound) {
		return nil, fmt.Errorf("engine: idempotency lookup: %w", err)
	}

	j := job.New(publisherID, targetURL, jobType, e.cfg.MaxAttempts)
	if err := e.jobs.CreateJob(ctx, j); err != nil {
		if errors.Is(err, enrich.ErrJobExists) {
			// Lost a concurrent-submit race; surface the winner.
			if existing, findErr := e.jobs.FindActiveJob(ctx, publisherID, targetURL, jobType); findErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("engine: create job: %w", err)
	}

	e.extensions.EmitJobSubmitted(ctx, j)

	e.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("publisher_id", publisherID.String()),
		slog.String("url", targetURL),
		slog.String("job_type", string(jobType)),
	)
	return j, nil
}

// Cancel requests cancellation of a job. Queued and retry jobs cancel
// immediately; processing jobs finish their current step and stop at the
// next step boundary. Cancelling a terminal job returns
// enrich.ErrTerminalState.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var lastErr error
	for range cancelRetries {
		j, err := e.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.State.IsTerminal() {
			return nil, enrich.ErrTerminalState
		}

		from := j.State
		j.State = job.StateCancelled
		j.Touch()
		if err := e.jobs.TransitionJob(ctx, j, from); err != nil {
			if errors.Is(err, enrich.ErrStateConflict) {
				lastErr = err
				continue // state moved under us; re-read and retry
			}
			return nil, err
		}

		e.extensions.EmitJobCancelled(ctx, j)
		e.logger.Info("job cancelled",
			slog.String("job_id", jobID.String()),
			slog.String("was", string(from)),
		)
		return j, nil
	}
	return nil, fmt.Errorf("engine: cancel %s: %w", jobID, lastErr)
}

// Status returns the job's current record.
func (e *Engine) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.jobs.GetJob(ctx, jobID)
}

// Result returns the completed job's artifact, consulting the fast
// cache before the artifact store. It returns enrich.ErrArtifactNotFound
// for jobs that have not completed.
func (e *Engine) Result(ctx context.Context, jobID id.JobID) (*pipeline.Artifact, error) {
	j, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateCompleted || j.ResultRef == "" {
		return nil, enrich.ErrArtifactNotFound
	}

	if cached, cacheErr := e.cache.GetResult(ctx, j.PublisherID, j.TargetURL); cacheErr == nil {
		if cached.Ref() == j.ResultRef {
			return cached, nil
		}
	}
	return e.artifacts.GetArtifact(ctx, j.ResultRef)
}

// QueueStats is a point-in-time snapshot of job counts by state.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Retry      int64 `json:"retry"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Archived   int64 `json:"archived"`

	// Total counts live jobs across all states; archived entries left
	// the live store and are not included.
	Total int64 `json:"total"`
}

// Stats returns queue depth counts per state plus the archive size.
func (e *Engine) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	counts := []struct {
		state job.State
		dst   *int64
	}{
		{job.StateQueued, &stats.Queued},
		{job.StateProcessing, &stats.Processing},
		{job.StateRetry, &stats.Retry},
		{job.StateCompleted, &stats.Completed},
		{job.StateFailed, &stats.Failed},
		{job.StateCancelled, &stats.Cancelled},
	}
	for _, c := range counts {
		n, err := e.jobs.CountJobs(ctx, job.CountOpts{State: c.state})
		if err != nil {
			return nil, fmt.Errorf("engine: count %s jobs: %w", c.state, err)
		}
		*c.dst = n
		stats.Total += n
	}

	archived, err := e.archives.ArchiveStore().CountArchive(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: count archive: %w", err)
	}
	stats.Archived = archived
	return stats, nil
}

// ── Lifecycle ───────────────────────────────────────

// Start begins processing: the worker pool and the leadership-gated
// maintenance schedule.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.maint.Start(ctx); err != nil {
		return fmt.Errorf("engine: start maintenance: %w", err)
	}
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("engine: start pool: %w", err)
	}
	return nil
}

// Stop drains the engine: the pool stops claiming, in-flight jobs get
// until the context deadline (or Config.ShutdownTimeout when the context
// has none) to reach a checkpoint, then extensions are told to shut
// down.
func (e *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	poolErr := e.pool.Stop(ctx)
	maintErr := e.maint.Stop(ctx)

	e.extensions.EmitShutdown(ctx)

	return errors.Join(poolErr, maintErr)
}

// ── Accessors ───────────────────────────────────────

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Pool returns the worker pool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Archives returns the archive service for retention inspection and
// resubmission.
func (e *Engine) Archives() *archive.Service { return e.archives }

// Maintenance returns the maintenance runner.
func (e *Engine) Maintenance() *maintenance.Runner { return e.maint }

// Admission returns the admission controller.
func (e *Engine) Admission() *admission.Controller { return e.controller }

// validateURL accepts absolute http(s) URLs only.
func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &enrich.ValidationError{Field: "target_url", Reason: "empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &enrich.ValidationError{Field: "target_url", Reason: "unparseable"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &enrich.ValidationError{Field: "target_url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &enrich.ValidationError{Field: "target_url", Reason: "missing host"}
	}
	return nil
}
