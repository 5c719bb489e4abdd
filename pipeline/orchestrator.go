package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/job"
)

// ErrCancelled is returned when a cancellation request is observed at a
// step boundary. The executor discards the attempt without treating it
// as a failure.
var ErrCancelled = errors.New("pipeline: job cancelled")

// StepEmitter receives step lifecycle events. ext.Registry satisfies it.
type StepEmitter interface {
	EmitStepCompleted(ctx context.Context, j *job.Job, step job.Step, elapsed time.Duration)
	EmitStepFailed(ctx context.Context, j *job.Job, step job.Step, err error)
}

type nopEmitter struct{}

func (nopEmitter) EmitStepCompleted(context.Context, *job.Job, job.Step, time.Duration) {}
func (nopEmitter) EmitStepFailed(context.Context, *job.Job, job.Step, error)            {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithStepTimeout bounds each step's external call. Zero disables the
// per-step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithQuestionCount sets how many questions to generate per job.
func WithQuestionCount(n int) Option {
	return func(o *Orchestrator) { o.questionCount = n }
}

// WithMinWordCount sets the word-count floor below which content is not
// fully processed.
func WithMinWordCount(n int) Option {
	return func(o *Orchestrator) { o.minWordCount = n }
}

// WithCacheTTL sets how long finalized results stay in the fast cache.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.cacheTTL = d }
}

// WithEmitter sets the step lifecycle emitter.
func WithEmitter(e StepEmitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// Orchestrator executes the enrichment step sequence for one admitted
// job. It is safe for concurrent use across jobs.
type Orchestrator struct {
	jobs        job.Store
	artifacts   ArtifactStore
	checkpoints CheckpointStore
	cache       ResultCache
	retriever   Retriever
	generator   Generator

	emitter       StepEmitter
	logger        *slog.Logger
	stepTimeout   time.Duration
	questionCount int
	minWordCount  int
	cacheTTL      time.Duration
}

// New creates an Orchestrator.
func New(
	jobs job.Store,
	artifacts ArtifactStore,
	checkpoints CheckpointStore,
	cache ResultCache,
	retriever Retriever,
	generator Generator,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		jobs:          jobs,
		artifacts:     artifacts,
		checkpoints:   checkpoints,
		cache:         cache,
		retriever:     retriever,
		generator:     generator,
		emitter:       nopEmitter{},
		logger:        slog.Default(),
		stepTimeout:   90 * time.Second,
		questionCount: 5,
		minWordCount:  120,
		cacheTTL:      24 * time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// thresholdDecision is the checkpointed outcome of the threshold check.
type thresholdDecision struct {
	Skip      bool   `json:"skip"`
	Ref       string `json:"ref,omitempty"`
	ContentID string `json:"content_id"`
	Version   int    `json:"version"`
	Checksum  string `json:"checksum,omitempty"`
}

// Run executes the pipeline for j, which must be in processing state.
// On success j.ResultRef points at the persisted artifact and nil is
// returned; the caller owns the completed transition. A classified error
// reports failure; ErrCancelled reports a cancellation observed at a
// step boundary; enrich.ErrStateConflict reports that the job is no
// longer this worker's to run.
func (o *Orchestrator) Run(ctx context.Context, j *job.Job) error {
	content, err := runStep(ctx, o, j, job.StepRetrieve, func(ctx context.Context) (*Content, error) {
		return o.retriever.Retrieve(ctx, j.TargetURL)
	})
	if err != nil {
		return err
	}

	decision, err := runStep(ctx, o, j, job.StepThreshold, func(ctx context.Context) (*thresholdDecision, error) {
		return o.evaluateThreshold(ctx, j, content)
	})
	if err != nil {
		return err
	}

	if decision.Skip {
		return o.finalizeReused(ctx, j, decision.Ref)
	}

	summary, err := runStep(ctx, o, j, job.StepSummarize, func(ctx context.Context) (*Summary, error) {
		return o.generator.Summarize(ctx, content.Text)
	})
	if err != nil {
		return err
	}

	questions, err := runStep(ctx, o, j, job.StepQuestions, func(ctx context.Context) ([]Question, error) {
		return o.generator.GenerateQuestions(ctx, content.Text, o.questionCount)
	})
	if err != nil {
		return err
	}

	vectorIDs, err := runStep(ctx, o, j, job.StepEmbed, func(ctx context.Context) ([]string, error) {
		return o.embed(ctx, decision, summary, questions)
	})
	if err != nil {
		return err
	}

	ref, err := runStep(ctx, o, j, job.StepPersist, func(ctx context.Context) (string, error) {
		return o.persist(ctx, j, content, decision, summary, questions, vectorIDs)
	})
	if err != nil {
		return err
	}

	j.ResultRef = ref
	o.cleanupCheckpoints(ctx, j)
	return nil
}

// finalizeReused completes the job against the prior artifact without
// any generation calls.
func (o *Orchestrator) finalizeReused(ctx context.Context, j *job.Job, ref string) error {
	prior, err := o.artifacts.GetArtifact(ctx, ref)
	if err != nil {
		return fmt.Errorf("pipeline: load reused artifact %s: %w", ref, err)
	}

	if cacheErr := o.cache.SetResult(ctx, j.PublisherID, j.TargetURL, prior, o.cacheTTL); cacheErr != nil {
		o.logger.Warn("result cache populate failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", cacheErr.Error()),
		)
	}

	j.ResultRef = ref
	o.cleanupCheckpoints(ctx, j)

	o.logger.Info("content unchanged, reusing prior artifact",
		slog.String("job_id", j.ID.String()),
		slog.String("result_ref", ref),
	)
	return nil
}

// evaluateThreshold decides whether full processing is warranted.
// Unchanged content reuses the prior artifact. Content below the
// word-count floor reuses the prior artifact when one exists and is a
// permanent failure otherwise.
func (o *Orchestrator) evaluateThreshold(ctx context.Context, j *job.Job, content *Content) (*thresholdDecision, error) {
	contentID := ContentIDFor(j.PublisherID, j.TargetURL)
	checksum := content.Checksum()

	version := 1
	var latest *Artifact
	prior, err := o.artifacts.LatestArtifact(ctx, contentID)
	switch {
	case err == nil:
		latest = prior
		if prior.SourceChecksum == checksum {
			return &thresholdDecision{Skip: true, Ref: prior.Ref(), ContentID: contentID, Version: prior.Version}, nil
		}
		version = prior.Version + 1
	case errors.Is(err, enrich.ErrArtifactNotFound):
		// First run for this content.
	default:
		return nil, fmt.Errorf("pipeline: latest artifact: %w", err)
	}

	if content.Metadata.WordCount < o.minWordCount {
		if latest != nil {
			return &thresholdDecision{Skip: true, Ref: latest.Ref(), ContentID: contentID, Version: latest.Version}, nil
		}
		return nil, &enrich.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("word count %d below floor %d", content.Metadata.WordCount, o.minWordCount),
		}
	}

	return &thresholdDecision{ContentID: contentID, Version: version, Checksum: checksum}, nil
}

// embed generates vectors for the summary and each question
// concurrently, then persists them through the vector mapping.
func (o *Orchestrator) embed(ctx context.Context, decision *thresholdDecision, summary *Summary, questions []Question) ([]string, error) {
	vectors := make([]Vector, len(questions)+1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		values, err := o.generator.Embed(gctx, summary.Text)
		if err != nil {
			return err
		}
		vectors[0] = Vector{Field: "summary", Values: values}
		return nil
	})
	for i, q := range questions {
		g.Go(func() error {
			values, err := o.generator.Embed(gctx, q.Text)
			if err != nil {
				return err
			}
			vectors[i+1] = Vector{Field: fmt.Sprintf("question:%d", i), Values: values}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids, err := o.artifacts.SaveVectors(ctx, decision.ContentID, decision.Version, vectors)
	if err != nil {
		return nil, fmt.Errorf("pipeline: save vectors: %w", err)
	}
	return ids, nil
}

// persist writes the artifact and populates the fast cache. Cache
// failures are logged, not fatal: the cache is an accelerator, never a
// source of truth.
func (o *Orchestrator) persist(
	ctx context.Context,
	j *job.Job,
	content *Content,
	decision *thresholdDecision,
	summary *Summary,
	questions []Question,
	vectorIDs []string,
) (string, error) {
	artifact := &Artifact{
		Entity:             enrich.NewEntity(),
		ContentID:          decision.ContentID,
		Version:            decision.Version,
		PublisherID:        j.PublisherID,
		SourceURL:          j.TargetURL,
		SourceChecksum:     decision.Checksum,
		WordCount:          content.Metadata.WordCount,
		Language:           content.Metadata.Language,
		Summary:            summary.Text,
		KeyPoints:          summary.KeyPoints,
		Questions:          questions,
		EmbeddingVectorIDs: vectorIDs,
	}

	if err := o.artifacts.SaveArtifact(ctx, artifact); err != nil {
		return "", fmt.Errorf("pipeline: save artifact: %w", err)
	}

	if err := o.cache.SetResult(ctx, j.PublisherID, j.TargetURL, artifact, o.cacheTTL); err != nil {
		o.logger.Warn("result cache populate failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return artifact.Ref(), nil
}

func (o *Orchestrator) cleanupCheckpoints(ctx context.Context, j *job.Job) {
	if err := o.checkpoints.DeleteCheckpoints(ctx, j.ID); err != nil {
		o.logger.Warn("checkpoint cleanup failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// runStep executes one named step with a durable checkpoint. If a
// checkpoint exists the cached result is returned without re-executing
// (idempotent replay after crash or retry). The cancellation gate runs
// before execution so a cancel requested mid-step takes effect before
// the next step starts.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func runStep[T any](ctx context.Context, o *Orchestrator, j *job.Job, step job.Step, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := o.gate(ctx, j); err != nil {
		return zero, err
	}

	data, err := o.checkpoints.GetCheckpoint(ctx, j.ID, step)
	if err != nil {
		return zero, fmt.Errorf("pipeline: get checkpoint %q: %w", step, err)
	}
	if data != nil {
		var cached T
		if decErr := json.Unmarshal(data, &cached); decErr != nil {
			return zero, fmt.Errorf("pipeline: decode checkpoint %q: %w", step, decErr)
		}
		o.logger.Debug("skipping checkpointed step",
			slog.String("job_id", j.ID.String()),
			slog.String("step", string(step)),
		)
		return cached, nil
	}

	// Durable progress marker before the work happens.
	j.CurrentStep = step
	j.Touch()
	if updErr := o.jobs.UpdateJob(ctx, j); updErr != nil {
		return zero, fmt.Errorf("pipeline: record step %q: %w", step, updErr)
	}

	stepCtx := ctx
	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}

	start := time.Now()
	result, stepErr := fn(stepCtx)
	elapsed := time.Since(start)

	if stepErr != nil {
		o.emitter.EmitStepFailed(ctx, j, step, stepErr)
		return zero, fmt.Errorf("pipeline: step %q: %w", step, stepErr)
	}

	encoded, encErr := json.Marshal(result)
	if encErr != nil {
		return zero, fmt.Errorf("pipeline: encode checkpoint %q: %w", step, encErr)
	}
	if saveErr := o.checkpoints.SaveCheckpoint(ctx, j.ID, step, encoded); saveErr != nil {
		return zero, fmt.Errorf("pipeline: save checkpoint %q: %w", step, saveErr)
	}

	o.emitter.EmitStepCompleted(ctx, j, step, elapsed)
	return result, nil
}

// gate re-reads the job and stops execution when it has been cancelled
// or is no longer this worker's to run (reclaimed after a missed
// heartbeat).
func (o *Orchestrator) gate(ctx context.Context, j *job.Job) error {
	current, err := o.jobs.GetJob(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("pipeline: cancellation gate: %w", err)
	}

	switch current.State {
	case job.StateCancelled:
		return ErrCancelled
	case job.StateProcessing:
		if !current.WorkerID.IsNil() && !j.WorkerID.IsNil() && current.WorkerID.String() != j.WorkerID.String() {
			return enrich.ErrStateConflict
		}
		return nil
	default:
		return enrich.ErrStateConflict
	}
}
