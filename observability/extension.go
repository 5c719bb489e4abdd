package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/readwell/enrich/ext"
	"github.com/readwell/enrich/job"
)

const meterName = "github.com/readwell/enrich/observability"

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobSubmitted  = (*MetricsExtension)(nil)
	_ ext.JobStarted    = (*MetricsExtension)(nil)
	_ ext.JobCompleted  = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.JobRetrying   = (*MetricsExtension)(nil)
	_ ext.JobCancelled  = (*MetricsExtension)(nil)
	_ ext.StepCompleted = (*MetricsExtension)(nil)
	_ ext.StepFailed    = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters. Register it
// as an extension to track submission rates, completion counts, failure
// rates by error kind, retries, cancellations, and per-step outcomes.
type MetricsExtension struct {
	jobSubmitted  metric.Int64Counter
	jobStarted    metric.Int64Counter
	jobCompleted  metric.Int64Counter
	jobFailed     metric.Int64Counter
	jobRetried    metric.Int64Counter
	jobCancelled  metric.Int64Counter
	stepCompleted metric.Int64Counter
	stepFailed    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension recording
// through the provided meter. Tests pass a meter backed by a manual
// reader.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	jobSubmitted, _ := meter.Int64Counter("enrich.jobs.submitted",
		metric.WithDescription("Jobs accepted for processing"))
	jobStarted, _ := meter.Int64Counter("enrich.jobs.started",
		metric.WithDescription("Job attempts started"))
	jobCompleted, _ := meter.Int64Counter("enrich.jobs.completed",
		metric.WithDescription("Jobs finished successfully"))
	jobFailed, _ := meter.Int64Counter("enrich.jobs.failed",
		metric.WithDescription("Jobs failed permanently"))
	jobRetried, _ := meter.Int64Counter("enrich.jobs.retried",
		metric.WithDescription("Job attempts parked for retry"))
	jobCancelled, _ := meter.Int64Counter("enrich.jobs.cancelled",
		metric.WithDescription("Jobs cancelled before completion"))
	stepCompleted, _ := meter.Int64Counter("enrich.steps.completed",
		metric.WithDescription("Pipeline steps finished successfully"))
	stepFailed, _ := meter.Int64Counter("enrich.steps.failed",
		metric.WithDescription("Pipeline steps that returned an error"))

	return &MetricsExtension{
		jobSubmitted:  jobSubmitted,
		jobStarted:    jobStarted,
		jobCompleted:  jobCompleted,
		jobFailed:     jobFailed,
		jobRetried:    jobRetried,
		jobCancelled:  jobCancelled,
		stepCompleted: stepCompleted,
		stepFailed:    stepFailed,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("job_type", string(j.JobType)),
	)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.jobSubmitted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.jobStarted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.jobCompleted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", string(j.JobType)),
		attribute.String("error_kind", string(j.ErrorKind)),
	))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, jobAttrs(j))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, _ *job.Job, step job.Step, _ time.Duration) error {
	m.stepCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(step)),
	))
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, _ *job.Job, step job.Step, _ error) error {
	m.stepFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(step)),
	))
	return nil
}
