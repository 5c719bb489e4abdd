package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionJobSubmitted  = "job.submitted"
	ActionJobStarted    = "job.started"
	ActionJobCompleted  = "job.completed"
	ActionJobFailed     = "job.failed"
	ActionJobRetrying   = "job.retrying"
	ActionJobCancelled  = "job.cancelled"
	ActionStepCompleted = "step.completed"
	ActionStepFailed    = "step.failed"
)

// Audit event categories group related actions.
const (
	CategoryJob  = "enrich.job"
	CategoryStep = "enrich.step"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob = "job"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobCancelled,
		ActionStepCompleted,
		ActionStepFailed,
	}
}
