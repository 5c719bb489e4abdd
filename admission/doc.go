// Package admission bounds concurrent and daily work per publisher
// before a job may start, enforcing tier-based fairness and protecting
// downstream LLM provider quotas.
//
// The Controller resolves a publisher's tier limits once per acquisition
// attempt, then applies three gates in order: a local token-bucket rate
// limiter, the cross-process concurrency slot counter, and the rolling
// daily quota. Acquisition never blocks — a denied job simply stays
// queued and is retried on the next scheduling pass.
//
// Slot accounting must hold across worker processes, so the counter
// lives behind the SlotStore interface with an atomic bounded increment;
// the memory and Redis stores implement it. Releasing a slot is
// idempotent, guarding against a racing cancel and completion both
// releasing the same slot.
package admission
