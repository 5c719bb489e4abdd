// Package engine wires all enrich subsystems together. It creates the
// extension registry, middleware chain, pipeline orchestrator, admission
// controller, worker pool, and maintenance runner, and provides the
// Submit/Cancel/Status surface applications call.
//
// This package exists to break the import cycle: the root enrich package
// defines Entity and Config (imported by job, pipeline, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine
