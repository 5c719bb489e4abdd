// Package enrich provides a durable content enrichment pipeline for Go.
// It ingests a content URL on behalf of a publisher, runs it through a
// multi-step pipeline (retrieval, summarization, question generation,
// embedding), and persists the result, tracking every unit of work as a
// durable Job with an observable state machine.
//
// Enrich is designed as a library, not a service. Import it, configure a
// store, and start an engine:
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithDirectory(dir),
//	    engine.WithRetriever(retrieve.New()),
//	    engine.WithGenerator(gen),
//	)
//
// # Architecture
//
// Enrich follows a composable store pattern where each subsystem (job,
// pipeline, admission, archive) defines its own store interface. A single
// backend implements all of them; memory, Redis, and Postgres backends
// ship in store/.
//
// Jobs progress through a strict state machine:
//
//	queued → processing → completed
//	queued → processing → retry → processing → ...
//	queued → processing → failed
//	queued | processing | retry → cancelled
//
// Multiple worker processes may compete for the same queue. Mutual
// exclusion is the atomic claim (queued/retry → processing compare-and-
// swap); per-publisher fairness is the admission controller's atomic
// slot counter.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package enrich
