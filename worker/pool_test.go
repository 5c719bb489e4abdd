package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/backoff"
	"github.com/readwell/enrich/ext"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/publisher"
	"github.com/readwell/enrich/store/memory"
)

// testHarness wires a pool against the in-memory store with one
// registered publisher.
type testHarness struct {
	pool    *Pool
	store   *memory.Store
	pub     *publisher.Publisher
	tracker *trackingExt
}

func newHarness(t *testing.T, runner Runner, limits publisher.Limits, opts ...PoolOption) *testHarness {
	t.Helper()

	logger := discardLogger()
	store := memory.New()
	tracker := &trackingExt{}
	registry := ext.NewRegistry(logger)
	registry.Register(tracker)

	pub := &publisher.Publisher{
		Entity: enrich.NewEntity(),
		ID:     id.NewPublisherID(),
		Name:   "test publisher",
		Tier:   publisher.TierStandard,
		Limits: limits,
	}
	directory := publisher.NewStaticDirectory(pub)
	admitter := admission.New(directory, store, admission.WithLogger(logger))

	executor := NewExecutor(runner, registry, store, backoff.NewConstant(time.Minute), logger)

	poolOpts := append([]PoolOption{
		WithPoolConcurrency(4),
		WithPollInterval(5 * time.Millisecond),
	}, opts...)
	pool := NewPool(store, executor, admitter, registry, logger, poolOpts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	return &testHarness{pool: pool, store: store, pub: pub, tracker: tracker}
}

func (h *testHarness) submit(t *testing.T, url string) *job.Job {
	t.Helper()
	j := job.New(h.pub.ID, url, job.TypeFullProcess, 4)
	if err := h.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

// waitFor polls cond until it reports true or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (h *testHarness) jobState(t *testing.T, jobID id.JobID) job.State {
	t.Helper()
	got, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got.State
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		runs  = map[string]int{}
		count atomic.Int64
	)
	runner := &stubRunner{fn: func(_ context.Context, j *job.Job) error {
		mu.Lock()
		runs[j.ID.String()]++
		mu.Unlock()
		count.Add(1)
		return nil
	}}

	h := newHarness(t, runner, publisher.Limits{MaxConcurrent: 10})

	jobs := make([]*job.Job, 5)
	for i := range jobs {
		jobs[i] = h.submit(t, "https://example.com/article/"+string(rune('a'+i)))
	}

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return count.Load() >= 5 }, "all jobs to run")
	waitFor(t, 2*time.Second, func() bool {
		for _, j := range jobs {
			if h.jobState(t, j.ID) != job.StateCompleted {
				return false
			}
		}
		return true
	}, "all jobs to complete")

	mu.Lock()
	defer mu.Unlock()
	for jobID, n := range runs {
		if n != 1 {
			t.Fatalf("job %s ran %d times, want exactly once", jobID, n)
		}
	}
	if len(runs) != 5 {
		t.Fatalf("distinct jobs run = %d, want 5", len(runs))
	}
}

func TestPoolSingleExecutionUnderContention(t *testing.T) {
	t.Parallel()

	var count atomic.Int64
	runner := &stubRunner{fn: func(_ context.Context, _ *job.Job) error {
		count.Add(1)
		return nil
	}}

	h := newHarness(t, runner, publisher.Limits{MaxConcurrent: 10},
		WithPoolConcurrency(8), WithClaimBatch(8))

	j := h.submit(t, "https://example.com/contested")

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.jobState(t, j.ID) == job.StateCompleted
	}, "job to complete")

	// Give racing workers a chance to misbehave before asserting.
	time.Sleep(50 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Fatalf("job executed %d times, want exactly 1", got)
	}
	final, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", final.AttemptCount)
	}
}

func TestPoolEnforcesConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var (
		inFlight atomic.Int64
		peak     atomic.Int64
	)
	release := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, _ *job.Job) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		inFlight.Add(-1)
		return nil
	}}

	h := newHarness(t, runner, publisher.Limits{MaxConcurrent: 1}, WithPoolConcurrency(4))

	j1 := h.submit(t, "https://example.com/1")
	j2 := h.submit(t, "https://example.com/2")

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return inFlight.Load() == 1 }, "first job to start")

	// The second job must stay queued while the slot is held.
	time.Sleep(50 * time.Millisecond)
	states := []job.State{h.jobState(t, j1.ID), h.jobState(t, j2.ID)}
	processing, queued := 0, 0
	for _, s := range states {
		switch s {
		case job.StateProcessing:
			processing++
		case job.StateQueued:
			queued++
		}
	}
	if processing != 1 || queued != 1 {
		t.Fatalf("states = %v, want one processing and one queued", states)
	}

	close(release)

	waitFor(t, 2*time.Second, func() bool {
		return h.jobState(t, j1.ID) == job.StateCompleted &&
			h.jobState(t, j2.ID) == job.StateCompleted
	}, "both jobs to complete")

	if peak.Load() != 1 {
		t.Fatalf("peak in-flight = %d, want 1 with a single slot", peak.Load())
	}
}

func TestPoolDailyQuotaLeavesJobQueued(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{}
	h := newHarness(t, runner, publisher.Limits{MaxConcurrent: 5, DailyQuota: 1})

	j1 := h.submit(t, "https://example.com/1")
	j2 := h.submit(t, "https://example.com/2")

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s1, s2 := h.jobState(t, j1.ID), h.jobState(t, j2.ID)
		return (s1 == job.StateCompleted) != (s2 == job.StateCompleted)
	}, "exactly one job to complete")

	// Quota denial is not a failure: the over-quota job stays queued.
	time.Sleep(50 * time.Millisecond)
	s1, s2 := h.jobState(t, j1.ID), h.jobState(t, j2.ID)
	var loser job.State
	if s1 == job.StateCompleted {
		loser = s2
	} else {
		loser = s1
	}
	if loser != job.StateQueued {
		t.Fatalf("over-quota job state = %q, want queued", loser)
	}
}

func TestPoolHeartbeatsActiveJobs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, _ *job.Job) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	defer close(release)

	h := newHarness(t, runner, publisher.Limits{MaxConcurrent: 5},
		WithHeartbeatInterval(10*time.Millisecond))

	j := h.submit(t, "https://example.com/slow")

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.jobState(t, j.ID) == job.StateProcessing
	}, "job to start")

	first, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if first.HeartbeatAt == nil {
		t.Fatal("expected initial heartbeat from claim")
	}

	waitFor(t, 2*time.Second, func() bool {
		got, getErr := h.store.GetJob(context.Background(), j.ID)
		if getErr != nil {
			return false
		}
		return got.HeartbeatAt != nil && got.HeartbeatAt.After(*first.HeartbeatAt)
	}, "heartbeat to advance")
}

func TestPoolStartStopIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubRunner{}, publisher.Limits{MaxConcurrent: 5})

	ctx := context.Background()
	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.pool.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
