package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/registry"
	"github.com/queueworks/docqueue/store"
	"github.com/queueworks/docqueue/store/memory"
	"github.com/queueworks/docqueue/worker"
)

// harness wires a worker against the in-memory store with the full bus and
// registry, mirroring how the client assembles the real thing.
type harness struct {
	store    *memory.Store
	notifier *memory.Notifier
	bus      *pubsub.Bus
	registry *registry.Registry
	deps     worker.Deps
}

func newHarness(t *testing.T, queues ...string) *harness {
	t.Helper()
	ctx := context.Background()

	notifier := memory.NewNotifier()
	st := memory.New(notifier)
	bus := pubsub.New(notifier, zap.NewNop(), pubsub.Hooks{})
	reg := registry.New(st, bus, zap.NewNop(), time.Minute)

	for _, q := range queues {
		if _, err := st.CreateQueue(ctx, q); err != nil {
			t.Fatalf("create queue %q: %v", q, err)
		}
		if err := st.EnableNotifications(ctx, q, true); err != nil {
			t.Fatalf("enable notifications on %q: %v", q, err)
		}
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(func() { reg.Stop(context.Background()) }) //nolint:errcheck

	return &harness{
		store:    st,
		notifier: notifier,
		bus:      bus,
		registry: reg,
		deps: worker.Deps{
			Docs:     st,
			Queues:   st,
			Bus:      bus,
			Registry: reg,
			Log:      zap.NewNop(),
		},
	}
}

func (h *harness) startWorker(t *testing.T, cfg worker.Config) *worker.Worker {
	t.Helper()
	if cfg.Delay == 0 {
		cfg.Delay = 2 * time.Millisecond
	}
	if cfg.Sleep == 0 {
		cfg.Sleep = 10 * time.Millisecond
	}
	w, err := worker.New(cfg, h.deps)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Stop(ctx) //nolint:errcheck
	})
	return w
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	if _, err := worker.New(worker.Config{Handler: nil, Queue: "q"}, h.deps); err == nil {
		t.Fatal("expected an error for a missing handler")
	}
	handler := func(context.Context, *worker.Document) (worker.Action, error) {
		return worker.Complete(), nil
	}
	if _, err := worker.New(worker.Config{Handler: handler}, h.deps); err == nil {
		t.Fatal("expected an error for a missing queue")
	}
	if _, err := worker.New(worker.Config{Handler: handler, Queue: "bad-name"}, h.deps); !errors.Is(err, store.ErrInvalidQueueName) {
		t.Fatalf("expected ErrInvalidQueueName, got %v", err)
	}
}

func TestWorker_CompletesDocuments(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(ctx context.Context, doc *worker.Document) (worker.Action, error) {
			return worker.Complete(), nil
		},
	})

	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "jobs")
		return m.Completed == 1
	})
}

func TestWorker_GateFailsClosedForInactiveQueue(t *testing.T) {
	h := newHarness(t, "paused")
	ctx := context.Background()
	h.store.SetQueueActive(ctx, "paused", false) //nolint:errcheck

	var invoked atomic.Bool
	w, err := worker.New(worker.Config{
		Queue: "paused",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			invoked.Store(true)
			return worker.Complete(), nil
		},
		Delay: 2 * time.Millisecond,
		Sleep: 5 * time.Millisecond,
	}, h.deps)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Start()

	h.store.Push(ctx, "paused", store.PushRequest{Subject: "a"}) //nolint:errcheck
	time.Sleep(30 * time.Millisecond)

	if invoked.Load() {
		t.Fatal("worker must not process documents of an inactive queue")
	}
}

func TestWorker_StartsWhenQueueActivatesRemotely(t *testing.T) {
	h := newHarness(t, "toggled")
	ctx := context.Background()
	h.store.SetQueueActive(ctx, "toggled", false) //nolint:errcheck

	h.startWorker(t, worker.Config{
		Queue: "toggled",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return worker.Complete(), nil
		},
	})
	h.store.Push(ctx, "toggled", store.PushRequest{Subject: "a"}) //nolint:errcheck

	// Remote activation flows store -> change feed -> registry -> worker.
	h.store.SetQueueActive(ctx, "toggled", true) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "toggled")
		return m.Completed == 1
	})
}

func TestWorker_HandlerErrorBecomesWorkerException(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return nil, errors.New("kaboom")
		},
	})
	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		trail, _ := h.store.Trace(ctx, "a")
		return len(trail) > 0
	})

	trail, _ := h.store.Trace(ctx, "a")
	if trail[0].Message != "worker exception" {
		t.Fatalf("expected a worker exception entry, got %q", trail[0].Message)
	}
	if trail[0].RefID != "*" {
		t.Fatalf("expected the generic ref id, got %q", trail[0].RefID)
	}
}

func TestWorker_PanicIsIsolatedToTheDocument(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Batch: 2,
		Handler: func(_ context.Context, doc *worker.Document) (worker.Action, error) {
			if doc.Subject == "bad" {
				panic("unexpected payload shape")
			}
			return worker.Complete(), nil
		},
	})

	h.store.PushMany(ctx, "jobs", []store.PushRequest{ //nolint:errcheck
		{Subject: "bad"},
		{Subject: "good"},
	})

	waitFor(t, time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "jobs")
		return m.Completed == 1
	})

	trail, _ := h.store.Trace(ctx, "bad")
	if len(trail) == 0 || trail[0].Message != "worker exception" {
		t.Fatalf("expected the panicking document to be rejected, trace=%+v", trail)
	}
}

func TestWorker_NilActionIsAnException(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return nil, nil
		},
	})
	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		trail, _ := h.store.Trace(ctx, "a")
		return len(trail) > 0 && trail[0].Message == "worker exception"
	})
}

func TestWorker_RejectsUntilKilled(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()
	h.store.SetMaxAttempts(ctx, "jobs", 1) //nolint:errcheck

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return worker.Reject("still failing"), nil
		},
	})
	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "jobs")
		return m.Killed == 1
	})
}

func TestWorker_RescheduleRunsAgain(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	var runs atomic.Int32
	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			if runs.Add(1) == 1 {
				return worker.Reschedule(time.Time{}), nil
			}
			return worker.Complete(), nil
		},
	})
	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "jobs")
		return m.Completed == 1
	})
	if runs.Load() < 2 {
		t.Fatalf("expected at least 2 runs, got %d", runs.Load())
	}
}

func TestWorker_KillMessageIsLogged(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return worker.Kill("business rule violated"), nil
		},
	})
	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		trail, _ := h.store.Trace(ctx, "a")
		return len(trail) > 0 && trail[0].Message == "business rule violated"
	})
}

func TestWorker_BatchIsBounded(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	picked := make(chan int, 16)
	h.deps.Hooks = worker.Hooks{
		OnPick: func(_ string, docs int) { picked <- docs },
	}

	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Batch: 2,
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return worker.Complete(), nil
		},
	})

	var reqs []store.PushRequest
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		reqs = append(reqs, store.PushRequest{Subject: s})
	}
	h.store.PushMany(ctx, "jobs", reqs) //nolint:errcheck

	waitFor(t, time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "jobs")
		return m.Completed == 5
	})

	close(picked)
	for n := range picked {
		if n > 2 {
			t.Fatalf("pick exceeded the batch limit: %d", n)
		}
	}
}

func TestWorker_StopFinishesInFlightCycle(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	w := h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			close(entered)
			<-release
			return worker.Complete(), nil
		},
	})

	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	<-entered

	stopDone := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		stopDone <- w.Stop(stopCtx)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a document was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-stopDone; err != nil {
		t.Fatalf("stop: %v", err)
	}

	m, _ := h.store.GetMetrics(ctx, "jobs")
	if m.Completed != 1 {
		t.Fatalf("expected the in-flight document to complete, metrics=%+v", m)
	}
}

func TestWorker_StartDuringStopDefersUntilDrained(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	w := h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			entered <- struct{}{}
			<-release
			return worker.Complete(), nil
		},
	})

	h.store.PushMany(ctx, "jobs", []store.PushRequest{ //nolint:errcheck
		{Subject: "a"},
		{Subject: "b"},
	})
	<-entered

	stopDone := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		stopDone <- w.Stop(stopCtx)
	}()

	// A start requested while the previous loop is still draining must not
	// spin up a second loop over the same queue.
	time.Sleep(10 * time.Millisecond)
	w.Start()
	time.Sleep(30 * time.Millisecond)

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("a second cycle ran during the drain, max in-flight %d", got)
	}

	close(release)
	if err := <-stopDone; err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Once drained, the deferred start takes over and picks up the backlog.
	waitFor(t, 2*time.Second, func() bool {
		m, _ := h.store.GetMetrics(ctx, "jobs")
		return m.Completed == 2
	})
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("cycles overlapped, max in-flight %d", got)
	}
}

func TestWorker_StopLeavesNoWakeSubscription(t *testing.T) {
	h := newHarness(t, "jobs")

	w, err := worker.New(worker.Config{
		Queue: "jobs",
		Handler: func(context.Context, *worker.Document) (worker.Action, error) {
			return worker.Complete(), nil
		},
		Delay: 2 * time.Millisecond,
		Sleep: 5 * time.Millisecond,
	}, h.deps)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	// Race Start against Stop repeatedly; whichever side wins, the wake
	// subscription must never survive a completed stop.
	for i := 0; i < 50; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			w.Stop(ctx) //nolint:errcheck
		}()
		w.Start()
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		w.Stop(ctx) //nolint:errcheck
		cancel()
	}

	pending := store.PendingChannel("jobs")
	for _, name := range h.notifier.Channels() {
		if name == pending {
			t.Fatal("wake subscription leaked past Stop")
		}
	}
}

func TestWorker_WorkflowFacetAbsentWithoutMetadata(t *testing.T) {
	h := newHarness(t, "jobs")
	ctx := context.Background()

	facets := make(chan bool, 1)
	h.startWorker(t, worker.Config{
		Queue: "jobs",
		Handler: func(_ context.Context, doc *worker.Document) (worker.Action, error) {
			facets <- doc.Workflow() != nil
			return worker.Complete(), nil
		},
	})
	h.store.Push(ctx, "jobs", store.PushRequest{Subject: "a", Payload: store.Payload{"k": "v"}}) //nolint:errcheck

	select {
	case hasFacet := <-facets:
		if hasFacet {
			t.Fatal("plain documents must not expose a workflow facet")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}
