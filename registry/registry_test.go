package registry_test

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
)

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

func TestShouldStart_FailsClosedBeforeStart(t *testing.T) {
	st := memory.New(nil)
	r := registry.New(st, nil, zap.NewNop(), time.Minute)

	if r.ShouldStart("anything") {
		t.Fatal("expected unknown queues to be inactive before the first refresh")
	}
}

func TestStart_LoadsSnapshotSynchronously(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	st.CreateQueue(ctx, "jobs") //nolint:errcheck

	r := registry.New(st, nil, zap.NewNop(), time.Minute)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Stop(ctx) //nolint:errcheck

	if !r.ShouldStart("jobs") {
		t.Fatal("expected a fresh active queue to pass the gate")
	}
	if r.ShouldStart("ghost") {
		t.Fatal("expected unknown queues to fail the gate")
	}
}

func TestStart_PropagatesListError(t *testing.T) {
	st := memory.New(nil)
	st.ListQueuesErr = errors.New("catalog unavailable")

	r := registry.New(st, nil, zap.NewNop(), time.Minute)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected the initial refresh failure to surface")
	}
}

func TestRefresh_OnChangeNotification(t *testing.T) {
	ctx := context.Background()
	notifier := memory.NewNotifier()
	st := memory.New(notifier)
	bus := pubsub.New(notifier, zap.NewNop(), pubsub.Hooks{})

	r := registry.New(st, bus, zap.NewNop(), time.Minute)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Stop(ctx) //nolint:errcheck

	var sawChange atomic.Bool
	r.OnChange(func([]store.QueueInfo) { sawChange.Store(true) })

	st.CreateQueue(ctx, "late_queue") //nolint:errcheck

	waitFor(t, time.Second, func() bool { return r.ShouldStart("late_queue") })
	if !sawChange.Load() {
		t.Fatal("expected the change handler to fire on refresh")
	}
}

func TestStop_ClearsSnapshotAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	st.CreateQueue(ctx, "jobs") //nolint:errcheck

	r := registry.New(st, nil, zap.NewNop(), time.Minute)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("repeated stop: %v", err)
	}
	if r.ShouldStart("jobs") {
		t.Fatal("expected the gate to fail closed after Stop")
	}
}

func TestPollFallback_RefreshesWithoutBus(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)

	r := registry.New(st, nil, zap.NewNop(), 5*time.Millisecond)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Stop(ctx) //nolint:errcheck

	st.CreateQueue(ctx, "polled") //nolint:errcheck

	waitFor(t, time.Second, func() bool { return r.ShouldStart("polled") })
}
