package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/queueworks/docqueue/store"
	"github.com/queueworks/docqueue/store/memory"
)

func newStore(t *testing.T, queues ...string) *memory.Store {
	t.Helper()
	s := memory.New(nil)
	for _, q := range queues {
		if _, err := s.CreateQueue(context.Background(), q); err != nil {
			t.Fatalf("create queue %q: %v", q, err)
		}
	}
	return s
}

func TestCreateQueue_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.CreateQueue(ctx, "jobs")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.CreateQueue(ctx, "jobs")
	if err != nil {
		t.Fatalf("second create: unexpected error: %v", err)
	}
	if created {
		t.Fatal("expected created=false for an existing queue")
	}
}

func TestCreateQueue_InvalidName(t *testing.T) {
	s := newStore(t)
	if _, err := s.CreateQueue(context.Background(), "no-dashes"); err != store.ErrInvalidQueueName {
		t.Fatalf("expected ErrInvalidQueueName, got %v", err)
	}
}

func TestPush_MissingQueueFailsSilently(t *testing.T) {
	s := newStore(t)

	res, err := s.Push(context.Background(), "ghost", store.PushRequest{Subject: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.QueuedDocs != 0 {
		t.Fatalf("expected 0 queued docs, got %d", res.QueuedDocs)
	}
}

func TestPush_DuplicateSubjectFailsSilently(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	first, _ := s.Push(ctx, "jobs", store.PushRequest{Subject: "a"})
	second, err := s.Push(ctx, "jobs", store.PushRequest{Subject: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.QueuedDocs != 1 || second.QueuedDocs != 0 {
		t.Fatalf("expected 1 then 0 queued docs, got %d then %d", first.QueuedDocs, second.QueuedDocs)
	}
}

func TestPick_LeaseIsExclusive(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	docs, err := s.Pick(ctx, "jobs", 0, 10, time.Minute)
	if err != nil || len(docs) != 1 {
		t.Fatalf("first pick: docs=%d err=%v", len(docs), err)
	}

	docs, err = s.Pick(ctx, "jobs", 0, 10, time.Minute)
	if err != nil {
		t.Fatalf("second pick: unexpected error: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected leased document to be invisible, picked %d", len(docs))
	}
}

func TestPick_OrderAndVersion(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "low", Priority: 0})   //nolint:errcheck
	s.Push(ctx, "jobs", store.PushRequest{Subject: "high", Priority: 9}) //nolint:errcheck
	s.Push(ctx, "jobs", store.PushRequest{Subject: "v2", Version: 2})    //nolint:errcheck

	docs, err := s.Pick(ctx, "jobs", 0, 10, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 version-0 documents, got %d", len(docs))
	}
	if docs[0].Subject != "high" {
		t.Fatalf("expected highest priority first, got %q", docs[0].Subject)
	}
}

func TestPick_ScheduledBecomesEligibleWhenDue(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{ //nolint:errcheck
		Subject:       "later",
		NextIteration: time.Now().Add(time.Hour),
	})

	docs, _ := s.Pick(ctx, "jobs", 0, 10, time.Minute)
	if len(docs) != 0 {
		t.Fatalf("expected future document to be invisible, picked %d", len(docs))
	}
}

func TestReject_KillsAfterMaxAttempts(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	if err := s.SetMaxAttempts(ctx, "jobs", 1); err != nil {
		t.Fatalf("set max attempts: %v", err)
	}
	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck

	// First rejection consumes the single attempt.
	s.Pick(ctx, "jobs", 0, 1, time.Minute)                      //nolint:errcheck
	n, err := s.Reject(ctx, "jobs", "a", "boom", nil, "ref-1")
	if err != nil || n != 1 {
		t.Fatalf("first reject: n=%d err=%v", n, err)
	}

	m, _ := s.GetMetrics(ctx, "jobs")
	if m.Pending != 1 || m.Killed != 0 {
		t.Fatalf("after first reject: pending=%d killed=%d", m.Pending, m.Killed)
	}

	// Second rejection finds the budget spent and kills.
	s.Pick(ctx, "jobs", 0, 1, time.Minute) //nolint:errcheck
	n, err = s.Reject(ctx, "jobs", "a", "boom", nil, "ref-2")
	if err != nil || n != 1 {
		t.Fatalf("second reject: n=%d err=%v", n, err)
	}

	m, _ = s.GetMetrics(ctx, "jobs")
	if m.Killed != 1 {
		t.Fatalf("expected document to be killed, metrics=%+v", m)
	}
}

func TestReject_RecordsTrace(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, time.Minute)               //nolint:errcheck
	s.Reject(ctx, "jobs", "a", "went sideways", store.Payload{"k": "v"}, "ref-7") //nolint:errcheck

	trail, err := s.Trace(ctx, "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trail) != 1 || trail[0].Message != "went sideways" || trail[0].RefID != "ref-7" {
		t.Fatalf("unexpected trace: %+v", trail)
	}
}

func TestTerminalStates_AreIdempotent(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, time.Minute)               //nolint:errcheck

	if n, _ := s.Complete(ctx, "jobs", "a", nil); n != 1 {
		t.Fatalf("first complete: expected 1 affected row, got %d", n)
	}
	if n, _ := s.Complete(ctx, "jobs", "a", nil); n != 0 {
		t.Fatalf("repeated complete: expected 0 affected rows, got %d", n)
	}
	if n, _ := s.Reject(ctx, "jobs", "a", "late", nil, ""); n != 0 {
		t.Fatalf("reject on completed: expected 0 affected rows, got %d", n)
	}
}

func TestReject_IneffectiveLeavesNoTrace(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, time.Minute)               //nolint:errcheck
	s.Complete(ctx, "jobs", "a", nil)                    //nolint:errcheck

	if n, err := s.Reject(ctx, "jobs", "a", "too late", nil, ""); err != nil || n != 0 {
		t.Fatalf("reject on completed: n=%d err=%v", n, err)
	}
	if n, err := s.Reject(ctx, "jobs", "ghost", "no such doc", nil, ""); err != nil || n != 0 {
		t.Fatalf("reject on missing: n=%d err=%v", n, err)
	}

	if trail, _ := s.Trace(ctx, "a"); len(trail) != 0 {
		t.Fatalf("rejecting a completed document must not record a trace entry, got %+v", trail)
	}
	if trail, _ := s.Trace(ctx, "ghost"); len(trail) != 0 {
		t.Fatalf("rejecting a missing document must not record a trace entry, got %+v", trail)
	}
}

func TestReschedule_ResetsAttemptsAndCountsIterations(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, time.Minute)               //nolint:errcheck
	s.Reject(ctx, "jobs", "a", "first failure", nil, "") //nolint:errcheck

	s.Pick(ctx, "jobs", 0, 1, time.Minute) //nolint:errcheck
	if n, err := s.Reschedule(ctx, "jobs", "a", time.Time{}, nil); err != nil || n != 1 {
		t.Fatalf("reschedule: n=%d err=%v", n, err)
	}

	docs, _ := s.Pick(ctx, "jobs", 0, 1, time.Minute)
	if len(docs) != 1 {
		t.Fatalf("expected rescheduled document to be eligible, picked %d", len(docs))
	}
	if docs[0].Attempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", docs[0].Attempts)
	}
	if docs[0].Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", docs[0].Iterations)
	}
}

func TestReschedule_FutureParksDocument(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, time.Minute)               //nolint:errcheck
	s.Reschedule(ctx, "jobs", "a", time.Now().Add(time.Hour), nil) //nolint:errcheck

	m, _ := s.GetMetrics(ctx, "jobs")
	if m.Planned != 1 {
		t.Fatalf("expected document to be planned, metrics=%+v", m)
	}
}

func TestDrop_RemovesDocument(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	if n, _ := s.Drop(ctx, "jobs", "a"); n != 1 {
		t.Fatalf("expected 1 dropped row, got %d", n)
	}
	m, _ := s.GetMetrics(ctx, "jobs")
	if m.Total != 0 {
		t.Fatalf("expected empty queue, metrics=%+v", m)
	}
}

func TestRunMaintenance_ReclaimsExpiredLeases(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"})   //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, 10*time.Millisecond)         //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	processed, err := s.RunMaintenance(ctx, 10)
	if err != nil || processed != 1 {
		t.Fatalf("maintenance: processed=%d err=%v", processed, err)
	}

	docs, _ := s.Pick(ctx, "jobs", 0, 1, time.Minute)
	if len(docs) != 1 {
		t.Fatalf("expected reclaimed document to be eligible, picked %d", len(docs))
	}
}

func TestNextMaintenance_ReportsEarliestLease(t *testing.T) {
	s := newStore(t, "jobs")
	ctx := context.Background()

	if _, ok, err := s.NextMaintenance(ctx); err != nil || ok {
		t.Fatalf("expected no maintenance item on an empty store, ok=%v err=%v", ok, err)
	}

	s.Push(ctx, "jobs", store.PushRequest{Subject: "a"}) //nolint:errcheck
	s.Pick(ctx, "jobs", 0, 1, time.Minute)               //nolint:errcheck

	next, ok, err := s.NextMaintenance(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a maintenance item, ok=%v err=%v", ok, err)
	}
	if until := time.Until(next); until <= 0 || until > time.Minute {
		t.Fatalf("expected lease expiry within a minute, got %v", until)
	}
}

func TestAppend_GeneratesSubject(t *testing.T) {
	s := newStore(t, "jobs")

	res, err := s.Append(context.Background(), "jobs", store.Payload{"k": "v"}, store.AppendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Queued || res.Subject == "" {
		t.Fatalf("expected queued document with a generated subject, got %+v", res)
	}
}
