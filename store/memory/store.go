// Package memory is an in-memory implementation of the store contract used
// by unit tests. It is a hand-written double in the spirit of a mock
// repository: same observable semantics as the real store (leases, attempt
// accounting, terminal idempotency, bounded maintenance), no persistence.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/docqueue/store"
)

type docStatus int

// Internal lifecycle codes. These are private on purpose: the client-facing
// contract exposes behavior, not codes.
const (
	statusScheduled docStatus = iota
	statusPending
	statusActive
	statusCompleted
	statusKilled
)

type docRow struct {
	subject       string
	payload       store.Payload
	version       int
	priority      int
	attempts      int
	iterations    int
	status        docStatus
	nextIteration time.Time
	lockUntil     time.Time
}

type queueRow struct {
	info        store.QueueInfo
	docs        map[string]*docRow
	maintenance map[string]store.TaskSettings
}

// Store implements store.Store in memory.
//
// Error overrides can be set by tests to simulate failure paths, following
// the optional-error-field mock pattern.
type Store struct {
	mu       sync.Mutex
	queues   map[string]*queueRow
	logs     []store.TraceEntry
	notifier store.Notifier
	closed   bool

	PickErr        error
	MaintenanceErr error
	ListQueuesErr  error
}

// New creates an empty in-memory store. The notifier is optional; when set,
// the store publishes the same signals the real store emits from triggers
// (per-queue wake, catalog change, queue created).
func New(notifier store.Notifier) *Store {
	return &Store{
		queues:   make(map[string]*queueRow),
		notifier: notifier,
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) notify(name string, payload any) {
	if s.notifier == nil {
		return
	}
	// Callers invoke notify after releasing the store lock, so loopback
	// notifiers may dispatch synchronously and handlers may call back in.
	s.notifier.Publish(context.Background(), name, payload) //nolint:errcheck
}

// ---- QueueStore ----

func (s *Store) CreateQueue(ctx context.Context, name string) (bool, error) {
	if err := store.ValidateQueueName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.queues[name]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.queues[name] = &queueRow{
		info: store.QueueInfo{
			Name:          name,
			IsActive:      true,
			MaxAttempts:   5,
			LogsRetention: 24 * time.Hour,
		},
		docs:        make(map[string]*docRow),
		maintenance: make(map[string]store.TaskSettings),
	}
	s.mu.Unlock()

	s.notify(store.QueueCreatedChannel, map[string]string{"queue": name})
	s.notifyQueuesChange()
	return true, nil
}

func (s *Store) notifyQueuesChange() {
	s.notify(store.ChangeChannel, store.ChangePayload{
		Schema: store.CatalogSchema,
		Table:  store.QueuesTable,
	})
}

func (s *Store) updateQueue(name string, fn func(q *queueRow)) error {
	s.mu.Lock()
	q, ok := s.queues[name]
	if !ok {
		s.mu.Unlock()
		return store.ErrQueueNotFound
	}
	fn(q)
	s.mu.Unlock()
	s.notifyQueuesChange()
	return nil
}

func (s *Store) SetQueueActive(ctx context.Context, name string, active bool) error {
	return s.updateQueue(name, func(q *queueRow) { q.info.IsActive = active })
}

func (s *Store) SetMaxAttempts(ctx context.Context, name string, maxAttempts int) error {
	return s.updateQueue(name, func(q *queueRow) { q.info.MaxAttempts = maxAttempts })
}

func (s *Store) SetLogsRetention(ctx context.Context, name string, retention time.Duration) error {
	return s.updateQueue(name, func(q *queueRow) { q.info.LogsRetention = retention })
}

func (s *Store) SetCurrentVersion(ctx context.Context, name string, version int) error {
	return s.updateQueue(name, func(q *queueRow) { q.info.CurrentVersion = version })
}

func (s *Store) EnableNotifications(ctx context.Context, name string, enabled bool) error {
	return s.updateQueue(name, func(q *queueRow) { q.info.NotificationsEnabled = enabled })
}

func (s *Store) SetMaintenanceTask(ctx context.Context, name, task string, settings store.TaskSettings) error {
	return s.updateQueue(name, func(q *queueRow) { q.maintenance[task] = settings })
}

func (s *Store) ListQueues(ctx context.Context) ([]store.QueueInfo, error) {
	if s.ListQueuesErr != nil {
		return nil, s.ListQueuesErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.QueueInfo, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) LogError(ctx context.Context, queue, subject, message string, details store.Payload, refID string) (int, error) {
	if queue == "" {
		return 0, store.ErrInvalidQueueName
	}
	if subject == "" {
		return 0, store.ErrMissingSubject
	}
	if message == "" {
		return 0, store.ErrMissingMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, store.TraceEntry{
		Queue:     queue,
		Subject:   subject,
		Message:   message,
		RefID:     refID,
		CreatedAt: time.Now(),
	})
	return 1, nil
}

func (s *Store) WakeUp(ctx context.Context, queue string) error {
	s.notify(store.PendingChannel(queue), map[string]string{"queue": queue})
	return nil
}

// ---- DocStore ----

func (s *Store) Append(ctx context.Context, queue string, payload store.Payload, opts store.AppendOptions) (store.AppendResult, error) {
	subject := uuid.NewString()
	res, err := s.Push(ctx, queue, store.PushRequest{
		Subject:  subject,
		Version:  opts.Version,
		Priority: opts.Priority,
		Payload:  payload,
	})
	if err != nil {
		return store.AppendResult{}, err
	}
	return store.AppendResult{Subject: subject, Queued: res.QueuedDocs > 0}, nil
}

func (s *Store) Push(ctx context.Context, queue string, doc store.PushRequest) (store.PushResult, error) {
	if doc.Subject == "" {
		return store.PushResult{}, store.ErrMissingSubject
	}

	s.mu.Lock()
	q, ok := s.queues[queue]
	if !ok {
		// Pushing into a missing queue fails silently, mirroring the real
		// store's queued_docs: 0 behavior.
		s.mu.Unlock()
		return store.PushResult{QueuedDocs: 0}, nil
	}
	if _, dup := q.docs[doc.Subject]; dup {
		s.mu.Unlock()
		return store.PushResult{QueuedDocs: 0}, nil
	}

	next := doc.NextIteration
	if next.IsZero() {
		next = time.Now()
	}
	row := &docRow{
		subject:       doc.Subject,
		payload:       doc.Payload.Clone(),
		version:       doc.Version,
		priority:      doc.Priority,
		nextIteration: next,
		status:        statusPending,
	}
	if next.After(time.Now()) {
		row.status = statusScheduled
	}
	q.docs[doc.Subject] = row
	notifyWake := q.info.NotificationsEnabled
	s.mu.Unlock()

	if notifyWake {
		s.notify(store.PendingChannel(queue), map[string]string{"subject": doc.Subject})
	}
	return store.PushResult{QueuedDocs: 1}, nil
}

func (s *Store) PushMany(ctx context.Context, queue string, docs []store.PushRequest) (store.PushResult, error) {
	total := 0
	for _, doc := range docs {
		res, err := s.Push(ctx, queue, doc)
		if err != nil {
			return store.PushResult{QueuedDocs: total}, err
		}
		total += res.QueuedDocs
	}
	return store.PushResult{QueuedDocs: total}, nil
}

func (s *Store) Pick(ctx context.Context, queue string, version, limit int, lock time.Duration) ([]store.Document, error) {
	if s.PickErr != nil {
		return nil, s.PickErr
	}
	if lock <= 0 {
		lock = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	var eligible []*docRow
	for _, row := range q.docs {
		// Scheduled documents whose time has come are folded in here: the
		// real store treats "pending" as a predicate over status+time.
		if (row.status == statusPending || row.status == statusScheduled) &&
			!row.nextIteration.After(now) && row.version == version {
			eligible = append(eligible, row)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].priority != eligible[j].priority {
			return eligible[i].priority > eligible[j].priority
		}
		return eligible[i].nextIteration.Before(eligible[j].nextIteration)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]store.Document, 0, len(eligible))
	for _, row := range eligible {
		row.status = statusActive
		row.lockUntil = now.Add(lock)
		out = append(out, store.Document{
			Queue:         queue,
			Subject:       row.subject,
			Payload:       row.payload.Clone(),
			Version:       row.version,
			Priority:      row.priority,
			Attempts:      row.attempts,
			Iterations:    row.iterations,
			NextIteration: row.nextIteration,
		})
	}
	return out, nil
}

func (s *Store) resolve(queue, subject string, fn func(q *queueRow, row *docRow) int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return 0, nil
	}
	row, ok := q.docs[subject]
	if !ok {
		return 0, nil
	}
	return fn(q, row), nil
}

func (s *Store) Reschedule(ctx context.Context, queue, subject string, nextIteration time.Time, payload store.Payload) (int64, error) {
	return s.resolve(queue, subject, func(q *queueRow, row *docRow) int64 {
		if row.status == statusCompleted || row.status == statusKilled {
			return 0
		}
		if nextIteration.IsZero() {
			nextIteration = time.Now()
		}
		row.nextIteration = nextIteration
		row.iterations++
		row.attempts = 0
		if payload != nil {
			row.payload = payload.Clone()
		}
		if nextIteration.After(time.Now()) {
			row.status = statusScheduled
		} else {
			row.status = statusPending
		}
		return 1
	})
}

func (s *Store) Reject(ctx context.Context, queue, subject, message string, details store.Payload, refID string) (int64, error) {
	return s.resolve(queue, subject, func(q *queueRow, row *docRow) int64 {
		if row.status == statusCompleted || row.status == statusKilled {
			return 0
		}
		if message != "" {
			// Only an effective rejection leaves a trace entry; s.mu is held
			// here, so the entry is appended directly instead of via LogError.
			s.logs = append(s.logs, store.TraceEntry{
				Queue:     queue,
				Subject:   subject,
				Message:   message,
				RefID:     refID,
				CreatedAt: time.Now(),
			})
		}
		// Attempts exhausted: this rejection is the one that kills.
		if row.attempts >= q.info.MaxAttempts {
			row.status = statusKilled
			return 1
		}
		row.attempts++
		row.status = statusPending
		row.nextIteration = time.Now()
		return 1
	})
}

func (s *Store) Complete(ctx context.Context, queue, subject string, payload store.Payload) (int64, error) {
	return s.resolve(queue, subject, func(q *queueRow, row *docRow) int64 {
		if row.status == statusCompleted {
			return 0
		}
		if payload != nil {
			row.payload = payload.Clone()
		}
		row.status = statusCompleted
		return 1
	})
}

func (s *Store) Kill(ctx context.Context, queue, subject string, payload store.Payload) (int64, error) {
	return s.resolve(queue, subject, func(q *queueRow, row *docRow) int64 {
		if row.status == statusKilled {
			return 0
		}
		if payload != nil {
			row.payload = payload.Clone()
		}
		row.status = statusKilled
		return 1
	})
}

func (s *Store) Drop(ctx context.Context, queue, subject string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return 0, nil
	}
	if _, ok := q.docs[subject]; !ok {
		return 0, nil
	}
	delete(q.docs, subject)
	return 1, nil
}

func (s *Store) Trace(ctx context.Context, subject string) ([]store.TraceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TraceEntry
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].Subject == subject {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

// ---- MaintenanceStore ----

func (s *Store) RunMaintenance(ctx context.Context, limit int) (int, error) {
	if s.MaintenanceErr != nil {
		return 0, s.MaintenanceErr
	}
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	processed := 0
	for _, q := range s.queues {
		for _, row := range q.docs {
			if processed >= limit {
				return processed, nil
			}
			// Reclaim expired leases back to pending.
			if row.status == statusActive && !row.lockUntil.After(now) {
				row.status = statusPending
				processed++
			}
		}
	}
	return processed, nil
}

func (s *Store) NextMaintenance(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, q := range s.queues {
		for _, row := range q.docs {
			if row.status != statusActive {
				continue
			}
			if next.IsZero() || row.lockUntil.Before(next) {
				next = row.lockUntil
			}
		}
	}
	return next, !next.IsZero(), nil
}

// ---- MetricStore ----

func (s *Store) metricsLocked(queue string) store.QueueMetrics {
	m := store.QueueMetrics{Queue: queue}
	q, ok := s.queues[queue]
	if !ok {
		return m
	}
	for _, row := range q.docs {
		m.Total++
		switch row.status {
		case statusPending:
			m.Pending++
		case statusScheduled:
			m.Planned++
		case statusActive:
			m.Active++
		case statusCompleted:
			m.Completed++
		case statusKilled:
			m.Killed++
		}
	}
	for _, l := range s.logs {
		if l.Queue == queue {
			m.Errors++
		}
	}
	return m
}

func (s *Store) GetMetrics(ctx context.Context, queue string) (store.QueueMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsLocked(queue), nil
}

func (s *Store) ComputeMetrics(ctx context.Context, queue string) (store.QueueMetrics, error) {
	return s.GetMetrics(ctx, queue)
}

func (s *Store) ComputeAllMetrics(ctx context.Context) error { return nil }

func (s *Store) ResetMetrics(ctx context.Context, queue string) error { return nil }
