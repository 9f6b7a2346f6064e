// Package registry keeps an in-memory view of which queues exist and are
// active, so workers can start and stop themselves without a process
// restart. The snapshot is replaced wholesale on every refresh; readers
// never observe a partially-updated view and need no lock.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/store"
)

// DefaultPollInterval is the snapshot refresh cadence used when the
// notification bus is disabled.
const DefaultPollInterval = 5 * time.Second

// ChangeHandler is invoked with the new snapshot after every refresh.
type ChangeHandler func(snapshot []store.QueueInfo)

// Registry caches the store's queue definitions.
type Registry struct {
	queues   store.QueueStore
	bus      *pubsub.Bus
	log      *zap.Logger
	interval time.Duration

	snapshot atomic.Pointer[[]store.QueueInfo]

	mu       sync.Mutex
	handlers []ChangeHandler
	ticket   *pubsub.Ticket
	stopPoll chan struct{}
	pollDone chan struct{}
	started  bool
}

// New creates a registry. bus may be nil, in which case Start falls back to
// polling at the given interval (DefaultPollInterval when 0).
func New(queues store.QueueStore, bus *pubsub.Bus, log *zap.Logger, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Registry{
		queues:   queues,
		bus:      bus,
		log:      log,
		interval: interval,
	}
}

// Start fetches the full snapshot before returning, then keeps it fresh:
// via the schema-change notification when the bus is enabled, via polling
// otherwise.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.refresh(ctx); err != nil {
		return err
	}

	if r.bus != nil {
		ticket, err := r.bus.On(store.ChangeChannel, func(payload any) {
			if !isQueuesTableChange(payload) {
				return
			}
			if err := r.refresh(context.Background()); err != nil {
				r.log.Error("queue registry refresh failed", zap.Error(err))
				return
			}
			r.notifyChange()
		})
		if err != nil {
			return fmt.Errorf("registry: subscribe to change feed: %w", err)
		}
		r.mu.Lock()
		r.ticket = ticket
		r.mu.Unlock()
		return nil
	}

	r.mu.Lock()
	r.stopPoll = make(chan struct{})
	r.pollDone = make(chan struct{})
	stop, done := r.stopPoll, r.pollDone
	r.mu.Unlock()

	go r.poll(stop, done)
	return nil
}

func (r *Registry) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.refresh(context.Background()); err != nil {
				r.log.Error("queue registry refresh failed", zap.Error(err))
				continue
			}
			r.notifyChange()
		}
	}
}

// Stop tears down the subscription or poll loop and clears the snapshot.
// Idempotent; returns once the poll goroutine (if any) has drained.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	ticket := r.ticket
	stop, done := r.stopPoll, r.pollDone
	r.ticket, r.stopPoll, r.pollDone = nil, nil, nil
	r.mu.Unlock()

	ticket.Cancel()
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.snapshot.Store(nil)
	return nil
}

func (r *Registry) refresh(ctx context.Context) error {
	queues, err := r.queues.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch queue registry: %w", err)
	}
	r.snapshot.Store(&queues)
	return nil
}

func (r *Registry) notifyChange() {
	snapshot := r.Snapshot()
	r.mu.Lock()
	handlers := make([]ChangeHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		h(snapshot)
	}
}

// OnChange registers a local listener invoked after every refresh.
func (r *Registry) OnChange(handler ChangeHandler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	r.mu.Unlock()
}

// Snapshot returns the current view. The returned slice must not be
// mutated.
func (r *Registry) Snapshot() []store.QueueInfo {
	if p := r.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// ShouldStart reports whether a queue exists and is active. Unknown queues
// are inactive: the gate fails closed.
func (r *Registry) ShouldStart(queueName string) bool {
	for _, q := range r.Snapshot() {
		if q.Name == queueName && q.IsActive {
			return true
		}
	}
	return false
}

// isQueuesTableChange filters the change feed for the queue-definition
// table. The payload is the decoded {schema, table} tuple.
func isQueuesTableChange(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		// Tolerate re-encoded payloads from foreign publishers.
		body, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		var p store.ChangePayload
		if json.Unmarshal(body, &p) != nil {
			return false
		}
		return p.Schema == store.CatalogSchema && p.Table == store.QueuesTable
	}
	schema, _ := m["schema"].(string)
	table, _ := m["table"].(string)
	return schema == store.CatalogSchema && table == store.QueuesTable
}
