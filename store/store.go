// Package store defines the design-level contract between the docqueue
// client and its backing queue store. The client never implements queue
// semantics itself: leasing, status transitions, retention and metrics
// aggregation are atomic primitives of the store, invoked through these
// interfaces and interpreted from their results.
package store

import (
	"context"
	"time"
)

// QueueStore groups the queue-definition operations. All of them are
// idempotent so client boot can re-apply configuration safely.
type QueueStore interface {
	// CreateQueue provisions a queue. Returns true when the queue was
	// actually created, false when it already existed.
	CreateQueue(ctx context.Context, name string) (bool, error)
	SetQueueActive(ctx context.Context, name string, active bool) error
	SetMaxAttempts(ctx context.Context, name string, maxAttempts int) error
	SetLogsRetention(ctx context.Context, name string, retention time.Duration) error
	SetCurrentVersion(ctx context.Context, name string, version int) error
	EnableNotifications(ctx context.Context, name string, enabled bool) error
	SetMaintenanceTask(ctx context.Context, name, task string, settings TaskSettings) error
	ListQueues(ctx context.Context) ([]QueueInfo, error)

	// LogError appends an entry to the queue's error log and returns the
	// number of appended rows.
	LogError(ctx context.Context, queue, subject, message string, details Payload, refID string) (int, error)

	// WakeUp publishes a wake signal on the queue's pending channel so
	// subscribed workers start a cycle immediately.
	WakeUp(ctx context.Context, queue string) error
}

// DocStore groups the document lifecycle operations. The mutating calls
// return the number of affected rows; 0 with a nil error means the document
// was not in a state the operation applies to.
type DocStore interface {
	Append(ctx context.Context, queue string, payload Payload, opts AppendOptions) (AppendResult, error)
	Push(ctx context.Context, queue string, doc PushRequest) (PushResult, error)
	PushMany(ctx context.Context, queue string, docs []PushRequest) (PushResult, error)

	// Pick leases up to limit eligible documents of queue/version for the
	// given lock duration. The lease is exclusive: a document returned here
	// is invisible to other pickers until resolved or until the lock
	// expires and maintenance reclaims it.
	Pick(ctx context.Context, queue string, version, limit int, lock time.Duration) ([]Document, error)

	Reschedule(ctx context.Context, queue, subject string, nextIteration time.Time, payload Payload) (int64, error)
	Reject(ctx context.Context, queue, subject, message string, details Payload, refID string) (int64, error)
	Complete(ctx context.Context, queue, subject string, payload Payload) (int64, error)
	Kill(ctx context.Context, queue, subject string, payload Payload) (int64, error)
	Drop(ctx context.Context, queue, subject string) (int64, error)

	// Trace returns the audit trail recorded for a subject, newest first.
	Trace(ctx context.Context, subject string) ([]TraceEntry, error)
}

// MaintenanceStore exposes the bounded grooming primitive consumed by the
// maintenance daemon.
type MaintenanceStore interface {
	// RunMaintenance performs up to limit units of grooming work and
	// reports how many were actually processed.
	RunMaintenance(ctx context.Context, limit int) (int, error)

	// NextMaintenance returns the due time of the earliest pending
	// maintenance item, or ok=false when none is scheduled.
	NextMaintenance(ctx context.Context) (next time.Time, ok bool, err error)
}

// MetricStore exposes the store-side counter aggregation.
type MetricStore interface {
	GetMetrics(ctx context.Context, queue string) (QueueMetrics, error)
	ComputeMetrics(ctx context.Context, queue string) (QueueMetrics, error)
	ComputeAllMetrics(ctx context.Context) error
	ResetMetrics(ctx context.Context, queue string) error
}

// Store is the full backing-store contract.
type Store interface {
	QueueStore
	DocStore
	MaintenanceStore
	MetricStore

	Ping(ctx context.Context) error
	Close()
}

// Notifier is the push-notification primitive: named channels with a single
// handler per channel on the receiving side, at-least-once local delivery.
// Payloads cross the wire as JSON bytes.
type Notifier interface {
	AddChannel(name string, handler func(payload []byte)) error
	RemoveChannel(name string) error
	Publish(ctx context.Context, name string, payload any) error
	Close()
}
