package docqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/queueworks/docqueue/store"
)

// QueueAPI groups the queue administration operations.
type QueueAPI struct {
	c *Client
}

func (a *QueueAPI) store() (store.QueueStore, error) {
	st := a.c.Store()
	if st == nil {
		return nil, ErrNotConnected
	}
	return st, nil
}

// Create provisions a queue, reporting whether it was actually created.
// Safe to call for queues that already exist.
func (a *QueueAPI) Create(ctx context.Context, name string) (bool, error) {
	if err := store.ValidateQueueName(name); err != nil {
		return false, fmt.Errorf("queue.create: %w", err)
	}
	st, err := a.store()
	if err != nil {
		return false, err
	}
	return st.CreateQueue(ctx, name)
}

// SetActive starts or pauses a queue for every process sharing the store.
func (a *QueueAPI) SetActive(ctx context.Context, name string, active bool) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.SetQueueActive(ctx, name, active)
}

// SetMaxAttempts sets the attempt budget after which rejects turn into kills.
func (a *QueueAPI) SetMaxAttempts(ctx context.Context, name string, maxAttempts int) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.SetMaxAttempts(ctx, name, maxAttempts)
}

// SetLogsRetention bounds how long error-log entries survive grooming.
func (a *QueueAPI) SetLogsRetention(ctx context.Context, name string, retention time.Duration) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.SetLogsRetention(ctx, name, retention)
}

// SetCurrentVersion moves the queue's live document version.
func (a *QueueAPI) SetCurrentVersion(ctx context.Context, name string, version int) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.SetCurrentVersion(ctx, name, version)
}

// EnableNotifications toggles the queue's push signals; with them off,
// workers fall back to their polling cadence.
func (a *QueueAPI) EnableNotifications(ctx context.Context, name string, enabled bool) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.EnableNotifications(ctx, name, enabled)
}

// SetMaintenanceTask overrides one named maintenance task of the queue.
func (a *QueueAPI) SetMaintenanceTask(ctx context.Context, name, task string, settings store.TaskSettings) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.SetMaintenanceTask(ctx, name, task, settings)
}

// List returns the full queue registry as the store sees it right now. For
// the cached view use the client's registry snapshot.
func (a *QueueAPI) List(ctx context.Context) ([]store.QueueInfo, error) {
	st, err := a.store()
	if err != nil {
		return nil, err
	}
	return st.ListQueues(ctx)
}

// LogError appends an entry to the queue's error log.
func (a *QueueAPI) LogError(ctx context.Context, queue, subject, message string, details store.Payload, refID string) (int, error) {
	st, err := a.store()
	if err != nil {
		return 0, err
	}
	return st.LogError(ctx, queue, subject, message, details, refID)
}

// WakeUp nudges every subscribed worker of the queue to run a cycle now.
func (a *QueueAPI) WakeUp(ctx context.Context, queue string) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.WakeUp(ctx, queue)
}
