package docqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/queueworks/docqueue/store"
)

// DocAPI groups the document lifecycle operations of a connected client.
// Every call delegates to a single atomic store primitive; store errors
// already carry their operation prefix and pass through unwrapped.
type DocAPI struct {
	c *Client
}

func (a *DocAPI) store() (store.DocStore, error) {
	st := a.c.Store()
	if st == nil {
		return nil, ErrNotConnected
	}
	return st, nil
}

// Append queues a payload under a generated subject.
func (a *DocAPI) Append(ctx context.Context, queue string, payload store.Payload, opts store.AppendOptions) (store.AppendResult, error) {
	st, err := a.store()
	if err != nil {
		return store.AppendResult{}, err
	}
	return st.Append(ctx, queue, payload, opts)
}

// Push queues one document with an explicit subject. A duplicate subject or
// a missing queue is not an error: the result reports zero queued docs.
func (a *DocAPI) Push(ctx context.Context, queue string, doc store.PushRequest) (store.PushResult, error) {
	st, err := a.store()
	if err != nil {
		return store.PushResult{}, err
	}
	if doc.Subject == "" {
		return store.PushResult{}, fmt.Errorf("doc.push: %w", store.ErrMissingSubject)
	}
	return st.Push(ctx, queue, doc)
}

// PushMany queues a batch of documents in one call.
func (a *DocAPI) PushMany(ctx context.Context, queue string, docs []store.PushRequest) (store.PushResult, error) {
	st, err := a.store()
	if err != nil {
		return store.PushResult{}, err
	}
	return st.PushMany(ctx, queue, docs)
}

// Pick leases up to limit eligible documents for the lock duration. Meant
// for ad-hoc consumption; long-running consumers should register a worker
// instead.
func (a *DocAPI) Pick(ctx context.Context, queue string, version, limit int, lock time.Duration) ([]store.Document, error) {
	st, err := a.store()
	if err != nil {
		return nil, err
	}
	return st.Pick(ctx, queue, version, limit, lock)
}

// Reschedule plans another iteration of a leased document and resets its
// attempts counter.
func (a *DocAPI) Reschedule(ctx context.Context, queue, subject string, nextIteration time.Time, payload store.Payload) (int64, error) {
	st, err := a.store()
	if err != nil {
		return 0, err
	}
	return st.Reschedule(ctx, queue, subject, nextIteration, payload)
}

// Reject records a processing failure. The store either returns the document
// to the pending pool or kills it once the queue's attempt budget is spent.
func (a *DocAPI) Reject(ctx context.Context, queue, subject, message string, details store.Payload, refID string) (int64, error) {
	st, err := a.store()
	if err != nil {
		return 0, err
	}
	return st.Reject(ctx, queue, subject, message, details, refID)
}

// Complete settles a document successfully and terminally.
func (a *DocAPI) Complete(ctx context.Context, queue, subject string, payload store.Payload) (int64, error) {
	st, err := a.store()
	if err != nil {
		return 0, err
	}
	return st.Complete(ctx, queue, subject, payload)
}

// Kill settles a document as terminally failed.
func (a *DocAPI) Kill(ctx context.Context, queue, subject string, payload store.Payload) (int64, error) {
	st, err := a.store()
	if err != nil {
		return 0, err
	}
	return st.Kill(ctx, queue, subject, payload)
}

// Drop removes a document entirely.
func (a *DocAPI) Drop(ctx context.Context, queue, subject string) (int64, error) {
	st, err := a.store()
	if err != nil {
		return 0, err
	}
	return st.Drop(ctx, queue, subject)
}
