package docqueue

import (
	"context"

	"github.com/queueworks/docqueue/store"
)

// MntAPI exposes the store's grooming primitive for ad-hoc invocation, for
// deployments that run SkipMaintenance and groom from a cron-like host.
type MntAPI struct {
	c *Client
}

// Run performs up to limit units of grooming work and reports how many were
// processed.
func (a *MntAPI) Run(ctx context.Context, limit int) (int, error) {
	st := a.c.Store()
	if st == nil {
		return 0, ErrNotConnected
	}
	return st.RunMaintenance(ctx, limit)
}

// Start launches a maintenance daemon on demand, independently of the
// client lifecycle. No-op when one is already running.
func (a *MntAPI) Start(ctx context.Context) error {
	return a.c.startMaintenance(ctx)
}

// Stop halts every maintenance daemon owned by the client.
func (a *MntAPI) Stop(ctx context.Context) error {
	return a.c.stopMaintenance(ctx)
}

// MetricAPI exposes the store-side counter aggregation.
type MetricAPI struct {
	c *Client
}

func (a *MetricAPI) store() (store.MetricStore, error) {
	st := a.c.Store()
	if st == nil {
		return nil, ErrNotConnected
	}
	return st, nil
}

// Get reads the cached counter snapshot of a queue.
func (a *MetricAPI) Get(ctx context.Context, queue string) (store.QueueMetrics, error) {
	st, err := a.store()
	if err != nil {
		return store.QueueMetrics{}, err
	}
	return st.GetMetrics(ctx, queue)
}

// Compute recalculates the counters of one queue from its documents.
func (a *MetricAPI) Compute(ctx context.Context, queue string) (store.QueueMetrics, error) {
	st, err := a.store()
	if err != nil {
		return store.QueueMetrics{}, err
	}
	return st.ComputeMetrics(ctx, queue)
}

// ComputeAll recalculates the counters of every queue.
func (a *MetricAPI) ComputeAll(ctx context.Context) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.ComputeAllMetrics(ctx)
}

// Reset zeroes the counters of one queue.
func (a *MetricAPI) Reset(ctx context.Context, queue string) error {
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.ResetMetrics(ctx, queue)
}
