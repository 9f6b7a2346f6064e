package postgres

import (
	"context"
	"fmt"

	"github.com/queueworks/docqueue/store"
)

func (s *Store) scanMetrics(ctx context.Context, query, queue string) (store.QueueMetrics, error) {
	m := store.QueueMetrics{Queue: queue}
	err := s.pool.QueryRow(ctx, query, queue).Scan(
		&m.Total, &m.Pending, &m.Active, &m.Planned, &m.Completed, &m.Killed, &m.Errors)
	if err != nil {
		return store.QueueMetrics{}, err
	}
	return m, nil
}

func (s *Store) GetMetrics(ctx context.Context, queue string) (store.QueueMetrics, error) {
	m, err := s.scanMetrics(ctx,
		`SELECT cnt, pnd, act, pln, cpl, kll, err FROM docq.metric_get($1)`, queue)
	if err != nil {
		return store.QueueMetrics{}, fmt.Errorf("metric.get: %w", err)
	}
	return m, nil
}

func (s *Store) ComputeMetrics(ctx context.Context, queue string) (store.QueueMetrics, error) {
	m, err := s.scanMetrics(ctx,
		`SELECT cnt, pnd, act, pln, cpl, kll, err FROM docq.metric_compute($1)`, queue)
	if err != nil {
		return store.QueueMetrics{}, fmt.Errorf("metric.compute: %w", err)
	}
	return m, nil
}

func (s *Store) ComputeAllMetrics(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT * FROM docq.metric_compute_all()`); err != nil {
		return fmt.Errorf("metric.computeAll: %w", err)
	}
	return nil
}

func (s *Store) ResetMetrics(ctx context.Context, queue string) error {
	if _, err := s.pool.Exec(ctx, `SELECT * FROM docq.metric_reset($1)`, queue); err != nil {
		return fmt.Errorf("metric.reset: %w", err)
	}
	return nil
}
