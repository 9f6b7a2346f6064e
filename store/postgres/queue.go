package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/queueworks/docqueue/store"
)

func (s *Store) CreateQueue(ctx context.Context, name string) (bool, error) {
	if err := store.ValidateQueueName(name); err != nil {
		return false, err
	}

	var created bool
	err := s.pool.QueryRow(ctx,
		`SELECT was_created FROM docq.queue_create($1)`, name,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("queue.create: %w", err)
	}
	return created, nil
}

func (s *Store) SetQueueActive(ctx context.Context, name string, active bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE docq_catalog.docq_sys_queues SET is_active = $2 WHERE name = $1`,
		name, active)
	if err != nil {
		return fmt.Errorf("queue.setActive: %w", err)
	}
	return nil
}

func (s *Store) SetMaxAttempts(ctx context.Context, name string, maxAttempts int) error {
	_, err := s.pool.Exec(ctx,
		`SELECT * FROM docq.queue_set_max_attempts($1, $2)`, name, maxAttempts)
	if err != nil {
		return fmt.Errorf("queue.setMaxAttempts: %w", err)
	}
	return nil
}

func (s *Store) SetLogsRetention(ctx context.Context, name string, retention time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`SELECT * FROM docq.queue_set_logs_retention($1, $2::interval)`,
		name, interval(retention))
	if err != nil {
		return fmt.Errorf("queue.setLogsRetention: %w", err)
	}
	return nil
}

func (s *Store) SetCurrentVersion(ctx context.Context, name string, version int) error {
	_, err := s.pool.Exec(ctx,
		`SELECT * FROM docq.queue_set_current_version($1, $2)`, name, version)
	if err != nil {
		return fmt.Errorf("queue.setCurrentVersion: %w", err)
	}
	return nil
}

func (s *Store) EnableNotifications(ctx context.Context, name string, enabled bool) error {
	// Enable and disable are separate store functions.
	fn := `SELECT * FROM docq.queue_enable_notify($1)`
	if !enabled {
		fn = `SELECT * FROM docq.queue_disable_notify($1)`
	}
	if _, err := s.pool.Exec(ctx, fn, name); err != nil {
		return fmt.Errorf("queue.enableNotifications: %w", err)
	}
	return nil
}

func (s *Store) SetMaintenanceTask(ctx context.Context, name, task string, settings store.TaskSettings) error {
	body, err := json.Marshal(map[string]any{
		"delay":    settings.Delay.String(),
		"duration": settings.Duration.String(),
		"limit":    settings.Limit,
	})
	if err != nil {
		return fmt.Errorf("queue.setMaintenanceTask: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE docq_catalog.docq_sys_jobs SET settings = $3 WHERE queue = $1 AND task = $2`,
		name, task, body)
	if err != nil {
		return fmt.Errorf("queue.setMaintenanceTask: %w", err)
	}
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]store.QueueInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, is_active, max_attempts, logs_retention, current_version, notify
		FROM docq_catalog.docq_sys_queues
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("queue.list: %w", err)
	}
	defer rows.Close()

	var out []store.QueueInfo
	for rows.Next() {
		var (
			q         store.QueueInfo
			retention pgtype.Interval
		)
		if err := rows.Scan(&q.Name, &q.IsActive, &q.MaxAttempts, &retention,
			&q.CurrentVersion, &q.NotificationsEnabled); err != nil {
			return nil, fmt.Errorf("queue.list: %w", err)
		}
		q.LogsRetention = time.Duration(retention.Microseconds)*time.Microsecond +
			time.Duration(retention.Days)*24*time.Hour
		out = append(out, q)
	}
	return out, rows.Err()
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

	body, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("queue.logError: %w", err)
	}

	var queued int
	err = s.pool.QueryRow(ctx,
		`SELECT queued_logs FROM docq.log_error($1, $2, $3, $4, $5)`,
		queue, subject, message, body, refID,
	).Scan(&queued)
	if err != nil {
		return 0, fmt.Errorf("queue.logError: %w", err)
	}
	return queued, nil
}

func (s *Store) WakeUp(ctx context.Context, queue string) error {
	if queue == "" {
		return store.ErrInvalidQueueName
	}
	_, err := s.pool.Exec(ctx,
		`SELECT pg_notify($1, 'true')`, store.PendingChannel(queue))
	if err != nil {
		return fmt.Errorf("queue.wakeUp: %w", err)
	}
	return nil
}
