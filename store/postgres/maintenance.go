package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *Store) RunMaintenance(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 1
	}

	var processed int
	err := s.pool.QueryRow(ctx,
		`SELECT processed FROM docq.mnt_job_run($1)`, limit,
	).Scan(&processed)
	if err != nil {
		return 0, fmt.Errorf("mnt.run: %w", err)
	}
	return processed, nil
}

func (s *Store) NextMaintenance(ctx context.Context) (time.Time, bool, error) {
	var next time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT next_iteration
		FROM docq_catalog.docq_sys_jobs
		WHERE next_iteration > NOW()
		ORDER BY next_iteration ASC
		LIMIT 1`,
	).Scan(&next)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mnt.next: %w", err)
	}
	return next, true, nil
}
