// Package postgres implements the store contract against a PostgreSQL
// database provisioned with the docq schema. Every queue primitive is a
// SQL-function invocation: the client ships no leasing or status-transition
// logic of its own, it calls the store's atomic functions and interprets
// their results. LISTEN/NOTIFY doubles as the push-notification channel.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/queueworks/docqueue/store"
)

// Config tunes the connection pool.
type Config struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
}

// Store implements store.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Connect creates the pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool, log: log}, nil
}

// NewWithPool wraps an existing pool, for hosts that manage their own.
func NewWithPool(pool *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// Pool exposes the underlying pool so the host can derive the dedicated
// notification connection from the same configuration.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs all pending up-migrations from sourceURL (e.g.
// "file://migrations"). Idempotent: already-applied migrations are skipped.
// The schema content is owned by the store, not by this client; this is a
// provisioning convenience for hosts that vendor the store's migrations.
func Migrate(databaseURL, sourceURL string) error {
	// golang-migrate's pgx/v5 driver expects the scheme "pgx5://".
	var rest string
	switch {
	case strings.HasPrefix(databaseURL, "postgresql://"):
		rest = databaseURL[len("postgresql://"):]
	case strings.HasPrefix(databaseURL, "postgres://"):
		rest = databaseURL[len("postgres://"):]
	default:
		rest = databaseURL
	}

	m, err := migrate.New(sourceURL, "pgx5://"+rest)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// interval renders a duration as a Postgres interval argument.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
