package docqueue

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/queueworks/docqueue/maintenance"
	"github.com/queueworks/docqueue/registry"
	"github.com/queueworks/docqueue/store"
	"github.com/queueworks/docqueue/worker"
)

// RetryConfig bounds a retriable lifecycle operation. Once Retries are
// exhausted the failure is delegated to the matching hook or returned; it
// is never retried indefinitely.
type RetryConfig struct {
	Retries    int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Factor     float64
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Retries <= 0 {
		r.Retries = 10
	}
	if r.MinTimeout <= 0 {
		r.MinTimeout = time.Second
	}
	if r.MaxTimeout <= 0 {
		r.MaxTimeout = 30 * time.Second
	}
	if r.Factor <= 1 {
		r.Factor = 2
	}
	return r
}

// QueueConfig is the declarative definition of one queue, applied
// idempotently at Init.
type QueueConfig struct {
	Name string

	// IsActive is applied only when set, so boot does not flip a queue
	// that operators paused remotely.
	IsActive *bool

	MaxAttempts         int           // default 5
	LogsRetention       time.Duration // default 24h
	CurrentVersion      int
	EnableNotifications bool

	// Maintenance overrides per task name.
	Maintenance map[string]store.TaskSettings

	// WorkerHandler is a shorthand that registers a worker on this queue;
	// WorkerOptions tunes it (Queue and Handler fields are ignored).
	WorkerHandler worker.Handler
	WorkerOptions worker.Config
}

func (q QueueConfig) withDefaults() QueueConfig {
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.LogsRetention <= 0 {
		q.LogsRetention = 24 * time.Hour
	}
	return q
}

// Settings is the full configuration surface of a client.
type Settings struct {
	// ConnectionString falls back to the PGSTRING environment variable.
	ConnectionString string
	PoolMaxConns     int32
	PoolMinConns     int32

	Queues  []QueueConfig
	Workers []worker.Config

	Maintenance maintenance.Settings

	// PollInterval is the registry refresh cadence when the emitter is
	// disabled.
	PollInterval time.Duration

	ConnectionRetry     RetryConfig
	InitializationRetry RetryConfig

	// SkipEmitter disables the notification bus: workers poll, the
	// registry polls, and the event/workflow API reports
	// pubsub.ErrEmitterDisabled.
	SkipEmitter bool
	// SkipMaintenance leaves grooming to some other process.
	SkipMaintenance bool

	// DecorateContext wraps the context handed to every handler; a
	// worker's own Decorate composes on top of it.
	DecorateContext func(ctx context.Context) context.Context

	// Lifecycle hooks. A configured hook receives the failure instead of
	// it being returned; a nil hook lets the error propagate and abort
	// boot.
	OnConnectError func(err error, c *Client)
	OnInitError    func(err error, c *Client)
	OnStartError   func(err error, c *Client)
	OnReady        func(c *Client) error

	// Logger defaults to a production zap logger.
	Logger *zap.Logger

	// Registerer receives the client's Prometheus instruments; defaults
	// to a private registry so tests and multi-client processes stay
	// isolated.
	Registerer prometheus.Registerer
}

func (s Settings) withDefaults() Settings {
	if s.ConnectionString == "" {
		s.ConnectionString = os.Getenv("PGSTRING")
	}
	if s.PollInterval <= 0 {
		s.PollInterval = registry.DefaultPollInterval
	}
	s.ConnectionRetry = s.ConnectionRetry.withDefaults()
	s.InitializationRetry = s.InitializationRetry.withDefaults()
	for i, q := range s.Queues {
		s.Queues[i] = q.withDefaults()
	}
	if s.Registerer == nil {
		s.Registerer = prometheus.NewRegistry()
	}
	return s
}

// workerConfigs merges the explicit worker list with the per-queue
// shorthand registrations.
func (s Settings) workerConfigs() []worker.Config {
	var out []worker.Config
	for _, q := range s.Queues {
		if q.WorkerHandler == nil {
			continue
		}
		cfg := q.WorkerOptions
		cfg.Queue = q.Name
		cfg.Handler = q.WorkerHandler
		if cfg.Version == 0 {
			cfg.Version = q.CurrentVersion
		}
		out = append(out, cfg)
	}
	return append(out, s.Workers...)
}
