// Package docqueue is a client for a persistent, multi-process document
// queue backed by PostgreSQL. Many independent processes link this library,
// share one logical queue store, and coordinate purely through that store
// and its notification channels: per-queue workers lease and process
// documents, a maintenance daemon grooms queue state, a live registry
// starts and stops workers without restarts, and a pub/sub event bus powers
// cross-process workflows.
package docqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/queueworks/docqueue/maintenance"
	"github.com/queueworks/docqueue/metrics"
	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/registry"
	"github.com/queueworks/docqueue/store"
	"github.com/queueworks/docqueue/store/postgres"
	"github.com/queueworks/docqueue/worker"
	"github.com/queueworks/docqueue/workflow"
)

// ErrNotConnected guards operations invoked before Connect/Boot.
var ErrNotConnected = errors.New("client is not connected: call Boot or Connect first")

// Client orchestrates the in-process side of the queue: connections,
// registry, maintenance daemons, workers and the event bus.
type Client struct {
	settings Settings
	log      *zap.Logger
	metrics  *metrics.Metrics

	// Facade groups, mirroring the store's operation families.
	Doc    *DocAPI
	Queue  *QueueAPI
	Mnt    *MntAPI
	Metric *MetricAPI

	mu        sync.Mutex
	store     store.Store
	notifier  store.Notifier
	bus       *pubsub.Bus
	registry  *registry.Registry
	daemons   []*maintenance.Daemon
	workers   *worker.Pool
	connected bool
	started   bool
}

// Option tweaks client construction.
type Option func(*Client)

// WithStore injects a pre-built store, bypassing the Postgres connection.
// Used by tests and by hosts that manage their own pool.
func WithStore(st store.Store) Option {
	return func(c *Client) { c.store = st }
}

// WithNotifier injects a pre-built notifier.
func WithNotifier(n store.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// New validates the settings and builds an unconnected client.
func New(settings Settings, opts ...Option) (*Client, error) {
	settings = settings.withDefaults()

	log := settings.Logger
	if log == nil {
		var err error
		if log, err = zap.NewProduction(); err != nil {
			return nil, fmt.Errorf("docqueue: create logger: %w", err)
		}
	}

	for _, q := range settings.Queues {
		if err := store.ValidateQueueName(q.Name); err != nil {
			return nil, fmt.Errorf("docqueue: queue %q: %w", q.Name, err)
		}
	}

	c := &Client{
		settings: settings,
		log:      log,
		metrics:  metrics.New(settings.Registerer),
	}
	c.Doc = &DocAPI{c: c}
	c.Queue = &QueueAPI{c: c}
	c.Mnt = &MntAPI{c: c}
	c.Metric = &MetricAPI{c: c}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Logger exposes the client's logger so hosts can attach their own fields.
func (c *Client) Logger() *zap.Logger { return c.log }

// Store returns the backing store once connected, nil before.
func (c *Client) Store() store.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// retry runs op with bounded exponential backoff.
func (c *Client) retry(ctx context.Context, cfg RetryConfig, name string, op func(ctx context.Context) error) error {
	wait := cfg.MinTimeout
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt > cfg.Retries {
			return err
		}
		c.log.Warn("retriable operation failed",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = time.Duration(float64(wait) * cfg.Factor)
		if wait > cfg.MaxTimeout {
			wait = cfg.MaxTimeout
		}
	}
}

// Connect establishes the pooled store connection and the dedicated
// notification connection, then wires registry, bus and worker pool. The
// connection attempt is retried per ConnectionRetry; exhausted retries go
// to OnConnectError when configured.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.retry(ctx, c.settings.ConnectionRetry, "connect", func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.store == nil {
			st, err := postgres.Connect(ctx, postgres.Config{
				ConnString: c.settings.ConnectionString,
				MaxConns:   c.settings.PoolMaxConns,
				MinConns:   c.settings.PoolMinConns,
			}, c.log)
			if err != nil {
				return err
			}
			c.store = st
		}
		return c.store.Ping(ctx)
	})
	if err != nil {
		err = fmt.Errorf("connect: %w", err)
		if c.settings.OnConnectError != nil {
			c.settings.OnConnectError(err, c)
			return nil
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.settings.SkipEmitter && c.notifier == nil {
		pg, ok := c.store.(*postgres.Store)
		if !ok {
			return errors.New("connect: no notifier available for injected store; use WithNotifier or SkipEmitter")
		}
		n, err := postgres.NewNotifier(ctx, pg.Pool(), c.log)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		c.notifier = n
	}

	if !c.settings.SkipEmitter {
		c.bus = pubsub.New(c.notifier, c.log, c.metrics.BusHooks())
	}
	c.registry = registry.New(c.store, c.bus, c.log, c.settings.PollInterval)
	c.workers = worker.NewPool(worker.Deps{
		Docs:     c.store,
		Queues:   c.store,
		Bus:      c.bus,
		Registry: c.registry,
		Log:      c.log,
		Hooks:    c.metrics.WorkerHooks(),
	})

	for _, cfg := range c.settings.workerConfigs() {
		if _, err := c.registerLocked(cfg); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	c.connected = true
	return nil
}

// Init applies the declarative queue configuration idempotently, retried
// per InitializationRetry.
func (c *Client) Init(ctx context.Context) error {
	if c.Store() == nil {
		return ErrNotConnected
	}

	err := c.retry(ctx, c.settings.InitializationRetry, "init", func(ctx context.Context) error {
		for _, q := range c.settings.Queues {
			if err := c.initQueue(ctx, q); err != nil {
				return fmt.Errorf("queue %q: %w", q.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("init: %w", err)
		if c.settings.OnInitError != nil {
			c.settings.OnInitError(err, c)
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) initQueue(ctx context.Context, q QueueConfig) error {
	st := c.Store()

	if _, err := st.CreateQueue(ctx, q.Name); err != nil {
		return err
	}
	if err := st.EnableNotifications(ctx, q.Name, q.EnableNotifications); err != nil {
		return err
	}
	if err := st.SetMaxAttempts(ctx, q.Name, q.MaxAttempts); err != nil {
		return err
	}
	if err := st.SetLogsRetention(ctx, q.Name, q.LogsRetention); err != nil {
		return err
	}
	if err := st.SetCurrentVersion(ctx, q.Name, q.CurrentVersion); err != nil {
		return err
	}
	if q.IsActive != nil {
		if err := st.SetQueueActive(ctx, q.Name, *q.IsActive); err != nil {
			return err
		}
	}
	for task, settings := range q.Maintenance {
		if err := st.SetMaintenanceTask(ctx, q.Name, task, settings); err != nil {
			return err
		}
	}
	return nil
}

// Start brings the maintenance daemon, the registry and every registered
// worker online. Failures go to OnStartError when configured.
func (c *Client) Start(ctx context.Context) error {
	err := c.start(ctx)
	if err != nil {
		err = fmt.Errorf("start: %w", err)
		if c.settings.OnStartError != nil {
			c.settings.OnStartError(err, c)
			return nil
		}
		return err
	}

	if c.settings.OnReady != nil {
		return c.settings.OnReady(c)
	}
	return nil
}

func (c *Client) start(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	reg, pool := c.registry, c.workers
	c.mu.Unlock()

	if c.settings.SkipMaintenance {
		c.log.Info("maintenance daemon skipped")
	} else if err := c.startMaintenance(ctx); err != nil {
		return err
	}

	// The registry snapshot must exist before workers evaluate their
	// should-run gate.
	if err := reg.Start(ctx); err != nil {
		return err
	}
	return pool.Start(ctx)
}

// Boot is the full lifecycle: Connect, Init, Start. When a lifecycle hook
// swallows a failure the remaining phases are skipped, not attempted
// against a half-built client.
func (c *Client) Boot(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	if err := c.Init(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// RegisterWorker adds a worker after construction. When the client is
// already started and the registry marks the queue active, the worker
// starts immediately.
func (c *Client) RegisterWorker(cfg worker.Config) (*worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers == nil {
		// Not connected yet: stash for Connect to register.
		c.settings.Workers = append(c.settings.Workers, cfg)
		return nil, nil
	}
	return c.registerLocked(cfg)
}

func (c *Client) registerLocked(cfg worker.Config) (*worker.Worker, error) {
	clientDecorate := c.settings.DecorateContext
	if clientDecorate != nil {
		workerDecorate := cfg.Decorate
		cfg.Decorate = func(ctx context.Context) context.Context {
			ctx = clientDecorate(ctx)
			if workerDecorate != nil {
				ctx = workerDecorate(ctx)
			}
			return ctx
		}
	}
	return c.workers.Register(cfg)
}

// startMaintenance creates and starts the grooming daemon. No-op when one
// is already running.
func (c *Client) startMaintenance(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if len(c.daemons) > 0 {
		c.mu.Unlock()
		return nil
	}
	bus := c.bus
	c.mu.Unlock()

	daemon := maintenance.New(c.Store(), bus, c.log, c.settings.Maintenance, c.metrics.MaintenanceHooks())
	c.mu.Lock()
	c.daemons = append(c.daemons, daemon)
	c.mu.Unlock()
	return daemon.Start(ctx)
}

func (c *Client) stopMaintenance(ctx context.Context) error {
	c.mu.Lock()
	daemons := c.daemons
	c.daemons = nil
	c.mu.Unlock()

	var errs []error
	for _, d := range daemons {
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop shuts down workers, daemons and the registry with the two-phase
// contract: every loop finishes its in-flight cycle before Stop returns.
// Partial failures are collected, not short-circuited, so one stuck
// component cannot keep the rest running.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.started = false
	pool, reg := c.workers, c.registry
	c.mu.Unlock()

	var errs []error
	if err := c.stopMaintenance(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop maintenance: %w", err))
	}
	if started {
		if pool != nil {
			if err := pool.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop workers: %w", err))
			}
		}
		if reg != nil {
			if err := reg.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop registry: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// End stops everything and releases both connections.
func (c *Client) End(ctx context.Context) error {
	err := c.Stop(ctx)

	c.mu.Lock()
	notifier, st := c.notifier, c.store
	c.notifier, c.store = nil, nil
	c.bus = nil
	c.connected = false
	c.mu.Unlock()

	if notifier != nil {
		notifier.Close()
	}
	if st != nil {
		st.Close()
	}
	return err
}

// Trace returns the store's audit trail for a subject.
func (c *Client) Trace(ctx context.Context, subject string) ([]store.TraceEntry, error) {
	st := c.Store()
	if st == nil {
		return nil, ErrNotConnected
	}
	return st.Trace(ctx, subject)
}

// CreateWorkflow registers a pipeline wait and returns the workflow handle;
// nothing touches the store until Run.
func (c *Client) CreateWorkflow(spec workflow.Spec) (*workflow.Workflow, error) {
	c.mu.Lock()
	bus, st := c.bus, c.store
	c.mu.Unlock()

	if st == nil {
		return nil, ErrNotConnected
	}
	if bus == nil {
		return nil, pubsub.ErrEmitterDisabled
	}
	return workflow.New(bus, st, spec)
}
