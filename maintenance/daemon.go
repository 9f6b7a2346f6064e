// Package maintenance runs the background loops that invoke the store's
// bounded grooming primitive: reclaiming expired leases, aggregating
// counters and applying retention. The daemon adapts its cadence to load
// instead of busy-polling.
package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/store"
)

// Defaults for the grooming loop.
const (
	DefaultLimit = 1
	DefaultDelay = 250 * time.Millisecond
	DefaultSleep = 5 * time.Second
)

// Settings tunes one daemon instance.
type Settings struct {
	// Limit is the maximum units of store-side grooming per tick.
	Limit int
	// Delay is the minimum spacing between ticks while there is more work.
	Delay time.Duration
	// Sleep is the idle backoff when no work remains.
	Sleep time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Limit <= 0 {
		s.Limit = DefaultLimit
	}
	if s.Delay <= 0 {
		s.Delay = DefaultDelay
	}
	if s.Sleep <= 0 {
		s.Sleep = DefaultSleep
	}
	return s
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnTick func(processed int)
}

// Daemon is one grooming loop. It never terminates on a tick error: the
// failure is logged and the loop falls back to the idle backoff.
type Daemon struct {
	store    store.MaintenanceStore
	bus      *pubsub.Bus
	log      *zap.Logger
	settings Settings
	onTick   func(processed int)

	mu      sync.Mutex
	running bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	ticket  *pubsub.Ticket
}

// New creates a daemon. bus may be nil; hooks fields may be nil.
func New(st store.MaintenanceStore, bus *pubsub.Bus, log *zap.Logger, settings Settings, hooks Hooks) *Daemon {
	onTick := hooks.OnTick
	if onTick == nil {
		onTick = func(int) {}
	}
	return &Daemon{
		store:    st,
		bus:      bus,
		log:      log,
		settings: settings.withDefaults(),
		onTick:   onTick,
	}
}

// Start launches the grooming loop. When the bus is enabled the daemon also
// subscribes to the queue-created signal so fresh queues are groomed
// without waiting out a full sleep.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.wake = make(chan struct{}, 1)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	wake, stop, done := d.wake, d.stop, d.done
	d.mu.Unlock()

	if d.bus != nil {
		ticket, err := d.bus.On(store.QueueCreatedChannel, func(any) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			d.log.Warn("maintenance: could not subscribe to queue-created signal", zap.Error(err))
		} else {
			d.mu.Lock()
			d.ticket = ticket
			d.mu.Unlock()
		}
	}

	go d.loop(wake, stop, done)
	return nil
}

// Stop is the two-phase shutdown: it signals the loop, then blocks until
// the in-flight tick has finished. Idempotent.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	ticket := d.ticket
	stop, done := d.stop, d.done
	d.ticket, d.wake, d.stop, d.done = nil, nil, nil, nil
	d.mu.Unlock()

	ticket.Cancel()
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) loop(wake, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		default:
		}

		wait := d.tick(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick runs one bounded grooming pass and returns how long to wait before
// the next one.
func (d *Daemon) tick(ctx context.Context) time.Duration {
	processed, err := d.store.RunMaintenance(ctx, d.settings.Limit)
	if err != nil {
		d.log.Error("maintenance tick failed", zap.Error(err))
		return d.settings.Sleep
	}
	d.onTick(processed)

	if processed >= d.settings.Limit {
		// Hot queue: more work is likely waiting.
		d.log.Debug("maintenance tick", zap.Int("processed", processed))
		return d.settings.Delay
	}

	return d.idleWait(ctx, processed)
}

// idleWait picks the idle backoff: the default sleep, shortened to the due
// time of the next maintenance item when that is sooner. This avoids both
// busy-waiting and late grooming of a lease that expires before the sleep
// would end.
func (d *Daemon) idleWait(ctx context.Context, processed int) time.Duration {
	next, ok, err := d.store.NextMaintenance(ctx)
	if err != nil {
		d.log.Error("maintenance: next-due lookup failed", zap.Error(err))
		return d.settings.Sleep
	}

	wait := d.settings.Sleep
	if ok {
		if until := time.Until(next); until < wait {
			wait = until
		}
	}
	if wait < d.settings.Delay {
		wait = d.settings.Delay
	}

	d.log.Debug("maintenance idle",
		zap.Int("processed", processed),
		zap.Duration("wait", wait))
	return wait
}
