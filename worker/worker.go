// Package worker implements the per-queue scheduling loop: lease a batch of
// documents, run the user handler for each one strictly in sequence, and
// resolve the declared action against the store. Workers gate themselves on
// the queue registry and wake early on push notifications, so latency stays
// low without busy polling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/registry"
	"github.com/queueworks/docqueue/store"
)

// Handler processes one leased document and declares its outcome. A nil
// action or a non-nil error is converted into a "worker exception" reject,
// isolating the failure to that document.
type Handler func(ctx context.Context, doc *Document) (Action, error)

// Config is one worker registration.
type Config struct {
	Queue   string
	Handler Handler

	// Name defaults to "<queue>-default".
	Name string
	// Version gates which documents this worker may claim.
	Version int
	// Batch is the maximum documents leased per cycle. Default 1.
	Batch int
	// Lock is the lease duration. Default 5 minutes.
	Lock time.Duration
	// Delay is the base pause; LoopDelay and BatchDelay default to it.
	Delay time.Duration
	// LoopDelay spaces out cycles after a non-empty batch.
	LoopDelay time.Duration
	// BatchDelay paces documents within a batch.
	BatchDelay time.Duration
	// Sleep is the idle backoff after an empty pick.
	Sleep time.Duration
	// Concurrency is accepted for configuration compatibility but is not
	// consulted by the scheduling loop: batch processing is strictly
	// sequential.
	Concurrency int
	// Decorate, when set, wraps the context handed to the handler.
	Decorate func(ctx context.Context) context.Context
}

const (
	defaultBatch = 1
	defaultLock  = 5 * time.Minute
	defaultDelay = 250 * time.Millisecond
	defaultSleep = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = c.Queue + "-default"
	}
	if c.Batch <= 0 {
		c.Batch = defaultBatch
	}
	if c.Lock <= 0 {
		c.Lock = defaultLock
	}
	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}
	if c.LoopDelay <= 0 {
		c.LoopDelay = c.Delay
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = c.Delay
	}
	if c.Sleep <= 0 {
		c.Sleep = defaultSleep
	}
	return c
}

// Hooks carries optional metric callbacks injected by the client.
type Hooks struct {
	OnPick      func(queue string, docs int)
	OnResolve   func(queue, action string)
	OnException func(queue string)
	OnBatch     func(queue string, elapsed time.Duration)
}

func (h Hooks) withDefaults() Hooks {
	if h.OnPick == nil {
		h.OnPick = func(string, int) {}
	}
	if h.OnResolve == nil {
		h.OnResolve = func(string, string) {}
	}
	if h.OnException == nil {
		h.OnException = func(string) {}
	}
	if h.OnBatch == nil {
		h.OnBatch = func(string, time.Duration) {}
	}
	return h
}

// Deps are the shared subsystems a worker operates against.
type Deps struct {
	Docs     store.DocStore
	Queues   store.QueueStore
	Bus      *pubsub.Bus
	Registry *registry.Registry
	Log      *zap.Logger
	Hooks    Hooks
}

// Worker is one scheduling loop for a (queue, handler) registration.
type Worker struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu           sync.Mutex
	running      bool
	stopping     bool
	pendingStart bool
	stop         chan struct{}
	done         chan struct{}
	wake         chan struct{}
	ticket       *pubsub.Ticket
}

// New validates and stores a worker definition. The worker subscribes to
// registry changes immediately so a remote activation can start it even
// before Start is ever called.
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.Queue == "" {
		return nil, errors.New("worker: a queue name is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("worker: a handler is required")
	}
	if err := store.ValidateQueueName(cfg.Queue); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	cfg = cfg.withDefaults()
	deps.Hooks = deps.Hooks.withDefaults()
	w := &Worker{
		cfg:  cfg,
		deps: deps,
		log: deps.Log.With(
			zap.String("worker", cfg.Name),
			zap.String("queue", cfg.Queue),
		),
	}

	deps.Registry.OnChange(func([]store.QueueInfo) { w.applyRegistry() })
	return w, nil
}

// Name returns the worker's configured name.
func (w *Worker) Name() string { return w.cfg.Name }

// Queue returns the queue this worker is registered on.
func (w *Worker) Queue() string { return w.cfg.Queue }

// applyRegistry re-evaluates the should-run gate after a registry change.
// Stop failures are logged, never raised: one misbehaving worker must not
// block the pool.
func (w *Worker) applyRegistry() {
	should := w.deps.Registry.ShouldStart(w.cfg.Queue)

	w.mu.Lock()
	running, stopping := w.running, w.stopping
	w.mu.Unlock()

	if should && !running {
		w.log.Info("starting worker on registry change")
		w.Start()
	}

	if !should && running && !stopping {
		w.log.Info("stopping worker on registry change")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := w.Stop(ctx); err != nil {
			w.log.Error("failed to stop worker on registry change", zap.Error(err))
			return
		}
		w.log.Info("stopped worker on registry change")
	}
}

// Start launches the loop, gated by the registry: an inactive or unknown
// queue leaves the worker idle. Safe to call on a running worker. While a
// stop is still draining, the start is deferred until the drain completes:
// two loops of one worker must never run at the same time.
func (w *Worker) Start() {
	if !w.deps.Registry.ShouldStart(w.cfg.Queue) {
		return
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	if w.stopping {
		w.pendingStart = true
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.wake = make(chan struct{}, 1)
	wake, stop, done := w.wake, w.stop, w.done
	w.mu.Unlock()

	// Push notifications cancel the pending sleep so an incoming document
	// is picked immediately instead of on the next poll.
	if w.deps.Bus != nil {
		ticket, err := w.deps.Bus.On(store.PendingChannel(w.cfg.Queue), func(any) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			w.log.Warn("could not subscribe to wake channel", zap.Error(err))
		} else {
			// Re-check the generation before keeping the subscription: a Stop
			// that raced this window has already cancelled its view of the
			// ticket, so an orphaned one must be cancelled here.
			w.mu.Lock()
			current := w.running && w.stop == stop
			if current {
				w.ticket = ticket
			}
			w.mu.Unlock()
			if !current {
				ticket.Cancel()
			}
		}
	}

	go w.loop(wake, stop, done)
}

// Stop is the two-phase shutdown: it raises the stop flag, cancels the wake
// subscription and the pending timer, and returns only once the loop has
// observed the flag: no new cycle starts afterwards, but an in-flight cycle
// finishes. Idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.stopping = true
	ticket := w.ticket
	stop, done := w.stop, w.done
	w.ticket, w.stop, w.done, w.wake = nil, nil, nil, nil
	w.mu.Unlock()

	ticket.Cancel()
	close(stop)

	select {
	case <-done:
	case <-ctx.Done():
		// The caller gives up waiting but the loop still owns the drain:
		// finish the bookkeeping once it exits so a deferred start is not
		// lost.
		go func() {
			<-done
			w.finishStop()
		}()
		return ctx.Err()
	}

	w.finishStop()
	return nil
}

// finishStop clears the draining flag and honors a start that was requested
// while the drain was in progress, re-checking the registry gate first.
func (w *Worker) finishStop() {
	w.mu.Lock()
	w.stopping = false
	pending := w.pendingStart
	w.pendingStart = false
	w.mu.Unlock()

	if pending && w.deps.Registry.ShouldStart(w.cfg.Queue) {
		w.Start()
	}
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(wake, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		default:
		}

		delay := w.cfg.LoopDelay
		empty, err := w.cycle(ctx)
		if err != nil {
			w.log.Error("worker cycle failed", zap.Error(err))
		}
		if empty {
			w.log.Debug("no documents, backing off", zap.Duration("sleep", w.cfg.Sleep))
			delay = w.cfg.Sleep
		}

		timer := time.NewTimer(delay)
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

// cycle leases one batch and processes it. Returns empty=true when the pick
// came back with nothing, which switches the loop to the sleep backoff.
func (w *Worker) cycle(ctx context.Context) (empty bool, err error) {
	w.log.Debug("picking documents", zap.Int("batch", w.cfg.Batch))
	docs, err := w.deps.Docs.Pick(ctx, w.cfg.Queue, w.cfg.Version, w.cfg.Batch, w.cfg.Lock)
	if err != nil {
		return false, fmt.Errorf("pick: %w", err)
	}
	if len(docs) == 0 {
		return true, nil
	}

	w.deps.Hooks.OnPick(w.cfg.Queue, len(docs))
	start := time.Now()
	w.runBatch(ctx, docs)
	w.deps.Hooks.OnBatch(w.cfg.Queue, time.Since(start))
	return false, nil
}

// runBatch processes leased documents strictly in sequence, pacing them
// with BatchDelay. Sequential processing bounds lock contention and lets
// the pacing act as a local rate limiter.
func (w *Worker) runBatch(ctx context.Context, docs []store.Document) {
	limiter := rate.NewLimiter(rate.Every(w.cfg.BatchDelay), 1)

	for i, doc := range docs {
		if i > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		w.runOne(ctx, doc)
	}
}

func (w *Worker) runOne(ctx context.Context, doc store.Document) {
	handle := &Document{Document: doc, w: w}

	hctx := ctx
	if w.cfg.Decorate != nil {
		hctx = w.cfg.Decorate(hctx)
	}

	action, err := w.invoke(hctx, handle)
	if err == nil {
		err = w.resolve(ctx, doc, action)
	}
	if err == nil {
		return
	}

	// Handler exceptions and resolution failures are isolated to this
	// document: convert to a reject and keep the batch going.
	w.deps.Hooks.OnException(w.cfg.Queue)
	if _, rejErr := w.deps.Docs.Reject(ctx, w.cfg.Queue, doc.Subject,
		"worker exception",
		store.Payload{"message": err.Error(), "error": fmt.Sprintf("%+v", err)},
		"*",
	); rejErr != nil {
		w.log.Error("could not reject failed document",
			zap.String("subject", doc.Subject),
			zap.NamedError("cause", err),
			zap.Error(rejErr))
		return
	}
	w.log.Warn("document rejected after handler failure",
		zap.String("subject", doc.Subject),
		zap.Error(err))
}

// invoke runs the user handler, converting a panic into an error so a
// single bad document cannot take down the loop.
func (w *Worker) invoke(ctx context.Context, doc *Document) (action Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			action, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.cfg.Handler(ctx, doc)
}

// resolve applies the declared action against the store. The switch is
// exhaustive over the closed action set; the default arm guards only
// against foreign Action implementations.
func (w *Worker) resolve(ctx context.Context, doc store.Document, action Action) error {
	if action == nil {
		return errors.New("handler returned no action")
	}

	w.logActionMessage(ctx, doc, action)

	var err error
	switch a := action.(type) {
	case *RescheduleAction:
		payload := a.Payload
		if payload == nil {
			payload = doc.Payload
		}
		_, err = w.deps.Docs.Reschedule(ctx, w.cfg.Queue, doc.Subject, a.NextIteration, payload)
	case *RejectAction:
		_, err = w.deps.Docs.Reject(ctx, w.cfg.Queue, doc.Subject, a.Message, a.Details, a.RefID)
	case *CompleteAction:
		payload := a.Payload
		if payload == nil {
			payload = doc.Payload
		}
		_, err = w.deps.Docs.Complete(ctx, w.cfg.Queue, doc.Subject, payload)
	case *KillAction:
		payload := a.Payload
		if payload == nil {
			payload = doc.Payload
		}
		_, err = w.deps.Docs.Kill(ctx, w.cfg.Queue, doc.Subject, payload)
	case *DropAction:
		_, err = w.deps.Docs.Drop(ctx, w.cfg.Queue, doc.Subject)
	default:
		return fmt.Errorf("unrecognised action %q", a.name())
	}
	if err != nil {
		return fmt.Errorf("resolve %s: %w", action.name(), err)
	}

	w.deps.Hooks.OnResolve(w.cfg.Queue, action.name())
	return nil
}

// logActionMessage persists the action's optional message to the queue's
// error log. Reject is excluded: the store logs its message as part of the
// reject primitive itself. Log failures are not fatal to the resolution.
func (w *Worker) logActionMessage(ctx context.Context, doc store.Document, action Action) {
	var message string
	var details store.Payload
	var refID string

	switch a := action.(type) {
	case *RescheduleAction:
		message, details, refID = a.Message, a.Details, a.RefID
	case *CompleteAction:
		message, details, refID = a.Message, a.Details, a.RefID
	case *KillAction:
		message, details, refID = a.Message, a.Details, a.RefID
	case *DropAction:
		message, details, refID = a.Message, a.Details, a.RefID
	}
	if message == "" {
		return
	}

	if _, err := w.deps.Queues.LogError(ctx, w.cfg.Queue, doc.Subject, message, details, refID); err != nil {
		w.log.Error("could not log action message",
			zap.String("subject", doc.Subject), zap.Error(err))
	}
}
