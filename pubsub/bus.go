// Package pubsub implements the client's event bus: a thin multiplexer over
// the store's single notification connection. Named channels are opened
// lazily when the first local listener subscribes and closed when the last
// one cancels; delivery to local listeners is at-least-once.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/queueworks/docqueue/store"
)

// ErrEmitterDisabled is returned by every bus operation on a nil *Bus, which
// is how a client configured with SkipEmitter degrades.
var ErrEmitterDisabled = errors.New("notification emitter is disabled")

// Handler receives the decoded notification payload. Payloads that crossed
// the wire as an error envelope are delivered as *RemoteError.
type Handler func(payload any)

// RemoteError is an error emitted by some process (possibly this one),
// reconstructed from its wire envelope on delivery.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// envelope is the serializable wrapper that lets error payloads survive the
// wire round-trip.
type envelope struct {
	IsError bool         `json:"__error__"`
	Error   *RemoteError `json:"error,omitempty"`
}

// Hooks carries optional metric callbacks, injected by the client so the
// bus stays metrics-agnostic.
type Hooks struct {
	OnPublish func(event string)
	OnDeliver func(event string)
}

// Ticket identifies one subscription; Cancel removes it and closes the
// underlying channel when no listener remains.
type Ticket struct {
	bus   *Bus
	event string
	id    uint64
}

func (t *Ticket) Cancel() {
	if t == nil {
		return
	}
	t.bus.remove(t.event, t.id)
}

type listener struct {
	id      uint64
	handler Handler
	once    bool
	claimed bool // guarded by Bus.mu; a claimed once-listener belongs to exactly one dispatch
}

// Bus multiplexes many local listeners over the shared notification
// connection. A nil *Bus is valid and reports ErrEmitterDisabled on use.
type Bus struct {
	notifier store.Notifier
	log      *zap.Logger
	hooks    Hooks

	mu        sync.Mutex
	listeners map[string][]*listener
	nextID    uint64
}

// New creates a bus over the given notifier. Hook fields may be nil.
func New(notifier store.Notifier, log *zap.Logger, hooks Hooks) *Bus {
	if hooks.OnPublish == nil {
		hooks.OnPublish = func(string) {}
	}
	if hooks.OnDeliver == nil {
		hooks.OnDeliver = func(string) {}
	}
	return &Bus{
		notifier:  notifier,
		log:       log,
		hooks:     hooks,
		listeners: make(map[string][]*listener),
	}
}

// On registers a listener for an event, opening the channel subscription on
// first use.
func (b *Bus) On(event string, handler Handler) (*Ticket, error) {
	return b.subscribe(event, handler, false)
}

// Once registers a listener that is removed after its first delivery.
func (b *Bus) Once(event string, handler Handler) (*Ticket, error) {
	return b.subscribe(event, handler, true)
}

func (b *Bus) subscribe(event string, handler Handler, once bool) (*Ticket, error) {
	if b == nil {
		return nil, ErrEmitterDisabled
	}

	b.mu.Lock()
	opening := len(b.listeners[event]) == 0
	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], &listener{id: id, handler: handler, once: once})
	b.mu.Unlock()

	if opening {
		if err := b.notifier.AddChannel(event, func(body []byte) { b.dispatch(event, body) }); err != nil {
			b.remove(event, id)
			return nil, err
		}
	}
	return &Ticket{bus: b, event: event, id: id}, nil
}

// Off removes every listener of an event and closes its channel.
func (b *Bus) Off(event string) error {
	if b == nil {
		return ErrEmitterDisabled
	}
	b.mu.Lock()
	had := len(b.listeners[event]) > 0
	delete(b.listeners, event)
	b.mu.Unlock()

	if had {
		return b.notifier.RemoveChannel(event)
	}
	return nil
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	kept := b.listeners[event][:0]
	for _, l := range b.listeners[event] {
		if l.id != id {
			kept = append(kept, l)
		}
	}
	empty := len(kept) == 0
	if empty {
		delete(b.listeners, event)
	} else {
		b.listeners[event] = kept
	}
	b.mu.Unlock()

	if empty {
		if err := b.notifier.RemoveChannel(event); err != nil {
			b.log.Warn("could not close notification channel",
				zap.String("event", event), zap.Error(err))
		}
	}
}

func (b *Bus) dispatch(event string, body []byte) {
	payload := decode(body)

	b.mu.Lock()
	batch := make([]*listener, 0, len(b.listeners[event]))
	for _, l := range b.listeners[event] {
		if l.once {
			if l.claimed {
				continue
			}
			l.claimed = true
		}
		batch = append(batch, l)
	}
	b.mu.Unlock()

	for _, l := range batch {
		if l.once {
			// Remove before invoking so a re-entrant Emit cannot double-fire;
			// the claim above keeps concurrent dispatches out.
			b.remove(event, l.id)
		}
		l.handler(payload)
		b.hooks.OnDeliver(event)
	}
}

func decode(body []byte) any {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.IsError && env.Error != nil {
		return env.Error
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		// Not JSON: deliver the raw text.
		return string(body)
	}
	return payload
}

// Emit publishes an event through the store's notification channel. Error
// payloads are wrapped in a serializable envelope and unwrapped on delivery.
func (b *Bus) Emit(ctx context.Context, event string, payload any) error {
	if b == nil {
		return ErrEmitterDisabled
	}
	if err, ok := payload.(error); ok {
		payload = envelope{IsError: true, Error: &RemoteError{Message: err.Error()}}
	}
	if err := b.notifier.Publish(ctx, event, payload); err != nil {
		b.log.Error("emit failed", zap.String("event", event), zap.Error(err))
		return err
	}
	b.hooks.OnPublish(event)
	return nil
}

// OnSome subscribes to every event in the map at once; the first event to
// arrive cancels every sibling subscription and the timeout, then invokes
// that event's handler. With a non-zero timeout, onTimeout fires instead if
// nothing arrives in time. Exactly one of the handlers ever runs.
//
// The returned cancel func tears the whole race down early; it is safe to
// call more than once.
func (b *Bus) OnSome(events map[string]Handler, timeout time.Duration, onTimeout func()) (func(), error) {
	if b == nil {
		return nil, ErrEmitterDisabled
	}

	var (
		once    sync.Once
		mu      sync.Mutex
		tickets []*Ticket
		timer   *time.Timer
	)

	teardown := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		for _, t := range tickets {
			t.Cancel()
		}
	}

	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			once.Do(func() {
				teardown()
				if onTimeout != nil {
					onTimeout()
				}
			})
		})
	}

	mu.Lock()
	for event, handler := range events {
		handler := handler
		ticket, err := b.On(event, func(payload any) {
			once.Do(func() {
				teardown()
				handler(payload)
			})
		})
		if err != nil {
			mu.Unlock()
			teardown()
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	mu.Unlock()

	return func() { once.Do(teardown) }, nil
}
