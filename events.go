package docqueue

import (
	"context"
	"time"

	"github.com/queueworks/docqueue/pubsub"
)

// The client's event surface delegates to the notification bus. Every
// method degrades to pubsub.ErrEmitterDisabled when the client runs with
// SkipEmitter, because the bus is nil-receiver safe.

func (c *Client) busRef() *pubsub.Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

// On subscribes a handler to a named event.
func (c *Client) On(event string, handler pubsub.Handler) (*pubsub.Ticket, error) {
	return c.busRef().On(event, handler)
}

// Once subscribes a handler that fires at most once.
func (c *Client) Once(event string, handler pubsub.Handler) (*pubsub.Ticket, error) {
	return c.busRef().Once(event, handler)
}

// Off removes every local listener of an event.
func (c *Client) Off(event string) error {
	return c.busRef().Off(event)
}

// Emit publishes an event to every process subscribed on this store.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	return c.busRef().Emit(ctx, event, payload)
}

// OnSome races a set of events: the first to arrive wins and tears the rest
// down. See pubsub.Bus.OnSome.
func (c *Client) OnSome(events map[string]pubsub.Handler, timeout time.Duration, onTimeout func()) (func(), error) {
	return c.busRef().OnSome(events, timeout, onTimeout)
}

// OnPipeline awaits the two terminal events of a correlation id.
func (c *Client) OnPipeline(id string, timeout time.Duration) (*pubsub.Pipeline, error) {
	return c.busRef().OnPipeline(id, timeout)
}

// EmitPipeline settles a pipeline from anywhere: ok routes to the resolve
// event, !ok to the reject event.
func (c *Client) EmitPipeline(ctx context.Context, id string, ok bool, payload any) error {
	return c.busRef().EmitPipeline(ctx, id, ok, payload)
}
