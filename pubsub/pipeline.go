package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPipelineTimeout settles a pipeline wait when neither terminal event
// arrives in time.
var ErrPipelineTimeout = errors.New("pipeline timeout")

// okEvent / koEvent derive the two well-known terminal event names of a
// pipeline from its correlation id.
func okEvent(id string) string { return id + "--ok" }
func koEvent(id string) string { return id + "--ko" }

// Pipeline is a one-shot awaitable settled by the first of: the ok event,
// the ko event, or the timeout. Exactly one outcome ever fires.
type Pipeline struct {
	result chan outcome
	cancel func()
}

type outcome struct {
	payload any
	err     error
}

// OnPipeline races the <id>--ok and <id>--ko events with an optional
// timeout. It is the building block of the workflow layer.
func (b *Bus) OnPipeline(id string, timeout time.Duration) (*Pipeline, error) {
	p := &Pipeline{result: make(chan outcome, 1)}

	settle := func(o outcome) {
		// The buffered channel plus OnSome's first-wins guarantee make this
		// send non-blocking and unique.
		p.result <- o
	}

	cancel, err := b.OnSome(map[string]Handler{
		okEvent(id): func(payload any) {
			settle(outcome{payload: payload})
		},
		koEvent(id): func(payload any) {
			settle(outcome{err: asError(payload)})
		},
	}, timeout, func() {
		settle(outcome{err: ErrPipelineTimeout})
	})
	if err != nil {
		return nil, err
	}
	p.cancel = cancel
	return p, nil
}

// Wait blocks until the pipeline settles or ctx is done. Cancelling the
// context abandons the wait and tears down the subscriptions.
func (p *Pipeline) Wait(ctx context.Context) (any, error) {
	select {
	case o := <-p.result:
		return o.payload, o.err
	case <-ctx.Done():
		p.cancel()
		return nil, ctx.Err()
	}
}

// EmitPipeline publishes the terminal event of a pipeline: ok=true targets
// <id>--ok, ok=false targets <id>--ko.
func (b *Bus) EmitPipeline(ctx context.Context, id string, ok bool, payload any) error {
	if ok {
		return b.Emit(ctx, okEvent(id), payload)
	}
	return b.Emit(ctx, koEvent(id), payload)
}

func asError(payload any) error {
	switch v := payload.(type) {
	case error:
		return v
	case string:
		return &RemoteError{Message: v}
	default:
		return &RemoteError{Message: fmt.Sprintf("%v", v)}
	}
}
