// Package workflow turns "push a document, await a terminal event" into a
// single awaitable call. A workflow is not persisted as its own entity: it
// is a correlation id embedded in a document's payload, paired with a
// one-shot wait on the two terminal events derived from that id. Handlers
// anywhere in the pipeline, in any process sharing the store, settle it by
// publishing to those events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/store"
)

// MetadataKey is the payload key carrying the workflow correlation id.
// Worker handles strip it from the payload they expose.
const MetadataKey = "__workflow"

// DefaultTimeout bounds Run when Spec.Timeout is unset.
const DefaultTimeout = 20 * time.Second

// ErrNotQueued is returned by Run when the workflow document could not be
// pushed (typically a duplicate subject). Pushing zero documents is a hard
// failure: nothing would ever settle the wait.
var ErrNotQueued = errors.New("could not push document into workflow")

// Spec describes a workflow to create.
type Spec struct {
	Queue   string
	Payload store.Payload
	Timeout time.Duration
}

// Workflow is a created-but-not-yet-run workflow. The pipeline wait is
// registered at creation time, before the document exists, so a fast
// handler cannot settle the events unobserved.
type Workflow struct {
	id       string
	spec     Spec
	docs     store.DocStore
	pipeline *pubsub.Pipeline
}

// New generates the correlation id and registers the pipeline wait.
func New(bus *pubsub.Bus, docs store.DocStore, spec Spec) (*Workflow, error) {
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}

	id := "wkf@" + uuid.NewString()
	pipeline, err := bus.OnPipeline(id, spec.Timeout)
	if err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}

	return &Workflow{
		id:       id,
		spec:     spec,
		docs:     docs,
		pipeline: pipeline,
	}, nil
}

// ID returns the correlation id, which doubles as the document subject.
func (w *Workflow) ID() string { return w.id }

// Run pushes the correlated document and awaits the terminal event. It
// settles exactly once: with the resolve payload, the reject error, or
// pubsub.ErrPipelineTimeout.
func (w *Workflow) Run(ctx context.Context) (any, error) {
	res, err := w.docs.Push(ctx, w.spec.Queue, store.PushRequest{
		Subject: w.id,
		Payload: EmbedID(w.spec.Payload, w.id),
	})
	if err != nil {
		return nil, fmt.Errorf("workflow run: %w", err)
	}
	if res.QueuedDocs == 0 {
		return nil, ErrNotQueued
	}

	return w.pipeline.Wait(ctx)
}

// Trace defers to the store's audit trail for the workflow's subject.
func (w *Workflow) Trace(ctx context.Context) ([]store.TraceEntry, error) {
	return w.docs.Trace(ctx, w.id)
}

// EmbedID returns a copy of the payload carrying the correlation id.
func EmbedID(payload store.Payload, id string) store.Payload {
	out := payload.Clone()
	out[MetadataKey] = map[string]any{"id": id}
	return out
}

// ExtractID reads the correlation id out of a payload, reporting whether
// the payload carries workflow metadata at all.
func ExtractID(payload store.Payload) (string, bool) {
	meta, ok := payload[MetadataKey]
	if !ok {
		return "", false
	}
	m, ok := meta.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["id"].(string)
	return id, ok && id != ""
}

// Strip returns the payload without its workflow metadata. This is what a
// handler sees through the workflow facet.
func Strip(payload store.Payload) store.Payload {
	out := payload.Clone()
	delete(out, MetadataKey)
	return out
}
