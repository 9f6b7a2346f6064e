package worker

import (
	"context"
	"fmt"

	"github.com/queueworks/docqueue/store"
	"github.com/queueworks/docqueue/workflow"
)

// Document is the decorated handle passed to handlers: the leased
// document's fields plus helpers bound to its (queue, subject) pair. The
// document itself is only ever mutated through the action the handler
// returns.
type Document struct {
	store.Document

	w *Worker
}

// LogError appends an entry to the queue's error log, bound to this
// document's subject.
func (d *Document) LogError(ctx context.Context, message string, details store.Payload, refID string) error {
	_, err := d.w.deps.Queues.LogError(ctx, d.Queue, d.Subject, message, details, refID)
	return err
}

// Forward pushes a derived document downstream: same subject and payload,
// with patch layered on top. It does not resolve this document; the handler
// still returns an action for it.
func (d *Document) Forward(ctx context.Context, queue string, patch store.Payload) (store.PushResult, error) {
	return d.w.deps.Docs.Push(ctx, queue, store.PushRequest{
		Subject:  d.Subject,
		Version:  d.Version,
		Priority: d.Priority,
		Payload:  d.Payload.Merge(patch),
	})
}

// Workflow returns the workflow facet when the payload carries workflow
// metadata, nil otherwise.
func (d *Document) Workflow() *WorkflowFacet {
	id, ok := workflow.ExtractID(d.Payload)
	if !ok {
		return nil
	}
	return &WorkflowFacet{doc: d, id: id}
}

// WorkflowFacet exposes the correlated-workflow operations of a document.
// Resolve, Reject and Forward emit the terminal or forwarding side effect
// and return the action the handler should hand back, so the document's
// own resolution stays with the worker loop.
type WorkflowFacet struct {
	doc *Document
	id  string
}

// ID returns the correlation id embedded in the document.
func (f *WorkflowFacet) ID() string { return f.id }

// GetPayload returns the document payload stripped of workflow metadata.
func (f *WorkflowFacet) GetPayload() store.Payload {
	return workflow.Strip(f.doc.Payload)
}

// Resolve publishes the workflow's ok event with the given payload and
// completes the document.
func (f *WorkflowFacet) Resolve(ctx context.Context, payload any) (Action, error) {
	if err := f.doc.w.deps.Bus.EmitPipeline(ctx, f.id, true, payload); err != nil {
		return nil, fmt.Errorf("workflow resolve: %w", err)
	}
	return &CompleteAction{}, nil
}

// Reject publishes the workflow's ko event with the given error and kills
// the document.
func (f *WorkflowFacet) Reject(ctx context.Context, cause error) (Action, error) {
	if err := f.doc.w.deps.Bus.EmitPipeline(ctx, f.id, false, cause); err != nil {
		return nil, fmt.Errorf("workflow reject: %w", err)
	}
	return &KillAction{Message: cause.Error()}, nil
}

// Forward moves the correlated document to the next pipeline stage,
// preserving the embedded workflow id even when the patch tries to replace
// it, and completes the current document.
func (f *WorkflowFacet) Forward(ctx context.Context, queue string, patch store.Payload) (Action, error) {
	payload := f.doc.Payload.Merge(patch)
	payload = workflow.EmbedID(workflow.Strip(payload), f.id)

	res, err := f.doc.w.deps.Docs.Push(ctx, queue, store.PushRequest{
		Subject:  f.doc.Subject,
		Version:  f.doc.Version,
		Priority: f.doc.Priority,
		Payload:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow forward: %w", err)
	}
	if res.QueuedDocs == 0 {
		return nil, fmt.Errorf("workflow forward: %w", workflow.ErrNotQueued)
	}
	return &CompleteAction{}, nil
}

// Create starts a nested workflow through the same bus and store.
func (f *WorkflowFacet) Create(spec workflow.Spec) (*workflow.Workflow, error) {
	return workflow.New(f.doc.w.deps.Bus, f.doc.w.deps.Docs, spec)
}
