package worker

import (
	"time"

	"github.com/queueworks/docqueue/store"
)

// Action is the outcome a handler declares for the document it processed.
// The set of actions is closed: only the five variants below satisfy it,
// so resolution is an exhaustive switch and an unrecognized value can only
// come from a foreign implementation, which is treated as an invariant
// violation at resolve time.
type Action interface {
	isAction()
	name() string
}

// RescheduleAction plans another iteration. Iterations increments, attempts
// resets to 0; a future NextIteration parks the document until due, a zero
// or past one makes it immediately eligible.
type RescheduleAction struct {
	NextIteration time.Time
	Payload       store.Payload

	// Message, when set, is logged to the queue's error log before the
	// reschedule is applied.
	Message string
	Details store.Payload
	RefID   string
}

// RejectAction records a failed cycle. Attempts increments; the message is
// persisted to the queue's error log; the store kills the document once
// attempts are exhausted.
type RejectAction struct {
	Message string
	Details store.Payload
	RefID   string
}

// CompleteAction marks terminal success, optionally overwriting the payload.
type CompleteAction struct {
	Payload store.Payload
	Message string
	Details store.Payload
	RefID   string
}

// KillAction marks terminal failure for explicit, un-retriable business
// errors.
type KillAction struct {
	Message string
	Payload store.Payload
	Details store.Payload
	RefID   string
}

// DropAction physically removes the document.
type DropAction struct {
	Message string
	Details store.Payload
	RefID   string
}

func (*RescheduleAction) isAction() {}
func (*RejectAction) isAction()     {}
func (*CompleteAction) isAction()   {}
func (*KillAction) isAction()       {}
func (*DropAction) isAction()       {}

func (*RescheduleAction) name() string { return "reschedule" }
func (*RejectAction) name() string     { return "reject" }
func (*CompleteAction) name() string   { return "complete" }
func (*KillAction) name() string       { return "kill" }
func (*DropAction) name() string       { return "drop" }

// Convenience constructors mirroring the handler-facing builders.

func Reschedule(next time.Time) *RescheduleAction {
	return &RescheduleAction{NextIteration: next}
}

func Reject(message string) *RejectAction {
	return &RejectAction{Message: message}
}

func Complete() *CompleteAction { return &CompleteAction{} }

func Kill(message string) *KillAction { return &KillAction{Message: message} }

func Drop() *DropAction { return &DropAction{} }
