package store

import "time"

// Payload is the opaque structured data carried by a document. It is
// serialized as JSON on the wire; the client never interprets it except for
// the workflow metadata key handled by the worker package.
type Payload map[string]any

// Clone returns a shallow copy of the payload. Callers that decorate a
// payload before pushing it downstream must not mutate the original.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p with the keys of patch layered on top.
func (p Payload) Merge(patch Payload) Payload {
	out := p.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Document is a unit of work as returned by Pick. Fields mirror the store's
// row; the numeric status code is deliberately absent. The client reasons
// about documents only through the operations it invokes.
type Document struct {
	Queue         string    `json:"queue"`
	Subject       string    `json:"subject"`
	Payload       Payload   `json:"payload"`
	Version       int       `json:"version"`
	Priority      int       `json:"priority"`
	Attempts      int       `json:"attempts"`
	Iterations    int       `json:"iterations"`
	NextIteration time.Time `json:"next_iteration"`
}

// QueueInfo is one row of the queue registry table.
type QueueInfo struct {
	Name                 string        `json:"name"`
	IsActive             bool          `json:"is_active"`
	MaxAttempts          int           `json:"max_attempts"`
	LogsRetention        time.Duration `json:"logs_retention"`
	CurrentVersion       int           `json:"current_version"`
	NotificationsEnabled bool          `json:"notifications_enabled"`
}

// TaskSettings tunes one named maintenance task of a queue.
type TaskSettings struct {
	Delay    time.Duration `json:"delay"`
	Duration time.Duration `json:"duration"`
	Limit    int           `json:"limit"`
}

// AppendResult is returned by Append: the generated subject plus whether the
// document was actually queued (false on subject collision).
type AppendResult struct {
	Subject string `json:"subject"`
	Queued  bool   `json:"queued"`
}

// PushResult reports how many documents a push operation actually stored.
// QueuedDocs is 0, with no error, when the target queue does not exist or
// the subject is already present (subject-based dedup).
type PushResult struct {
	QueuedDocs int `json:"queued_docs"`
}

// PushRequest describes one document to push. Zero values are valid: an
// empty NextIteration means "now", version and priority default to 0.
type PushRequest struct {
	Subject       string
	Version       int
	Priority      int
	NextIteration time.Time
	Payload       Payload
}

// AppendOptions carries the optional knobs of Append.
type AppendOptions struct {
	Version  int
	Priority int
}

// QueueMetrics is the aggregated counter snapshot for one queue.
type QueueMetrics struct {
	Queue     string `json:"queue"`
	Total     int64  `json:"cnt"`
	Pending   int64  `json:"pnd"`
	Active    int64  `json:"act"`
	Planned   int64  `json:"pln"`
	Completed int64  `json:"cpl"`
	Killed    int64  `json:"kll"`
	Errors    int64  `json:"err"`
}

// TraceEntry is one line of a subject's audit trail, newest first.
type TraceEntry struct {
	Queue     string    `json:"queue"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	RefID     string    `json:"ref_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
