package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/queueworks/docqueue/store"
)

func marshalPayload(p store.Payload) ([]byte, error) {
	if p == nil {
		p = store.Payload{}
	}
	return json.Marshal(p)
}

// nextIterationArg maps the zero time to "now": eligibility defaults to
// immediate.
func nextIterationArg(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func (s *Store) Append(ctx context.Context, queue string, payload store.Payload, opts store.AppendOptions) (store.AppendResult, error) {
	if err := store.ValidateQueueName(queue); err != nil {
		return store.AppendResult{}, fmt.Errorf("doc.append: %w", err)
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("doc.append: %w", err)
	}

	var res store.AppendResult
	err = s.pool.QueryRow(ctx,
		`SELECT subject, queued_docs > 0 FROM docq.doc_append($1, $2, $3, $4)`,
		queue, body, opts.Version, opts.Priority,
	).Scan(&res.Subject, &res.Queued)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("doc.append: %w", err)
	}
	return res, nil
}

func (s *Store) Push(ctx context.Context, queue string, doc store.PushRequest) (store.PushResult, error) {
	if doc.Subject == "" {
		return store.PushResult{}, fmt.Errorf("doc.push: %w", store.ErrMissingSubject)
	}
	body, err := marshalPayload(doc.Payload)
	if err != nil {
		return store.PushResult{}, fmt.Errorf("doc.push: %w", err)
	}

	var res store.PushResult
	err = s.pool.QueryRow(ctx,
		`SELECT queued_docs FROM docq.doc_push($1, $2, $3, $4, $5, $6)`,
		queue, doc.Subject, doc.Version, doc.Priority,
		nextIterationArg(doc.NextIteration), body,
	).Scan(&res.QueuedDocs)
	if err != nil {
		return store.PushResult{}, fmt.Errorf("doc.push: %w", err)
	}
	return res, nil
}

func (s *Store) PushMany(ctx context.Context, queue string, docs []store.PushRequest) (store.PushResult, error) {
	// The store's push-many function takes a VALUES payload; building it
	// row by row through the single-doc function keeps the client free of
	// SQL assembly and the operation stays idempotent per subject.
	total := 0
	for _, doc := range docs {
		res, err := s.Push(ctx, queue, doc)
		if err != nil {
			return store.PushResult{QueuedDocs: total}, fmt.Errorf("doc.pushMany: %w", err)
		}
		total += res.QueuedDocs
	}
	return store.PushResult{QueuedDocs: total}, nil
}

func (s *Store) Pick(ctx context.Context, queue string, version, limit int, lock time.Duration) ([]store.Document, error) {
	if lock <= 0 {
		lock = 5 * time.Minute
	}

	rows, err := s.pool.Query(ctx,
		`SELECT subject, version, priority, payload, attempts, iterations, next_iteration
		 FROM docq.doc_pick($1, $2, $3, $4::interval)`,
		queue, version, limit, interval(lock))
	if err != nil {
		return nil, fmt.Errorf("doc.pick: %w", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var (
			doc  store.Document
			body []byte
		)
		if err := rows.Scan(&doc.Subject, &doc.Version, &doc.Priority, &body,
			&doc.Attempts, &doc.Iterations, &doc.NextIteration); err != nil {
			return nil, fmt.Errorf("doc.pick: %w", err)
		}
		if err := json.Unmarshal(body, &doc.Payload); err != nil {
			return nil, fmt.Errorf("doc.pick: decode payload of %q: %w", doc.Subject, err)
		}
		doc.Queue = queue
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Reschedule(ctx context.Context, queue, subject string, nextIteration time.Time, payload store.Payload) (int64, error) {
	var (
		body []byte
		err  error
	)
	if payload != nil {
		if body, err = marshalPayload(payload); err != nil {
			return 0, fmt.Errorf("doc.reschedule: %w", err)
		}
	}

	var affected int64
	err = s.pool.QueryRow(ctx,
		`SELECT affected_rows FROM docq.doc_reschedule($1, $2, $3, $4)`,
		queue, subject, nextIterationArg(nextIteration), body,
	).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("doc.reschedule: %w", err)
	}
	return affected, nil
}

func (s *Store) Reject(ctx context.Context, queue, subject, message string, details store.Payload, refID string) (int64, error) {
	body, err := marshalPayload(details)
	if err != nil {
		return 0, fmt.Errorf("doc.reject: %w", err)
	}

	var affected int64
	err = s.pool.QueryRow(ctx,
		`SELECT affected_rows FROM docq.doc_reject($1, $2, $3, $4, $5)`,
		queue, subject, message, body, refID,
	).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("doc.reject: %w", err)
	}
	return affected, nil
}

func (s *Store) Complete(ctx context.Context, queue, subject string, payload store.Payload) (int64, error) {
	var (
		body []byte
		err  error
	)
	if payload != nil {
		if body, err = marshalPayload(payload); err != nil {
			return 0, fmt.Errorf("doc.complete: %w", err)
		}
	}

	var affected int64
	err = s.pool.QueryRow(ctx,
		`SELECT affected_rows FROM docq.doc_complete($1, $2, $3)`,
		queue, subject, body,
	).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("doc.complete: %w", err)
	}
	return affected, nil
}

func (s *Store) Kill(ctx context.Context, queue, subject string, payload store.Payload) (int64, error) {
	var (
		body []byte
		err  error
	)
	if payload != nil {
		if body, err = marshalPayload(payload); err != nil {
			return 0, fmt.Errorf("doc.kill: %w", err)
		}
	}

	var affected int64
	err = s.pool.QueryRow(ctx,
		`SELECT affected_rows FROM docq.doc_kill($1, $2, $3)`,
		queue, subject, body,
	).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("doc.kill: %w", err)
	}
	return affected, nil
}

func (s *Store) Drop(ctx context.Context, queue, subject string) (int64, error) {
	var affected int64
	err := s.pool.QueryRow(ctx,
		`SELECT affected_rows FROM docq.doc_drop($1, $2)`,
		queue, subject,
	).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("doc.drop: %w", err)
	}
	return affected, nil
}

func (s *Store) Trace(ctx context.Context, subject string) ([]store.TraceEntry, error) {
	if subject == "" {
		return nil, store.ErrMissingSubject
	}

	rows, err := s.pool.Query(ctx,
		`SELECT queue, subject, message, ref_id, created_at FROM docq.trace($1)`,
		subject)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer rows.Close()

	var out []store.TraceEntry
	for rows.Next() {
		var e store.TraceEntry
		if err := rows.Scan(&e.Queue, &e.Subject, &e.Message, &e.RefID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("trace: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
