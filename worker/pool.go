package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Pool owns the set of registered workers and fans lifecycle calls out to
// all of them.
type Pool struct {
	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	workers []*Worker
	started bool
}

// NewPool creates an empty pool sharing one set of dependencies across its
// workers.
func NewPool(deps Deps) *Pool {
	return &Pool{deps: deps, log: deps.Log}
}

// Register validates a definition and adds a worker. Registration after the
// pool has started is allowed: the new worker starts immediately when the
// registry already marks its queue active.
func (p *Pool) Register(cfg Config) (*Worker, error) {
	w, err := New(cfg, p.deps)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	started := p.started
	p.mu.Unlock()

	if started {
		w.Start()
	}
	return w, nil
}

// Workers returns the currently registered workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Start launches every registered worker in parallel.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = true
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Start()
		}(w)
	}
	wg.Wait()
	return nil
}

// Stop stops every worker in parallel and waits for all of them, collecting
// every failure so one stuck worker cannot hide another's error.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.started = false
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			if err := w.Stop(ctx); err != nil {
				p.log.Error("worker stop failed",
					zap.String("worker", w.Name()), zap.Error(err))
				errs[i] = err
			}
		}(i, w)
	}
	wg.Wait()
	return errors.Join(errs...)
}
