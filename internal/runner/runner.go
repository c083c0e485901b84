// Package runner executes ingestion jobs on a bounded worker pool with a
// bounded submission queue and per-job cancellation.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
)

var (
	ErrQueueFull = errors.New("runner: queue full")
	ErrClosed    = errors.New("runner: closed")
	ErrDuplicate = errors.New("runner: job already active")
)

// WorkFunc is the body of a job. It always runs, even when the job was
// canceled while queued, so it can record the outcome.
type WorkFunc func(ctx context.Context) error

// Handle tracks one submitted job. It stays usable after the runner has
// forgotten the job.
type Handle struct {
	JobID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the work result; nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends, whichever comes first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	handle *Handle
	work   WorkFunc
}

type Runner struct {
	pool   *ants.Pool
	queue  chan task
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	handles  map[string]*Handle
	closed   bool
	inflight sync.WaitGroup

	dispatched chan struct{}
}

// New starts a runner with workers concurrent jobs and room for
// queueDepth jobs waiting for a worker.
func New(workers, queueDepth int, logger *slog.Logger) (*Runner, error) {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, errors.Wrap(err, "runner: create pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		pool:       pool,
		queue:      make(chan task, queueDepth),
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		handles:    make(map[string]*Handle),
		dispatched: make(chan struct{}),
	}
	go r.dispatch()
	return r, nil
}

// Submit enqueues work without blocking. It fails with ErrQueueFull when
// the queue is at capacity.
func (r *Runner) Submit(jobID string, work WorkFunc) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.handles[jobID]; ok {
		return nil, errors.Wrapf(ErrDuplicate, "job %s", jobID)
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	h := &Handle{JobID: jobID, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	select {
	case r.queue <- task{handle: h, work: work}:
	default:
		cancel()
		return nil, ErrQueueFull
	}
	r.handles[jobID] = h
	r.inflight.Add(1)
	return h, nil
}

func (r *Runner) dispatch() {
	defer close(r.dispatched)
	for t := range r.queue {
		if err := r.pool.Submit(func() { r.run(t) }); err != nil {
			// pool released underneath us; run inline so the handle completes
			r.logger.Error("runner: pool rejected job", "job_id", t.handle.JobID, "error", err)
			r.run(t)
		}
	}
}

func (r *Runner) run(t task) {
	h := t.handle
	defer func() {
		if p := recover(); p != nil {
			h.err = errors.Newf("job panicked: %v", p)
			r.logger.Error("runner: job panicked", "job_id", h.JobID, "panic", fmt.Sprint(p))
		}
		h.cancel()
		r.forget(h)
		close(h.done)
		r.inflight.Done()
	}()
	h.err = t.work(h.ctx)
}

func (r *Runner) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.JobID]; ok && cur == h {
		delete(r.handles, h.JobID)
	}
}

// Cancel signals the job's context. It reports false for unknown or
// already finished jobs.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	h, ok := r.handles[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

func (r *Runner) Get(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

// Active counts queued and running jobs.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Drain waits until every submitted job has finished.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for outstanding ones. When ctx
// ends first the remaining jobs are canceled and awaited.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	err := r.Drain(ctx)
	if err != nil {
		r.logger.Warn("runner: shutdown deadline reached, canceling jobs", "active", r.Active())
		r.baseCancel()
		r.inflight.Wait()
	}
	<-r.dispatched
	r.baseCancel()
	r.pool.Release()
	return err
}
