package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrWorkerFailure wraps a panic raised inside submitted work
	ErrWorkerFailure = errors.New("worker failure")
	// ErrPoolClosed is returned for work submitted after Close
	ErrPoolClosed = errors.New("worker pool closed")
)

// Observer is notified when slot usage changes
type Observer interface {
	SetActive(n int)
	SetQueued(n int)
}

// Pool runs blocking work on a bounded number of goroutines.
// Submit never blocks: work waits for a free slot in its own goroutine.
type Pool struct {
	slots    chan struct{}
	wg       sync.WaitGroup
	active   atomic.Int64
	queued   atomic.Int64
	observer Observer

	mu     sync.RWMutex
	closed bool
}

// Result is the outcome of one submitted call
type Result struct {
	done chan struct{}
	err  error
}

// Done is closed once the work has returned
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the work returns or ctx is canceled
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome; only valid after Done is closed
func (r *Result) Err() error {
	return r.err
}

// New creates a pool with size slots
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// WithObserver reports slot usage changes to o
func (p *Pool) WithObserver(o Observer) *Pool {
	p.observer = o
	return p
}

// Size returns the number of slots
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Active returns the number of calls currently running
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued returns the number of calls waiting for a slot
func (p *Pool) Queued() int {
	return int(p.queued.Load())
}

// Submit schedules fn. If ctx is canceled while fn is still queued, fn never
// runs and the result carries ctx.Err(). A panic in fn is captured as an
// ErrWorkerFailure result.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) *Result {
	res := &Result{done: make(chan struct{})}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		res.err = ErrPoolClosed
		close(res.done)
		return res
	}

	p.wg.Add(1)
	p.report(-1, p.queued.Add(1))
	go func() {
		defer p.wg.Done()
		defer close(res.done)

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			p.report(-1, p.queued.Add(-1))
			res.err = ctx.Err()
			return
		}
		p.report(p.active.Add(1), p.queued.Add(-1))
		defer func() {
			// Release semaphore slot
			<-p.slots
			p.report(p.active.Add(-1), -1)
		}()

		res.err = run(ctx, fn)
	}()
	return res
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", ErrWorkerFailure, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// report pushes counters to the observer; negative values are left unchanged
func (p *Pool) report(active, queued int64) {
	if p.observer == nil {
		return
	}
	if active >= 0 {
		p.observer.SetActive(int(active))
	}
	if queued >= 0 {
		p.observer.SetQueued(int(queued))
	}
}

// Close stops accepting work and waits for submitted work to return or ctx to expire
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}
