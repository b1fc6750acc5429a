// Package worker runs a fixed-size pool of goroutines over a bounded
// queue. Submission never blocks: when the queue is full the item is
// rejected, which the event bus treats as a drop signal. In-flight items
// finish during Stop; items still queued at Stop are processed before the
// workers exit.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotStarted means Submit ran before Start.
	ErrNotStarted = errors.New("worker pool not started")

	// ErrStopped means the pool has shut down.
	ErrStopped = errors.New("worker pool stopped")

	// ErrQueueFull is the backpressure signal: workers are not keeping up.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrStopTimeout means workers were still busy when the Stop deadline
	// passed.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)

// Pool fans work items of type T out to a fixed set of workers. The
// processor receives the context given to Start, so cancelling it abandons
// queued work.
type Pool[T any] struct {
	process func(context.Context, T) error
	queue   chan T
	workers int

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a point-in-time view of pool throughput.
type Stats struct {
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	Submitted  uint64 `json:"submitted"`
	Processed  uint64 `json:"processed"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

// NewPool creates a pool of workers over a queue of queueSize items.
// process must not be nil.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if process == nil {
		panic("worker: nil process func")
	}
	return &Pool[T]{
		process: process,
		queue:   make(chan T, queueSize),
		workers: workers,
	}
}

// Start launches the workers. It may be called once.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Submit queues one item without blocking. The lock pairs it with Stop:
// nothing may enter the queue once it is closed.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- item:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for the workers to drain
// it. Safe to call more than once.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Cancellation wins over queued work.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.process(ctx, item); err != nil {
				p.failed.Add(1)
			}
			p.processed.Add(1)
		}
	}
}
