package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolInit means the pool could not start its workers
	ErrPoolInit = errors.New("worker pool init failed")
	// ErrPoolClosed means Submit was called after Shutdown
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of work executed by a pool worker.
type Task interface {
	Run()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Submit blocks while the queue is full.
type Pool struct {
	queue chan Task
	wg    sync.WaitGroup

	mu     sync.RWMutex // closed and close(queue) vs concurrent Submit
	closed bool

	discard   atomic.Bool
	discarded atomic.Int64
	running   atomic.Int64
	workers   int

	onPanic      func(any)
	shutdownOnce sync.Once
}

type PoolOption func(*Pool)

// WithPanicHandler is called with the recovered value when a task panics.
func WithPanicHandler(f func(any)) PoolOption {
	return func(p *Pool) {
		p.onPanic = f
	}
}

// NewPool starts workers goroutines. queueSize bounds the number of tasks
// waiting for a worker; zero or less picks workers*64.
func NewPool(workers, queueSize int, opts ...PoolOption) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: worker count %d", ErrPoolInit, workers)
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	p := &Pool{
		queue:   make(chan Task, queueSize),
		workers: workers,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p, nil
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.queue {
		if p.discard.Load() {
			p.discarded.Add(1)
			continue
		}
		p.run(t)
	}
}

func (p *Pool) run(t Task) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	t.Run()
}

// Submit queues t, blocking while the queue is full.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue <- t
	return nil
}

// Shutdown stops intake and joins the workers. With drain every queued task
// still runs; without it queued tasks are dropped and their count returned.
// Tasks already running always finish. Calls after the first return 0.
func (p *Pool) Shutdown(drain bool) int {
	dropped := 0
	p.shutdownOnce.Do(func() {
		if !drain {
			p.discard.Store(true)
		}
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		dropped = int(p.discarded.Load())
	})
	return dropped
}

// Len is the number of queued tasks not yet picked by a worker.
func (p *Pool) Len() int {
	return len(p.queue)
}

func (p *Pool) Running() int {
	return int(p.running.Load())
}

func (p *Pool) Workers() int {
	return p.workers
}
