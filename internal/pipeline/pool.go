package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrPoolSaturated is returned when the task queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// Admission never blocks: a full queue rejects the task.
type Pool struct {
	name   string
	logger *zap.Logger

	tasks   chan func()
	workers int
	wg      sync.WaitGroup
	done    chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// PoolStats is a snapshot of a pool's counters.
type PoolStats struct {
	Workers   int    `json:"workers"`
	QueueCap  int    `json:"queue_capacity"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Panics    uint64 `json:"panics"`
}

// NewPool starts workers goroutines draining a queue of queueSize tasks.
func NewPool(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:    name,
		logger:  logger.With(zap.String("pool", name)),
		tasks:   make(chan func(), queueSize),
		workers: workers,
		done:    make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// TrySubmit queues task or fails immediately.
func (p *Pool) TrySubmit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrPoolSaturated)
	}
}

// Close stops admission, runs every queued task and waits for the workers.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		QueueCap:  cap(p.tasks),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.done:
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		p.completed.Add(1)
	}()
	task()
}
