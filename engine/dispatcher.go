package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueRejected is returned by Invoke when the task queue is full
	ErrQueueRejected = errors.New("engine: dispatcher queue rejected task")

	// ErrDispatcherClosed is returned by Invoke after Close
	ErrDispatcherClosed = errors.New("engine: dispatcher closed")
)

// Dispatcher serializes work onto the engine's event loop
type Dispatcher interface {
	// Invoke schedules task on the loop. It fails with ErrQueueRejected,
	// ErrDispatcherClosed or an adapter specific I/O error.
	Invoke(task func()) error

	// Run drives the loop until Close; it is called once, by the owner
	Run() error

	// Close stops the loop after the already queued tasks ran
	Close() error

	// Done is closed once Run returned
	Done() <-chan struct{}
}

// LoopDispatcher is a Dispatcher backed by a bounded task queue drained by
// the goroutine calling Run
type LoopDispatcher struct {
	tasks   chan func()
	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	done    chan struct{}
	running atomic.Bool
	panics  atomic.Int64
	logger  *zap.Logger
}

// DispatcherOption configures a LoopDispatcher
type DispatcherOption func(*LoopDispatcher)

// WithDispatcherLogger sets the logger panicking tasks are reported to
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *LoopDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewLoopDispatcher creates a dispatcher with the given queue capacity
func NewLoopDispatcher(queueSize int, opts ...DispatcherOption) *LoopDispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &LoopDispatcher{
		tasks:   make(chan func(), queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke implements Dispatcher
func (d *LoopDispatcher) Invoke(task func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.tasks <- task:
		return nil
	default:
		return ErrQueueRejected
	}
}

// Run implements Dispatcher
func (d *LoopDispatcher) Run() error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: dispatcher already running")
	}
	defer close(d.done)

	for {
		select {
		case task := <-d.tasks:
			d.execute(task)
		case <-d.closing:
			// Close holds the write lock while flipping closed, so every
			// accepted task is already in the queue.
			for {
				select {
				case task := <-d.tasks:
					d.execute(task)
				default:
					return nil
				}
			}
		}
	}
}

// execute runs a task, keeping the loop alive if it panics
func (d *LoopDispatcher) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("dispatcher task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Close implements Dispatcher
func (d *LoopDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.closing)
	}
	return nil
}

// Done implements Dispatcher
func (d *LoopDispatcher) Done() <-chan struct{} {
	return d.done
}

// Panics returns how many tasks panicked
func (d *LoopDispatcher) Panics() int64 {
	return d.panics.Load()
}
