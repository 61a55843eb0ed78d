package reactive

import "sync"

const minSubscriberBuffer = 2

// Latest broadcasts a stream of values to any number of subscribers. A new
// subscriber first receives the most recent value (and the terminal result if
// the stream already ended). Slow subscribers lose the oldest buffered value,
// never the terminal one.
type Latest[T any] struct {
	mu       sync.Mutex
	has      bool
	last     T
	terminal *Result[T]
	subs     map[uint64]chan Result[T]
	nextID   uint64
	buffer   int
}

// Subscription is a single consumer of a Latest stream. C is closed after the
// terminal result or on Cancel.
type Subscription[T any] struct {
	C      <-chan Result[T]
	cancel func()
}

// Cancel detaches the subscription; it is safe to call more than once
func (s *Subscription[T]) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewLatest creates a broadcast with the given per-subscriber buffer
func NewLatest[T any](buffer int) *Latest[T] {
	if buffer < minSubscriberBuffer {
		buffer = minSubscriberBuffer
	}
	return &Latest[T]{
		subs:   make(map[uint64]chan Result[T]),
		buffer: buffer,
	}
}

// Publish emits v to all subscribers; it returns false once the stream ended
func (l *Latest[T]) Publish(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminal != nil {
		return false
	}

	l.has = true
	l.last = v
	r := Value(v)
	for _, ch := range l.subs {
		offer(ch, r)
	}
	return true
}

// Fail ends the stream with err
func (l *Latest[T]) Fail(err error) bool {
	return l.terminate(Failure[T](err))
}

// Complete ends the stream without error
func (l *Latest[T]) Complete() bool {
	return l.terminate(Empty[T]())
}

func (l *Latest[T]) terminate(r Result[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminal != nil {
		return false
	}

	l.terminal = &r
	for id, ch := range l.subs {
		offer(ch, r)
		close(ch)
		delete(l.subs, id)
	}
	return true
}

// Subscribe registers a new consumer
func (l *Latest[T]) Subscribe() *Subscription[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Result[T], l.buffer)
	if l.has {
		ch <- Value(l.last)
	}

	if l.terminal != nil {
		offer(ch, *l.terminal)
		close(ch)
		return &Subscription[T]{C: ch}
	}

	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	return &Subscription[T]{
		C: ch,
		cancel: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
		},
	}
}

// offer delivers r, dropping the oldest buffered entry if the buffer is full.
// Only the publisher (holding the lock) sends, so a freed slot stays free.
func offer[T any](ch chan Result[T], r Result[T]) {
	for {
		select {
		case ch <- r:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
