package reactive

import "sync"

// Once broadcasts a single value. The first Emit wins; subscribers that
// arrive after the value fired receive it immediately.
type Once[T any] struct {
	mu    sync.Mutex
	fired bool
	value T
	subs  []chan T
}

// NewOnce creates an unfired broadcast
func NewOnce[T any]() *Once[T] {
	return &Once[T]{}
}

// Emit publishes v if nothing was published before and reports whether it did
func (o *Once[T]) Emit(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fired {
		return false
	}

	o.fired = true
	o.value = v
	for _, ch := range o.subs {
		ch <- v
		close(ch)
	}
	o.subs = nil
	return true
}

// Subscribe returns a channel that receives the value once and is then closed
func (o *Once[T]) Subscribe() <-chan T {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan T, 1)
	if o.fired {
		ch <- o.value
		close(ch)
		return ch
	}
	o.subs = append(o.subs, ch)
	return ch
}

// Value returns the fired value, if any
func (o *Once[T]) Value() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.fired
}
