package dispatch

import "sync"

// Topic is a typed publish/subscribe channel for one kind of domain event,
// e.g. "holdings changed" or "connection state". Handlers run synchronously on
// the publisher's goroutine, in subscription order.
type Topic[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []topicHandler[T]
}

type topicHandler[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, topicHandler[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := t.handlers
	t.mu.RUnlock()

	for _, h := range handlers {
		h.fn(v)
	}
}

// Len reports the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// copy so an in-flight Publish keeps iterating its own snapshot
	next := make([]topicHandler[T], 0, len(t.handlers))
	for _, h := range t.handlers {
		if h.id != id {
			next = append(next, h)
		}
	}
	t.handlers = next
}
