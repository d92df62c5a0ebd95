// Package events fans out client-side snapshots to any number of local readers (dashboards, terminals).
package events

import (
	"sync"
)

// Broadcaster fans out values to all subscribers via buffered channels.
// It keeps the API intentionally small so call sites can stay straightforward.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[chan T]struct{}
	buffer int
	last   *T
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster[T]{
		subs:   make(map[chan T]struct{}),
		buffer: buffer,
	}
}

// Publish sends v to all subscribers, dropping if a reader is slow.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	b.last = &v
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives values until Unsubscribe is called.
// A late subscriber first receives the last published value, if any.
func (b *Broadcaster[T]) Subscribe() chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	if b.last != nil {
		ch <- *b.last
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster[T]) Unsubscribe(ch chan T) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Last returns the most recently published value.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.last == nil {
		var zero T
		return zero, false
	}
	return *b.last, true
}
