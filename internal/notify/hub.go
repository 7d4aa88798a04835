// Package notify fans events out to any number of subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
package notify

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// DefaultBuffer is the per-subscriber channel capacity used by Subscribe.
const DefaultBuffer = 16

// Hub is a subscribe/unsubscribe event fan-out.
type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan T
	closed      bool
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subscribers: make(map[string]chan T)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber with DefaultBuffer capacity. The ID
// identifies the channel when unsubscribing.
func (h *Hub[T]) Subscribe() (string, <-chan T) {
	return h.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity. Subscribing
// to a closed hub returns an already closed channel.
func (h *Hub[T]) SubscribeBuffered(n int) (string, <-chan T) {
	id := randomID()
	ch := make(chan T, n)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel. Unknown IDs are ignored.
func (h *Hub[T]) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish delivers v to every subscriber that has buffer room and returns
// the number of subscribers that received it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, ch := range h.subscribers {
		select {
		case ch <- v:
			delivered++
		default:
			// full subscriber, skip so the publisher never blocks
		}
	}
	return delivered
}

// Len returns the current number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
