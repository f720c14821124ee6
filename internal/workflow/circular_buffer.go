// Package workflow implements the workflow engine and its supporting
// infrastructure: the bounded output buffer, output streaming, JSON
// persistence, the bash executor, the approval coordinator, workflow
// definition loading, and the Temporal-backed state machine itself.
package workflow

import "sync"

// CircularBuffer is a fixed-capacity FIFO queue of T with automatic
// oldest-item eviction when full. The hot path is a few comparisons and a
// slice write, so a single mutex around the ring suffices.
type CircularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	evicted  uint64
}

// NewCircularBuffer creates a buffer bounded at capacity items.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	return &CircularBuffer[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends item, evicting the oldest entry first if the buffer is
// full. Push fails only when the buffer's capacity is zero; on that path
// the item is returned to the caller.
func (b *CircularBuffer[T]) Push(item T) (rejected *T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		if b.capacity == 0 {
			return &item
		}
		b.items = b.items[1:]
		b.evicted++
	}
	b.items = append(b.items, item)
	return nil
}

// TryPush appends item without evicting; it fails when the buffer is full.
func (b *CircularBuffer[T]) TryPush(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		return false
	}
	b.items = append(b.items, item)
	return true
}

// Pop removes and returns the oldest item.
func (b *CircularBuffer[T]) Pop() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return item, false
	}
	item = b.items[0]
	b.items = b.items[1:]
	return item, true
}

// Len returns the current number of buffered items.
func (b *CircularBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Capacity returns the buffer's fixed capacity.
func (b *CircularBuffer[T]) Capacity() int { return b.capacity }

// IsFull reports whether the buffer is at capacity.
func (b *CircularBuffer[T]) IsFull() bool { return b.Len() >= b.capacity }

// IsEmpty reports whether the buffer holds no items.
func (b *CircularBuffer[T]) IsEmpty() bool { return b.Len() == 0 }

// EvictionCount returns the total number of items evicted by Push over the
// buffer's lifetime. Monotonically increases.
func (b *CircularBuffer[T]) EvictionCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Snapshot copies the current contents without consuming them, oldest
// first.
func (b *CircularBuffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Clear removes all buffered items without affecting EvictionCount.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = b.items[:0]
}
