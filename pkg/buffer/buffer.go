package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer.
// When full, Add overwrites the oldest item.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  int
	logger   *zap.Logger
}

// New creates a new generic RingBuffer with the specified capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts a new item into the buffer
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == rb.capacity {
		rb.dropped++
		// counted in Dropped and reported on /health
		rb.logger.Debug("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity),
			zap.Int("dropped", rb.dropped))
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// ordered returns the items oldest first. Callers must hold the lock.
func (rb *RingBuffer[T]) ordered() []T {
	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		results[i] = rb.data[(start+i)%rb.capacity]
	}
	return results
}

// GetAllAndClear atomically retrieves all buffered items, oldest first, and
// clears the buffer.
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	results := rb.ordered()
	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0

	return results
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many items were overwritten before being consumed.
func (rb *RingBuffer[T]) Dropped() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}
