// Package buffer provides the bounded retained-output buffer kept per
// terminal session for replay to newly attached viewers.
package buffer

import "sync"

// RingBuffer is a thread-safe byte buffer bounded by a fixed capacity.
// When full it evicts the oldest bytes first, so it always holds the most
// recent output. The producer never blocks and the buffer never grows past
// its capacity.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []byte
	capacity int
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
// Capacities below 1 default to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends p, evicting oldest bytes when the result would exceed the
// capacity. Implements io.Writer and always reports len(p) consumed.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(p) >= rb.capacity {
		// Only the tail of p survives.
		rb.data = rb.data[:rb.capacity]
		copy(rb.data, p[len(p)-rb.capacity:])
		return len(p), nil
	}

	overflow := len(rb.data) + len(p) - rb.capacity
	if overflow > 0 {
		kept := copy(rb.data, rb.data[overflow:])
		rb.data = rb.data[:kept]
	}
	rb.data = append(rb.data, p...)
	return len(p), nil
}

// Snapshot returns a copy of the retained bytes, safe to use without the
// lock. Returns nil when empty.
func (rb *RingBuffer) Snapshot() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.data) == 0 {
		return nil
	}
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

// Clear truncates the buffer to empty without touching capacity.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}

// Len returns the number of retained bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.data)
}

// Cap returns the eviction bound.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}
