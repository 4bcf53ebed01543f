// Package ticks buffers normalized market ticks between the socket reader and the
// engine's polling loop.
package ticks

import (
	"sync"

	"github.com/coachpo/venuelink/internal/domain/schema"
)

// Buffer is a drain-on-read tick queue. With a positive capacity it keeps the most
// recent ticks and discards the oldest.
type Buffer struct {
	mu       sync.Mutex
	items    []schema.Tick
	head     int
	capacity int
	dropped  uint64
	onDrop   func(n int)
}

// NewBuffer creates a buffer. capacity <= 0 means unbounded.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	b := &Buffer{capacity: capacity}
	if capacity > 0 {
		b.items = make([]schema.Tick, 0, capacity)
	}
	return b
}

// OnDrop registers a callback run (under the lock) when ticks are discarded.
func (b *Buffer) OnDrop(fn func(n int)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Append adds a tick.
func (b *Buffer) Append(tick schema.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity == 0 || len(b.items) < b.capacity {
		b.items = append(b.items, tick)
		return
	}
	// full ring: overwrite the oldest slot
	b.items[b.head] = tick
	b.head = (b.head + 1) % b.capacity
	b.dropped++
	if b.onDrop != nil {
		b.onDrop(1)
	}
}

// Drain returns every buffered tick in append order and empties the buffer.
func (b *Buffer) Drain() []schema.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	out := make([]schema.Tick, 0, len(b.items))
	out = append(out, b.items[b.head:]...)
	out = append(out, b.items[:b.head]...)
	b.items = b.items[:0]
	b.head = 0
	return out
}

// Len returns the number of buffered ticks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns how many ticks were discarded since creation.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
