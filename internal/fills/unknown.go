package fills

import (
	"time"

	"github.com/coachpo/venuelink/internal/wire"
)

type pendingFill struct {
	fill     wire.FillUpdate
	received time.Time
}

// UnknownBuffer holds executions whose broker order id has not been registered yet.
// It is bounded by count and age; when full the oldest entry is evicted. UnknownBuffer
// is not safe for concurrent use; Engine serializes access to it.
type UnknownBuffer struct {
	entries  []pendingFill
	capacity int
	maxAge   time.Duration
}

// NewUnknownBuffer creates a buffer. A non-positive capacity is treated as 1; a
// non-positive maxAge disables age-based expiry.
func NewUnknownBuffer(capacity int, maxAge time.Duration) *UnknownBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &UnknownBuffer{capacity: capacity, maxAge: maxAge}
}

// Add stores fill and returns how many older entries were evicted to make room.
func (b *UnknownBuffer) Add(fill wire.FillUpdate, now time.Time) int {
	evicted := 0
	for len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
		evicted++
	}
	b.entries = append(b.entries, pendingFill{fill: fill, received: now})
	return evicted
}

// Take removes and returns, in arrival order, every entry whose broker order id satisfies match.
func (b *UnknownBuffer) Take(match func(brokerOrderID string) bool) []wire.FillUpdate {
	if len(b.entries) == 0 {
		return nil
	}
	var taken []wire.FillUpdate
	kept := b.entries[:0]
	for _, entry := range b.entries {
		if match(entry.fill.BrokerOrderID) {
			taken = append(taken, entry.fill)
			continue
		}
		kept = append(kept, entry)
	}
	clear(b.entries[len(kept):])
	b.entries = kept
	return taken
}

// Expire drops entries older than the max age and returns how many were dropped.
func (b *UnknownBuffer) Expire(now time.Time) int {
	if b.maxAge <= 0 || len(b.entries) == 0 {
		return 0
	}
	cutoff := now.Add(-b.maxAge)
	n := 0
	for n < len(b.entries) && b.entries[n].received.Before(cutoff) {
		n++
	}
	if n > 0 {
		clear(b.entries[:n])
		b.entries = b.entries[n:]
	}
	return n
}

// Len returns the number of buffered executions.
func (b *UnknownBuffer) Len() int {
	return len(b.entries)
}
