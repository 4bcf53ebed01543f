// Package journal persists order lifecycle events outside the socket read path.
package journal

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/schema"
)

// ErrClosed is returned by stores and recorders used after Close.
var ErrClosed = errors.New("journal: closed")

// Entry is one persisted lifecycle event. Entries with the same order, status and
// execution id replace each other.
type Entry struct {
	ID           string
	OrderID      int64
	BrokerID     string
	Symbol       string
	Status       schema.OrderStatus
	ExecutionID  string
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Fee          decimal.Decimal
	FeeCurrency  string
	Message      string
	Metadata     map[string]string
	OccurredAt   time.Time
}

// EntryOf converts a lifecycle event.
func EntryOf(evt schema.OrderEvent) Entry {
	return Entry{
		OrderID:      evt.OrderID,
		BrokerID:     evt.BrokerID,
		Symbol:       evt.Symbol,
		Status:       evt.Status,
		ExecutionID:  evt.ExecutionID,
		FillPrice:    evt.FillPrice,
		FillQuantity: evt.FillQuantity,
		Fee:          evt.Fee,
		FeeCurrency:  evt.FeeCurrency,
		Message:      evt.Message,
		OccurredAt:   evt.Time,
	}
}

// Store persists journal entries.
type Store interface {
	RecordEvent(ctx context.Context, entry Entry) error
	Events(ctx context.Context, orderID int64) ([]Entry, error)
	Close()
}

type entryKey struct {
	orderID     int64
	status      schema.OrderStatus
	executionID string
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	closed  bool
	entries map[int64][]Entry
	index   map[entryKey]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64][]Entry),
		index:   make(map[entryKey]int),
	}
}

// RecordEvent inserts entry or replaces the one with the same key.
func (s *MemoryStore) RecordEvent(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entry.Metadata = cloneMetadata(entry.Metadata)
	key := entryKey{orderID: entry.OrderID, status: entry.Status, executionID: entry.ExecutionID}
	if i, ok := s.index[key]; ok {
		entry.ID = s.entries[entry.OrderID][i].ID
		s.entries[entry.OrderID][i] = entry
		return nil
	}
	s.index[key] = len(s.entries[entry.OrderID])
	s.entries[entry.OrderID] = append(s.entries[entry.OrderID], entry)
	return nil
}

// Events returns the entries of one order by occurrence time.
func (s *MemoryStore) Events(ctx context.Context, orderID int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := slices.Clone(s.entries[orderID])
	slices.SortStableFunc(out, func(a, b Entry) int { return a.OccurredAt.Compare(b.OccurredAt) })
	return out, nil
}

// Close releases the entries.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.entries = nil
	s.index = nil
	s.mu.Unlock()
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
