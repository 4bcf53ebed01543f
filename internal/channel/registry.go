// Package channel tracks venue-assigned channel identifiers for live market-data subscriptions.
package channel

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/venuelink/internal/domain/schema"
)

// Entry describes the logical stream bound to a channel id.
type Entry struct {
	ID     int64
	Kind   schema.ChannelKind
	Symbol string
}

// Subscription is the venue-independent identity of a stream.
type Subscription struct {
	Kind   schema.ChannelKind
	Symbol string
}

func (s Subscription) key() subKey {
	return subKey{kind: s.Kind, symbol: normalizeSymbol(s.Symbol)}
}

type subKey struct {
	kind   schema.ChannelKind
	symbol string
}

// Registry maps channel ids to streams. Ids change across reconnects and are
// recycled by the venue; (kind, symbol) identity is what survives.
type Registry struct {
	mu      sync.RWMutex
	byID    map[int64]Entry
	bySub   map[subKey]int64
	onEvict func(Entry)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[int64]Entry),
		bySub: make(map[subKey]int64),
	}
}

// OnEvict installs a callback invoked (outside the lock) for every entry displaced by
// Register or removed by Evict.
func (r *Registry) OnEvict(fn func(Entry)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Register binds id to (kind, symbol). A different id already bound to the same
// stream is evicted first, as is any stale binding of id to another stream.
func (r *Registry) Register(id int64, kind schema.ChannelKind, symbol string) Entry {
	entry := Entry{ID: id, Kind: kind, Symbol: normalizeSymbol(symbol)}
	key := subKey{kind: kind, symbol: entry.Symbol}

	var evicted []Entry
	r.mu.Lock()
	if prevID, ok := r.bySub[key]; ok && prevID != id {
		evicted = append(evicted, r.byID[prevID])
		delete(r.byID, prevID)
	}
	if stale, ok := r.byID[id]; ok {
		staleKey := subKey{kind: stale.Kind, symbol: stale.Symbol}
		if staleKey != key {
			evicted = append(evicted, stale)
			delete(r.bySub, staleKey)
		}
	}
	r.byID[id] = entry
	r.bySub[key] = id
	hook := r.onEvict
	r.mu.Unlock()

	if hook != nil {
		for _, e := range evicted {
			hook(e)
		}
	}
	return entry
}

// Resolve returns the stream bound to id.
func (r *Registry) Resolve(id int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	return entry, ok
}

// Lookup returns the live id for (kind, symbol).
func (r *Registry) Lookup(kind schema.ChannelKind, symbol string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySub[subKey{kind: kind, symbol: normalizeSymbol(symbol)}]
	return id, ok
}

// Evict drops id. Unknown ids are ignored.
func (r *Registry) Evict(id int64) bool {
	r.mu.Lock()
	entry, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		key := subKey{kind: entry.Kind, symbol: entry.Symbol}
		if r.bySub[key] == id {
			delete(r.bySub, key)
		}
	}
	hook := r.onEvict
	r.mu.Unlock()
	if ok && hook != nil {
		hook(entry)
	}
	return ok
}

// Subscriptions returns the live streams sorted by kind then symbol.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Symbols returns the symbols with a live channel of the given kind.
func (r *Registry) Symbols(kind schema.ChannelKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySub))
	for key := range r.bySub {
		if key.kind == kind {
			out = append(out, key.symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns every live binding sorted by id.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops every binding and returns the subscriptions that were live.
func (r *Registry) Clear() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.snapshotLocked()
	r.byID = make(map[int64]Entry)
	r.bySub = make(map[subKey]int64)
	return snapshot
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) snapshotLocked() []Subscription {
	if len(r.bySub) == 0 {
		return nil
	}
	out := make([]Subscription, 0, len(r.bySub))
	for key := range r.bySub {
		out = append(out, Subscription{Kind: key.kind, Symbol: key.symbol})
	}
	SortSubscriptions(out)
	return out
}

// SortSubscriptions orders subs by kind then symbol in place.
func SortSubscriptions(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Kind == subs[j].Kind {
			return subs[i].Symbol < subs[j].Symbol
		}
		return subs[i].Kind < subs[j].Kind
	})
}

// MergeSubscriptions returns the sorted union of the given sets.
func MergeSubscriptions(sets ...[]Subscription) []Subscription {
	seen := make(map[subKey]struct{})
	var out []Subscription
	for _, set := range sets {
		for _, sub := range set {
			key := sub.key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Subscription{Kind: key.kind, Symbol: key.symbol})
		}
	}
	SortSubscriptions(out)
	return out
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
