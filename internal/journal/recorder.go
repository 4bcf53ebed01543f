package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/observability"
)

const (
	defaultRecorderBuffer = 256
	recordTimeout         = 5 * time.Second
)

// RecorderOptions configures a Recorder. Metadata is attached to every entry.
type RecorderOptions struct {
	Buffer   int
	Metadata map[string]string
	Logger   observability.Logger
}

// Recorder writes lifecycle events to a Store on its own goroutine. Store failures
// are logged and the event is dropped.
type Recorder struct {
	store    Store
	logger   observability.Logger
	metadata map[string]string
	queue    chan Entry
	wg       conc.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	r := &Recorder{
		store:    store,
		logger:   logger,
		metadata: cloneMetadata(opts.Metadata),
		queue:    make(chan Entry, buffer),
	}
	r.wg.Go(r.run)
	return r
}

// Record queues evt. It reports false when the recorder is closed or its queue is full.
func (r *Recorder) Record(evt schema.OrderEvent) bool {
	entry := EntryOf(evt)
	entry.ID = uuid.NewString()
	entry.Metadata = r.metadata

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- entry:
		return true
	default:
		r.logger.Warn("journal queue full",
			observability.F("order_id", evt.OrderID),
			observability.F("status", string(evt.Status)))
		return false
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) run() {
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := r.store.RecordEvent(ctx, entry)
		cancel()
		if err != nil {
			r.logger.Error("journal record failed",
				observability.Err(err),
				observability.F("order_id", entry.OrderID),
				observability.F("status", string(entry.Status)))
		}
	}
}
