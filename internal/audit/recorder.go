package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultQueueSize bounds the recorder's in-flight event queue.
const DefaultQueueSize = 1024

// Recorder decouples audit writes from the request path. Events go into a
// bounded queue drained by a single worker goroutine; Record never blocks.
// When the queue is full the event is dropped and counted; losing an audit
// record is preferable to stalling authentication.
type Recorder struct {
	store  Store
	logger *slog.Logger

	queue   chan *Event
	dropped atomic.Int64

	// fallback throttles store-failure logging so a down database does not
	// flood the log at request rate.
	fallback *rate.Limiter

	// mu orders Record sends against Close: the queue is only closed once
	// no sender holds the read lock, and later Records see closed.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize sets the queue bound.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan *Event, n)
		}
	}
}

// NewRecorder creates and starts a Recorder draining into store.
func NewRecorder(store Store, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:    store,
		logger:   logger,
		queue:    make(chan *Event, DefaultQueueSize),
		fallback: rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record enqueues an event without blocking. On overflow, or after Close,
// the event is dropped and the drop counter incremented.
func (r *Recorder) Record(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to queue overflow.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and drains the queue into the store. Events
// recorded after Close are dropped, not panicked on; during shutdown the
// HTTP server may still be finishing requests when the recorder goes away.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.queue)
		<-r.done
	})
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.queue {
		r.append(event)
	}
}

// append writes one event. A store failure is logged on a throttled
// fallback channel and swallowed; the audit trail is best effort.
func (r *Recorder) append(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.Append(ctx, event); err != nil {
		if r.fallback.Allow() {
			r.logger.Error("audit append failed",
				"kind", string(event.Kind),
				"principal_id", event.PrincipalID,
				"error", err)
		}
	}
}

// RoleSyncEvent builds a role-sync audit event.
func RoleSyncEvent(principalID, provider string, detail map[string]any) *Event {
	return &Event{
		Kind:        KindRoleSync,
		PrincipalID: principalID,
		Provider:    provider,
		Timestamp:   time.Now().UTC(),
		Detail:      detail,
	}
}

// ProtectionEvent builds a protection-verdict audit event.
func ProtectionEvent(allowed bool, principalID string, detail map[string]any) *Event {
	kind := KindProtectionBlock
	if allowed {
		kind = KindProtectionAllow
	}
	return &Event{
		Kind:        kind,
		PrincipalID: principalID,
		Timestamp:   time.Now().UTC(),
		Detail:      detail,
	}
}
