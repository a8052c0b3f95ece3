package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the default in-memory retention cap.
const DefaultMaxEvents = 10000

// MemoryStore is an in-memory Store holding events newest first, bounded to
// prevent unbounded growth. Thread-safe.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*Event
	maxEvents int
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMaxEvents sets the retention cap.
func WithMaxEvents(max int) MemoryStoreOption {
	return func(m *MemoryStore) {
		if max > 0 {
			m.maxEvents = max
		}
	}
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		events:    make([]*Event, 0),
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append records an audit event.
func (m *MemoryStore) Append(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Prepend; newest first.
	m.events = append([]*Event{copyEvent(event)}, m.events...)
	if len(m.events) > m.maxEvents {
		m.events = m.events[:m.maxEvents]
	}
	return nil
}

// Query retrieves matching events plus the total match count.
func (m *MemoryStore) Query(_ context.Context, opts QueryOptions) ([]*Event, int, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []*Event
	for _, e := range m.events {
		if matchesFilters(e, opts) {
			filtered = append(filtered, e)
		}
	}
	total := len(filtered)

	start := opts.Offset
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}

	result := make([]*Event, 0, end-start)
	for _, e := range filtered[start:end] {
		result = append(result, copyEvent(e))
	}
	return result, total, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
