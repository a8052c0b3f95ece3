package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	store := NewMemoryStore()

	e := &Event{Kind: KindRoleSync, PrincipalID: "p1", Provider: "entra"}
	if err := store.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*Event{
		{Kind: KindRoleSync, PrincipalID: "p1", Provider: "entra", Timestamp: base},
		{Kind: KindRoleSync, PrincipalID: "p2", Provider: "google", Timestamp: base.Add(time.Minute)},
		{Kind: KindProtectionBlock, PrincipalID: "p1", Timestamp: base.Add(2 * time.Minute)},
		{Kind: KindProtectionAllow, Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range events {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name string
		opts QueryOptions
		want int
	}{
		{"all", QueryOptions{}, 4},
		{"by principal", QueryOptions{PrincipalID: "p1"}, 2},
		{"by provider", QueryOptions{Provider: "google"}, 1},
		{"by kind", QueryOptions{Kind: KindRoleSync}, 2},
		{"principal and kind", QueryOptions{PrincipalID: "p1", Kind: KindProtectionBlock}, 1},
		{"since", QueryOptions{Since: timePtr(base.Add(90 * time.Second))}, 2},
		{"until", QueryOptions{Until: timePtr(base.Add(30 * time.Second))}, 1},
		{"window", QueryOptions{Since: timePtr(base.Add(time.Minute)), Until: timePtr(base.Add(2 * time.Minute))}, 2},
		{"no match", QueryOptions{PrincipalID: "p9"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := store.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != tt.want || total != tt.want {
				t.Errorf("got %d events (total %d), want %d", len(got), total, tt.want)
			}
		})
	}
}

func TestMemoryStore_NewestFirstAndPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := &Event{Kind: KindRoleSync, PrincipalID: "p1", Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, total, err := store.Query(ctx, QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("got %d of %d", len(page), total)
	}
	if !page[0].Timestamp.After(page[1].Timestamp) {
		t.Error("expected newest first")
	}

	rest, _, err := store.Query(ctx, QueryOptions{Limit: 10, Offset: 4})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("expected 1 event at offset 4, got %d", len(rest))
	}
	if !rest[0].Timestamp.Equal(base) {
		t.Errorf("expected the oldest event last, got %v", rest[0].Timestamp)
	}
}

func TestMemoryStore_Bounded(t *testing.T) {
	store := NewMemoryStore(WithMaxEvents(3))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Append(ctx, &Event{Kind: KindProtectionAllow}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	_, total, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 3 {
		t.Errorf("expected retention cap of 3, got %d", total)
	}
}

func TestMemoryStore_AppendCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	detail := map[string]any{"role": "admin"}
	e := &Event{Kind: KindRoleSync, PrincipalID: "p1", Detail: detail}
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Mutating the caller's map must not change the stored event.
	detail["role"] = "user"

	got, _, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got[0].Detail["role"] != "admin" {
		t.Errorf("stored detail mutated: %v", got[0].Detail)
	}
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = store.Append(ctx, &Event{Kind: KindProtectionAllow})
			}
		}()
	}
	wg.Wait()

	_, total, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1000 {
		t.Errorf("expected 1000 events, got %d", total)
	}
}

// blockingStore lets tests hold the recorder worker mid-append.
type blockingStore struct {
	*MemoryStore
	gate chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, event *Event) error {
	<-b.gate
	return b.MemoryStore.Append(ctx, event)
}

// failingStore always errors on Append.
type failingStore struct{ *MemoryStore }

func (f *failingStore) Append(context.Context, *Event) error {
	return errors.New("storage down")
}

func TestRecorder_DeliversToStore(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, slog.Default())

	rec.Record(RoleSyncEvent("p1", "entra", map[string]any{"role": "admin"}))
	rec.Record(ProtectionEvent(false, "", map[string]any{"reason": "rate_limited"}))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, total, err := store.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 events, got %d", total)
	}
	kinds := map[Kind]bool{}
	for _, e := range got {
		kinds[e.Kind] = true
	}
	if !kinds[KindRoleSync] || !kinds[KindProtectionBlock] {
		t.Errorf("unexpected kinds: %v", kinds)
	}
}

func TestRecorder_OverflowDropsWithoutBlocking(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{})}
	rec := NewRecorder(store, slog.Default(), WithQueueSize(2))

	// One event occupies the worker, two fill the queue, the rest drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			rec.Record(&Event{Kind: KindProtectionAllow})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked")
	}

	close(store.gate)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if rec.Dropped() == 0 {
		t.Error("expected drops to be counted")
	}
	_, total, _ := store.Query(context.Background(), QueryOptions{})
	if int64(total)+rec.Dropped() != 10 {
		t.Errorf("stored %d + dropped %d != 10", total, rec.Dropped())
	}
}

func TestRecorder_StoreFailureSwallowed(t *testing.T) {
	rec := NewRecorder(&failingStore{NewMemoryStore()}, slog.Default())

	// Must not panic or block even when every write fails.
	for i := 0; i < 20; i++ {
		rec.Record(&Event{Kind: KindRoleSync, PrincipalID: "p1"})
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRecorder_CloseDrains(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, slog.Default(), WithQueueSize(100))

	for i := 0; i < 50; i++ {
		rec.Record(&Event{Kind: KindProtectionAllow})
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, total, err := store.Query(context.Background(), QueryOptions{Limit: 1000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if int64(total)+rec.Dropped() != 50 {
		t.Errorf("stored %d + dropped %d != 50", total, rec.Dropped())
	}
}

func TestRecorder_RecordAfterCloseDrops(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, slog.Default())

	rec.Record(&Event{Kind: KindProtectionAllow})
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A request finishing during shutdown can still hit the recorder. The
	// late event must be dropped, not panic.
	rec.Record(&Event{Kind: KindProtectionBlock, PrincipalID: "p1"})
	if got := rec.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	_, total, err := store.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 {
		t.Errorf("stored %d events, want 1", total)
	}

	// Close stays idempotent.
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecorder_CloseConcurrentWithRecord(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, slog.Default(), WithQueueSize(4))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec.Record(&Event{Kind: KindProtectionAllow})
			}
		}()
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
}

func timePtr(t time.Time) *time.Time { return &t }
