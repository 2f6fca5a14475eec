package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/halcyonlabs/offsync/codec"
	"github.com/halcyonlabs/offsync/storage"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClock hands out strictly increasing timestamps so CreatedAt ordering
// is deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestQueue(t *testing.T, store storage.Store) (*Queue, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: testEpoch}
	q, err := New(context.Background(), store, &Options{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	return q, clock
}

func enqueue(t *testing.T, q *Queue, op Operation, entityType, entityID string, payload string) *Item {
	t.Helper()

	item, err := q.Enqueue(context.Background(), Item{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    []byte(payload),
		UpdatedAt:  testEpoch,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return item
}

func TestEnqueue_AssignsIdentity(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":3}`)

	if item.ID == "" {
		t.Error("expected assigned item ID")
	}
	if item.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
	if item.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", item.Attempts)
	}
	if !item.LastAttemptAt.IsZero() {
		t.Error("expected zero LastAttemptAt for a fresh item")
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	if _, err := q.Enqueue(context.Background(), Item{Operation: OpCreate}); err == nil {
		t.Error("expected error for missing entity identity")
	}
	if _, err := q.Enqueue(context.Background(), Item{
		EntityType: "mood_entry", EntityID: "e1", Operation: Operation("rename"),
	}); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestEnqueue_PersistsAcrossReopen(t *testing.T) {
	store := storage.NewMemoryStore()
	q, _ := newTestQueue(t, store)

	enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":3}`)
	enqueue(t, q, OpCreate, "journal_entry", "j1", `cipher`)

	reopened, _ := newTestQueue(t, store)
	if got := reopened.Len(); got != 2 {
		t.Errorf("Len after reopen = %d, want 2", got)
	}
}

func TestEnqueue_CoalescesUpdateChains(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	created := enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":2}`)
	updated := enqueue(t, q, OpUpdate, "mood_entry", "e1", `{"mood":4}`)

	if updated.ID != created.ID {
		t.Errorf("expected coalescing to keep identity, got %q and %q", created.ID, updated.ID)
	}
	if updated.Operation != OpCreate {
		t.Errorf("Operation = %q, want create (payload replaced in place)", updated.Operation)
	}
	if string(updated.Payload) != `{"mood":4}` {
		t.Errorf("Payload = %s, want final state", updated.Payload)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestEnqueue_CoalescingPreservesAttempts(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":2}`)
	if err := q.RecordFailure(ctx, item.ID, fmt.Errorf("500")); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	coalesced := enqueue(t, q, OpUpdate, "mood_entry", "e1", `{"mood":4}`)
	if coalesced.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (kept through coalescing)", coalesced.Attempts)
	}
}

func TestEnqueue_DeleteCancelsPendingUpdates(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	// An update with no pending create means the entity exists remotely.
	enqueue(t, q, OpUpdate, "mood_entry", "e1", `{"mood":4}`)
	deleted := enqueue(t, q, OpDelete, "mood_entry", "e1", "")

	if deleted == nil {
		t.Fatal("expected delete to be enqueued")
	}

	items := q.Items()
	if len(items) != 1 {
		t.Fatalf("Len = %d, want 1", len(items))
	}
	if items[0].Operation != OpDelete {
		t.Errorf("Operation = %q, want delete", items[0].Operation)
	}
}

func TestEnqueue_DeleteAnnihilatesUnackedCreate(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":4}`)
	enqueue(t, q, OpUpdate, "mood_entry", "e1", `{"mood":5}`)

	deleted, err := q.Enqueue(context.Background(), Item{
		EntityType: "mood_entry", EntityID: "e1", Operation: OpDelete,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The server never saw the entity, so nothing ships: no create, no delete.
	if deleted != nil {
		t.Errorf("expected annihilation, got queued item %+v", deleted)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestEnqueue_DuplicateDeleteDropped(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	enqueue(t, q, OpUpdate, "mood_entry", "e1", `{"mood":4}`)
	first := enqueue(t, q, OpDelete, "mood_entry", "e1", "")
	if first == nil {
		t.Fatal("expected first delete queued")
	}

	second, err := q.Enqueue(context.Background(), Item{
		EntityType: "mood_entry", EntityID: "e1", Operation: OpDelete,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second != nil {
		t.Error("expected duplicate delete to be dropped")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestEnqueue_IndependentEntitiesDoNotCoalesce(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":1}`)
	enqueue(t, q, OpCreate, "mood_entry", "e2", `{"mood":2}`)
	enqueue(t, q, OpCreate, "journal_entry", "e1", `cipher`)

	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
}

func TestEligible_BackoffWindows(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":3}`)

	// Never attempted: always eligible.
	if got := q.Eligible(testEpoch.Add(-time.Hour)); len(got) != 1 {
		t.Fatalf("Eligible(never attempted) = %d items, want 1", len(got))
	}

	tests := []struct {
		attempts int
		window   time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempts=%d", tt.attempts), func(t *testing.T) {
			if err := q.RecordFailure(ctx, item.ID, fmt.Errorf("500")); err != nil {
				t.Fatalf("RecordFailure failed: %v", err)
			}
			lastAttempt := q.Items()[0].LastAttemptAt

			if got := q.Eligible(lastAttempt.Add(tt.window - time.Millisecond)); len(got) != 0 {
				t.Errorf("eligible before window elapsed")
			}
			if got := q.Eligible(lastAttempt.Add(tt.window)); len(got) != 1 {
				t.Errorf("not eligible after window elapsed")
			}
		})
	}
}

func TestEligible_TerminalExcluded(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{"mood":3}`)
	for i := 0; i < 5; i++ {
		if err := q.RecordFailure(ctx, item.ID, fmt.Errorf("500")); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	if got := q.Eligible(testEpoch.Add(24 * time.Hour)); len(got) != 0 {
		t.Errorf("terminally-failed item still eligible: %v", got)
	}

	stats := q.Stats()
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Errorf("Stats = %+v, want 1 failed, 0 pending", stats)
	}

	// Manual retry resets the budget.
	if err := q.RetryNow(ctx, item.ID); err != nil {
		t.Fatalf("RetryNow failed: %v", err)
	}
	if got := q.Eligible(testEpoch); len(got) != 1 {
		t.Errorf("item not eligible after manual retry")
	}
	if got := q.Items()[0]; got.Attempts != 0 || got.LastError != "" {
		t.Errorf("RetryNow left stale state: %+v", got)
	}
}

func TestEligible_FIFOWithinQueue(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())

	enqueue(t, q, OpCreate, "mood_entry", "a", `{}`)
	enqueue(t, q, OpCreate, "mood_entry", "b", `{}`)
	enqueue(t, q, OpCreate, "mood_entry", "c", `{}`)

	got := q.Eligible(testEpoch.Add(time.Hour))
	if len(got) != 3 {
		t.Fatalf("Eligible = %d items, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].EntityID != want {
			t.Errorf("Eligible[%d].EntityID = %q, want %q", i, got[i].EntityID, want)
		}
	}
}

func TestRecordFailure_TracksDiagnostics(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{}`)
	if err := q.RecordFailure(ctx, item.ID, fmt.Errorf("connection reset")); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	got := q.Items()[0]
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.LastAttemptAt.IsZero() {
		t.Error("LastAttemptAt not stamped")
	}
	if got.LastError != "connection reset" {
		t.Errorf("LastError = %q, want diagnostic", got.LastError)
	}

	if err := q.RecordFailure(ctx, "nope", fmt.Errorf("x")); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("RecordFailure(unknown) = %v, want ErrItemNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	store := storage.NewMemoryStore()
	q, _ := newTestQueue(t, store)
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{}`)
	if err := q.Remove(ctx, item.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}

	// Removal is persisted.
	reopened, _ := newTestQueue(t, store)
	if reopened.Len() != 0 {
		t.Errorf("Len after reopen = %d, want 0", reopened.Len())
	}

	if err := q.Remove(ctx, item.ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Remove(removed) = %v, want ErrItemNotFound", err)
	}
}

func TestMarkTerminal(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "e1", `{}`)
	if err := q.MarkTerminal(ctx, item.ID, "payload rejected: 422"); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	if got := q.Eligible(testEpoch.Add(time.Hour)); len(got) != 0 {
		t.Error("terminal item still eligible")
	}
	if got := q.Items()[0]; got.LastError != "payload rejected: 422" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if stats := q.Stats(); stats.Failed != 1 {
		t.Errorf("Stats.Failed = %d, want 1", stats.Failed)
	}
}

func TestQueue_MsgpackCodec(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: testEpoch}
	opts := &Options{Codec: codec.Msgpack{}, Clock: clock.Now}

	q, err := New(context.Background(), store, opts)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}

	if _, err := q.Enqueue(context.Background(), Item{
		EntityType: "journal_entry",
		EntityID:   "j1",
		Operation:  OpCreate,
		Payload:    []byte{0x01, 0x02, 0xff},
		Encrypted:  true,
		UpdatedAt:  testEpoch,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	reopened, err := New(context.Background(), store, &Options{Codec: codec.Msgpack{}, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to reopen queue: %v", err)
	}

	items := reopened.Items()
	if len(items) != 1 {
		t.Fatalf("Len after reopen = %d, want 1", len(items))
	}
	if !items[0].Encrypted || string(items[0].Payload) != string([]byte{0x01, 0x02, 0xff}) {
		t.Errorf("round-tripped item mismatch: %+v", items[0])
	}
}

func TestQueue_CorruptBlob(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, "offsync:queue", []byte("not json")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := New(ctx, store, nil); err == nil {
		t.Error("expected error opening queue over corrupt blob")
	}
}

func TestClaimEligible_MarksInFlight(t *testing.T) {
	q, clock := newTestQueue(t, storage.NewMemoryStore())
	enqueue(t, q, OpCreate, "mood_entry", "m1", `{"mood":2}`)

	claimed := q.ClaimEligible(clock.Now())
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}

	// a second claim while the first is unsettled gets nothing
	if again := q.ClaimEligible(clock.Now()); len(again) != 0 {
		t.Errorf("second claim returned %d items, want 0", len(again))
	}

	q.Release(claimed[0].ID)
	if again := q.ClaimEligible(clock.Now()); len(again) != 1 {
		t.Errorf("claim after release returned %d items, want 1", len(again))
	}
}

func TestEnqueue_AppendsBehindInFlightSibling(t *testing.T) {
	q, clock := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	created := enqueue(t, q, OpCreate, "mood_entry", "m1", `{"mood":2}`)

	claimed := q.ClaimEligible(clock.Now())
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}

	// the edit lands while the create is on the wire
	appended, err := q.Enqueue(ctx, Item{
		EntityType: "mood_entry",
		EntityID:   "m1",
		Operation:  OpUpdate,
		Payload:    []byte(`{"mood":4}`),
		UpdatedAt:  testEpoch.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if appended.ID == created.ID {
		t.Fatal("update coalesced into an in-flight item")
	}
	items := q.Items()
	if len(items) != 2 {
		t.Fatalf("Len = %d, want the in-flight create plus the new update", len(items))
	}
	if string(items[0].Payload) != `{"mood":2}` {
		t.Errorf("in-flight payload mutated: %s", items[0].Payload)
	}
	if items[1].Operation != OpUpdate || string(items[1].Payload) != `{"mood":4}` {
		t.Errorf("appended item = %+v", items[1])
	}
}

func TestEnqueue_DeleteFollowsInFlightCreate(t *testing.T) {
	q, clock := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	created := enqueue(t, q, OpCreate, "mood_entry", "m1", `{"mood":2}`)

	if claimed := q.ClaimEligible(clock.Now()); len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}

	// the create will reach the server, so the delete must ship after it
	// rather than annihilate it
	deleted, err := q.Enqueue(ctx, Item{
		EntityType: "mood_entry",
		EntityID:   "m1",
		Operation:  OpDelete,
		UpdatedAt:  testEpoch.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if deleted == nil {
		t.Fatal("delete was annihilated against an in-flight create")
	}

	items := q.Items()
	if len(items) != 2 {
		t.Fatalf("Len = %d, want create then delete", len(items))
	}
	if items[0].ID != created.ID || items[1].Operation != OpDelete {
		t.Errorf("queue order = [%s %s], want the create followed by the delete",
			items[0].Operation, items[1].Operation)
	}
	if !items[0].CreatedAt.Before(items[1].CreatedAt) {
		t.Error("delete must sort behind the create")
	}
}

func TestAcknowledge_RemovesDeliveredVersion(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "m1", `{"mood":2}`)

	removed, err := q.Acknowledge(ctx, item.ID, item.UpdatedAt)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !removed {
		t.Error("unmodified item should be removed on acknowledgement")
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}

	if _, err := q.Acknowledge(ctx, item.ID, item.UpdatedAt); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("err = %v, want ErrItemNotFound", err)
	}
}

func TestAcknowledge_KeepsSupersededItem(t *testing.T) {
	q, _ := newTestQueue(t, storage.NewMemoryStore())
	ctx := context.Background()

	item := enqueue(t, q, OpCreate, "mood_entry", "m1", `{"mood":2}`)
	if err := q.RecordFailure(ctx, item.ID, fmt.Errorf("timeout")); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	// a newer payload coalesces in before the old version's ack arrives
	newer, err := q.Enqueue(ctx, Item{
		EntityType: "mood_entry",
		EntityID:   "m1",
		Operation:  OpUpdate,
		Payload:    []byte(`{"mood":4}`),
		UpdatedAt:  item.UpdatedAt.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if newer.ID != item.ID {
		t.Fatal("expected the update to coalesce into the pending create")
	}

	removed, err := q.Acknowledge(ctx, item.ID, item.UpdatedAt)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if removed {
		t.Fatal("acknowledging a superseded version must not drop the item")
	}

	items := q.Items()
	if len(items) != 1 {
		t.Fatalf("Len = %d, want 1", len(items))
	}
	kept := items[0]
	if string(kept.Payload) != `{"mood":4}` {
		t.Errorf("Payload = %s, newer version must survive", kept.Payload)
	}
	if kept.Operation != OpUpdate {
		t.Errorf("Operation = %s, delivered create should become an update", kept.Operation)
	}
	if kept.Attempts != 0 || kept.LastError != "" {
		t.Errorf("attempt state = %d/%q, want a fresh budget after a delivered version", kept.Attempts, kept.LastError)
	}
}
