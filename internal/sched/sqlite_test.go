package sched

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conversekit/converse/internal/idgen"
	"github.com/conversekit/converse/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*SQLiteStore, *fakeClock, *sql.DB, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	clock := newFakeClock()
	store := NewSQLiteStore(db, WithClock(clock.Now))
	return store, clock, db, closeFn
}

func TestAddEventRejectsInvalidRecur(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()

	_, err := store.AddEvent(context.Background(), EventInput{
		Kind:      "checkin",
		ChatID:    "chat-1",
		TriggerAt: clock.Now(),
		Recur:     "not a cron expr",
	})
	if !errors.Is(err, ErrInvalidRecur) {
		t.Fatalf("err = %v, want ErrInvalidRecur", err)
	}
}

func TestAddEventRejectsMissingFields(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	_, err := store.AddEvent(ctx, EventInput{ChatID: "chat-1", TriggerAt: clock.Now()})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("missing kind: err = %v, want ErrInvalidEvent", err)
	}
	_, err = store.AddEvent(ctx, EventInput{Kind: "checkin", TriggerAt: clock.Now()})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("missing chat id: err = %v, want ErrInvalidEvent", err)
	}
}

func TestClaimSkipsNotYetDueEvents(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	if _, err := store.AddEvent(ctx, EventInput{
		Kind:      "checkin",
		ChatID:    "chat-1",
		TriggerAt: clock.Now().Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("add event: %v", err)
	}

	events, err := store.ClaimPendingEvents(ctx, ClaimRequest{
		Window:  0,
		Limit:   10,
		Lease:   time.Minute,
		ClaimID: idgen.ClaimID(),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("claimed %d not-yet-due events, want 0", len(events))
	}

	// The same event is claimable once the window reaches it.
	events, err = store.ClaimPendingEvents(ctx, ClaimRequest{
		Window:  15 * time.Second,
		Limit:   10,
		Lease:   time.Minute,
		ClaimID: idgen.ClaimID(),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("claimed %d events within window, want 1", len(events))
	}
	if events[0].State != StateClaimed {
		t.Fatalf("state = %s, want claimed", events[0].State)
	}
}

func TestConcurrentClaimsAreDisjointAndComplete(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	const total = 24
	due := map[string]bool{}
	for i := 0; i < total; i++ {
		event, err := store.AddEvent(ctx, EventInput{
			Kind:      "checkin",
			ChatID:    "chat-1",
			TriggerAt: clock.Now().Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("add event: %v", err)
		}
		due[event.ID] = true
	}

	claimA := idgen.ClaimID()
	claimB := idgen.ClaimID()
	var gotA, gotB []Event
	var errA, errB error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		gotA, errA = store.ClaimPendingEvents(ctx, ClaimRequest{Window: 0, Limit: total, Lease: time.Minute, ClaimID: claimA})
	}()
	go func() {
		defer wg.Done()
		gotB, errB = store.ClaimPendingEvents(ctx, ClaimRequest{Window: 0, Limit: total, Lease: time.Minute, ClaimID: claimB})
	}()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("claim errors: %v, %v", errA, errB)
	}

	seen := map[string]string{}
	for _, event := range gotA {
		seen[event.ID] = claimA
	}
	for _, event := range gotB {
		if holder, dup := seen[event.ID]; dup {
			t.Fatalf("event %s claimed by both %s and %s", event.ID, holder, claimB)
		}
		seen[event.ID] = claimB
	}
	if len(seen) != total {
		t.Fatalf("union covers %d events, want %d", len(seen), total)
	}
	for id := range due {
		if _, ok := seen[id]; !ok {
			t.Fatalf("due event %s claimed by neither instance", id)
		}
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	event, err := store.AddEvent(ctx, EventInput{Kind: "checkin", ChatID: "chat-1", TriggerAt: clock.Now()})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}

	first := idgen.ClaimID()
	got, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: 30 * time.Second, ClaimID: first})
	if err != nil || len(got) != 1 {
		t.Fatalf("first claim: %v (%d events)", err, len(got))
	}

	// While the lease holds, nobody else may claim.
	second := idgen.ClaimID()
	got, err = store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: 30 * time.Second, ClaimID: second})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("claimed an event with an unexpired lease")
	}

	clock.Advance(31 * time.Second)
	got, err = store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: 30 * time.Second, ClaimID: second})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(got) != 1 || got[0].ID != event.ID || got[0].ClaimID != second {
		t.Fatalf("reclaim after expiry got %+v", got)
	}
}

func TestStaleReleaseIsNoOp(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	event, err := store.AddEvent(ctx, EventInput{Kind: "checkin", ChatID: "chat-1", TriggerAt: clock.Now()})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}

	stale := idgen.ClaimID()
	if _, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: time.Second, ClaimID: stale}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.Advance(2 * time.Second)
	fresh := idgen.ClaimID()
	got, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: time.Minute, ClaimID: fresh})
	if err != nil || len(got) != 1 {
		t.Fatalf("reclaim: %v (%d events)", err, len(got))
	}

	// The original holder's release must not revert the new claim.
	if err := store.ReleaseClaim(ctx, event.ID, stale); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	current, err := store.getEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if current.State != StateClaimed || current.ClaimID != fresh {
		t.Fatalf("stale release reverted the claim: state=%s claim=%s", current.State, current.ClaimID)
	}
}

func TestReleaseMakesEventClaimableAgain(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	event, err := store.AddEvent(ctx, EventInput{Kind: "checkin", ChatID: "chat-1", TriggerAt: clock.Now()})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}
	holder := idgen.ClaimID()
	if _, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: time.Minute, ClaimID: holder}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.ReleaseClaim(ctx, event.ID, holder); err != nil {
		t.Fatalf("release: %v", err)
	}
	current, err := store.getEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if current.State != StatePending || current.ClaimID != "" {
		t.Fatalf("after release: state=%s claim=%q, want pending with no claim", current.State, current.ClaimID)
	}
}

func TestMarkDeliveredIsIdempotentAndTerminal(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	event, err := store.AddEvent(ctx, EventInput{Kind: "checkin", ChatID: "chat-1", TriggerAt: clock.Now()})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}
	holder := idgen.ClaimID()
	if _, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: time.Minute, ClaimID: holder}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.MarkDelivered(ctx, event.ID, holder); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkDelivered(ctx, event.ID, holder); err != nil {
		t.Fatalf("second mark delivered: %v", err)
	}

	current, err := store.getEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if current.State != StateDelivered {
		t.Fatalf("state = %s, want delivered", current.State)
	}

	// Delivered events never come back from claims or pending reads.
	got, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 10, Lease: time.Minute, ClaimID: idgen.ClaimID()})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("claimed a delivered event")
	}
}

func TestMarkDeliveredSchedulesNextOccurrence(t *testing.T) {
	store, clock, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	event, err := store.AddEvent(ctx, EventInput{
		Kind:      "checkin",
		ChatID:    "chat-1",
		TriggerAt: clock.Now(),
		Recur:     "0 9 * * *",
	})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}
	holder := idgen.ClaimID()
	if _, err := store.ClaimPendingEvents(ctx, ClaimRequest{Limit: 1, Lease: time.Minute, ClaimID: holder}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDelivered(ctx, event.ID, holder); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	pending, err := store.GetPendingEvents(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending events after recurring delivery, want 1", len(pending))
	}
	next := pending[0]
	if next.ID == event.ID {
		t.Fatal("recurrence reused the delivered row instead of inserting a fresh one")
	}
	if next.Recur != event.Recur || next.ChatID != event.ChatID || next.Kind != event.Kind {
		t.Fatalf("next occurrence lost fields: %+v", next)
	}
	if !next.TriggerAt.After(clock.Now()) {
		t.Fatalf("next trigger %v is not in the future", next.TriggerAt)
	}
}

func TestSendCounters(t *testing.T) {
	store, clock, db, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	insert := func(chatID string, age time.Duration, gotReply bool) {
		t.Helper()
		reply := 0
		if gotReply {
			reply = 1
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO outbound_log (id, chat_id, kind, content, got_reply, sent_at) VALUES (?, ?, 'proactive', 'hello', ?, ?)`,
			idgen.New(), chatID, reply, clock.Now().Add(-age).UnixMilli())
		if err != nil {
			t.Fatalf("insert outbound row: %v", err)
		}
	}

	insert("chat-1", time.Hour, false)
	insert("chat-1", 2*time.Hour, false)
	insert("chat-1", 3*time.Hour, true)
	insert("chat-1", 4*time.Hour, false)
	insert("chat-2", 30*time.Hour, false)

	n, err := store.CountRecentSends(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("count recent: %v", err)
	}
	if n != 4 {
		t.Fatalf("CountRecentSends = %d, want 4", n)
	}

	ignored, err := store.CountIgnoredRecent(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("count ignored: %v", err)
	}
	if ignored != 2 {
		t.Fatalf("CountIgnoredRecent = %d, want 2 (stops at first replied send)", ignored)
	}
}
