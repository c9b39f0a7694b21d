package chatsync

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// scrollLog records auto-scroll effects.
type scrollLog struct {
	mu  sync.Mutex
	ids []string
}

func (s *scrollLog) record(m Message) {
	s.mu.Lock()
	s.ids = append(s.ids, m.ID)
	s.mu.Unlock()
}

func (s *scrollLog) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func newTestThread(t *testing.T, b Backend, f Feed, c *Cache, opts ...ThreadOption) *Thread {
	t.Helper()
	th, err := NewThread(discardLogger(), b, f, c, "buyer-1", opts...)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	t.Cleanup(th.Close)
	return th
}

func stored(id, conv string, minute int) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "farmer-1",
		Content:        "text " + id,
		CreatedAt:      baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func TestThread_OpenLoadsAndSubscribes(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addMessage(stored("m2", "A", 2))
	b.addMessage(stored("m1", "A", 1))
	f := newFakeFeed()
	scrolls := &scrollLog{}
	th := newTestThread(t, b, f, NewCache(), WithAutoScroll(scrolls.record))

	if err := th.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s := th.Snapshot()
	if s.Status != StatusReady || s.ConversationID != "A" {
		t.Fatalf("snapshot = %+v", s)
	}
	if !slices.Equal(ids(s.Messages), []string{"m1", "m2"}) {
		t.Fatalf("messages = %v", ids(s.Messages))
	}
	if n := f.active("A"); n != 1 {
		t.Fatalf("subscriptions on A = %d", n)
	}
	if got := scrolls.get(); !slices.Equal(got, []string{"m2"}) {
		t.Fatalf("scrolls = %v", got)
	}
}

func TestThread_OpenValidatesID(t *testing.T) {
	t.Parallel()

	th := newTestThread(t, newFakeBackend(), newFakeFeed(), NewCache())
	if err := th.Open(context.Background(), "  "); !IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestThread_SubscribeRefused(t *testing.T) {
	t.Parallel()

	f := newFakeFeed()
	f.refuse["A"] = opErr("feed.subscribe", ErrUnauthorized, "not a participant")
	th := newTestThread(t, newFakeBackend(), f, NewCache())

	if err := th.Open(context.Background(), "A"); !IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	if s := th.Snapshot(); s.Status != StatusError || !IsUnauthorized(s.Err) {
		t.Fatalf("snapshot = %+v", s)
	}
}

// Switching A -> B while A's fetch is in flight: A's result must never show.
func TestThread_SupersededFetchIsDiscarded(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addMessage(stored("a1", "A", 1))
	b.addMessage(stored("b1", "B", 1))
	gate := b.gate("A")
	f := newFakeFeed()
	th := newTestThread(t, b, f, NewCache())

	openA := make(chan error, 1)
	go func() { openA <- th.Open(context.Background(), "A") }()
	waitFor(t, "fetch of A in flight", func() bool { return b.messageCalls("A") == 1 })

	if err := th.Open(context.Background(), "B"); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	close(gate)
	if err := <-openA; err != nil {
		t.Fatalf("superseded Open A returned %v", err)
	}

	s := th.Snapshot()
	if s.ConversationID != "B" || !slices.Equal(ids(s.Messages), []string{"b1"}) {
		t.Fatalf("snapshot = %+v", s)
	}
	if n := f.active("A"); n != 0 {
		t.Fatalf("A still subscribed (%d)", n)
	}
	if n := f.active("B"); n != 1 {
		t.Fatalf("subscriptions on B = %d", n)
	}
}

func TestThread_RealtimeInsert(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addMessage(stored("m1", "A", 1))
	f := newFakeFeed()
	c := NewCache()
	c.Write(ConversationsKey("buyer-1"), []v1.Conversation{})
	scrolls := &scrollLog{}
	th := newTestThread(t, b, f, c, WithAutoScroll(scrolls.record))

	if err := th.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.emit("A", insertEvent(stored("m3", "A", 3)))
	f.emit("A", insertEvent(stored("m2", "A", 2)))
	f.emit("A", insertEvent(stored("m3", "A", 3)))
	f.emit("A", insertEvent(stored("x1", "B", 9)))
	f.emit("A", ChangeEvent{EventType: v1.EventUpdate, Table: v1.TableMessages, Row: stored("m4", "A", 4)})

	s := th.Snapshot()
	if !slices.Equal(ids(s.Messages), []string{"m1", "m2", "m3"}) {
		t.Fatalf("messages = %v", ids(s.Messages))
	}
	// One scroll for the load and one per visible change; the duplicate adds none.
	if got := scrolls.get(); !slices.Equal(got, []string{"m1", "m3", "m3"}) {
		t.Fatalf("scrolls = %v", got)
	}

	e, _ := c.Read(ConversationsKey("buyer-1"))
	if !e.Stale {
		t.Fatal("conversation list was not invalidated")
	}
	if n := b.messageCalls("A"); n != 1 {
		t.Fatalf("realtime insert caused a refetch (%d calls)", n)
	}
}

func TestThread_CachedReopen(t *testing.T) {
	t.Parallel()

	now := baseTime
	b := newFakeBackend()
	b.addMessage(stored("m1", "A", 1))
	b.addMessage(stored("b1", "B", 1))
	c := NewCache(WithStaleAfter(time.Minute), WithCacheClock(func() time.Time { return now }))
	th := newTestThread(t, b, newFakeFeed(), c)
	ctx := context.Background()

	if err := th.Open(ctx, "A"); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	if err := th.Open(ctx, "B"); err != nil {
		t.Fatalf("Open B: %v", err)
	}

	// Fresh: shown from cache, no request.
	if err := th.Open(ctx, "A"); err != nil {
		t.Fatalf("reopen A: %v", err)
	}
	if s := th.Snapshot(); s.Status != StatusReady || !slices.Equal(ids(s.Messages), []string{"m1"}) {
		t.Fatalf("snapshot = %+v", s)
	}
	if n := b.messageCalls("A"); n != 1 {
		t.Fatalf("fresh reopen fetched (%d calls)", n)
	}

	// Stale: shown from cache at once, refreshed in the background.
	b.addMessage(stored("m2", "A", 2))
	gate := b.gate("A")
	now = now.Add(2 * time.Minute)
	if err := th.Open(ctx, "A"); err != nil {
		t.Fatalf("stale reopen A: %v", err)
	}
	if s := th.Snapshot(); s.Status != StatusReady || !slices.Equal(ids(s.Messages), []string{"m1"}) {
		t.Fatalf("snapshot before refresh = %+v", s)
	}
	close(gate)
	waitFor(t, "background refresh", func() bool {
		return slices.Equal(ids(th.Snapshot().Messages), []string{"m1", "m2"})
	})
}

func TestThread_ReconnectRefetches(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addMessage(stored("m1", "A", 1))
	f := newFakeFeed()
	th := newTestThread(t, b, f, NewCache())

	if err := th.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Missed while disconnected.
	b.addMessage(stored("m2", "A", 2))
	f.reconnect()

	waitFor(t, "refetch after reconnect", func() bool {
		return slices.Equal(ids(th.Snapshot().Messages), []string{"m1", "m2"})
	})
}

func TestThread_CloseReleases(t *testing.T) {
	t.Parallel()

	f := newFakeFeed()
	th := newTestThread(t, newFakeBackend(), f, NewCache())
	if err := th.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	th.Close()
	th.Close()

	if n := f.active("A"); n != 0 {
		t.Fatalf("subscriptions after close = %d", n)
	}
	if s := th.Snapshot(); s.ConversationID != "" || s.Status != StatusIdle {
		t.Fatalf("snapshot = %+v", s)
	}
}
