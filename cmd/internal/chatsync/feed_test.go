package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/messaging"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/realtime"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// testServer is the messaging API plus change feed, in memory.
type testServer struct {
	url string
	svc *messaging.Service

	mu      sync.Mutex
	cancels []context.CancelFunc
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := discardLogger()
	store := messaging.NewInMemoryStore()
	hub := realtime.NewHub(log, nil)
	broker := realtime.NewLocalBroker(nil)
	t.Cleanup(broker.Subscribe(hub.Dispatch))

	svc := messaging.NewService(log, store, messaging.WithPublisher(realtime.Publisher{Broker: broker}))
	err := svc.SeedProfiles(context.Background(), []v1.Profile{
		{ID: "buyer-1", FirstName: "Bea", LastName: "Martin"},
		{ID: "farmer-1", FirstName: "Ana", LastName: "Lopes"},
		{ID: "farmer-2", FirstName: "Ben", LastName: "Okafor"},
	})
	if err != nil {
		t.Fatalf("SeedProfiles: %v", err)
	}

	api, err := messaging.NewHandler(log, svc, token.Authenticator{Key: testKey})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	gw, err := realtime.NewWSGateway(log, hub, store, token.Authenticator{Key: testKey, AllowQuery: true}, realtime.DefaultGatewayConfig(), nil)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	s := &testServer{svc: svc}
	mux := http.NewServeMux()
	api.Register(mux)
	// Sessions run on a cancellable context so tests can drop them.
	mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()
		gw.ServeHTTP(w, r.WithContext(ctx))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	s.url = ts.URL
	return s
}

func (s *testServer) dropSessions() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *testServer) feedURL() string {
	return "ws" + strings.TrimPrefix(s.url, "http") + "/v1/realtime"
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	tok, err := token.Issue(testKey, userID, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("token.Issue: %v", err)
	}
	return tok
}

func newTestFeed(t *testing.T, s *testServer, userID string) *WSFeed {
	t.Helper()
	f, err := NewWSFeed(discardLogger(), WSFeedConfig{
		URL:            s.feedURL(),
		Token:          issue(t, userID),
		ReconnectBase:  10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
		ReconnectReset: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewWSFeed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// eventSink collects events delivered to a subscription.
type eventSink struct {
	mu  sync.Mutex
	evs []ChangeEvent
}

func (s *eventSink) add(ev ChangeEvent) {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
}

func (s *eventSink) has(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.evs {
		if ev.Row.ID == messageID {
			return true
		}
	}
	return false
}

func TestNewWSFeed_RequiresWSURL(t *testing.T) {
	t.Parallel()

	if _, err := NewWSFeed(nil, WSFeedConfig{URL: "http://x/v1/realtime"}); !IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestWSFeed_DeliversChanges(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()
	convID, err := s.svc.StartConversation(ctx, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	f := newTestFeed(t, s, "buyer-1")
	global, conv := &eventSink{}, &eventSink{}
	gsub, err := f.Subscribe(ctx, v1.ScopeGlobal, global.add)
	if err != nil {
		t.Fatalf("Subscribe global: %v", err)
	}
	defer gsub.Unsubscribe()
	csub, err := f.Subscribe(ctx, convID, conv.add)
	if err != nil {
		t.Fatalf("Subscribe conversation: %v", err)
	}
	if f.State() != FeedConnected {
		t.Fatalf("state = %v", f.State())
	}

	msg, err := s.svc.SendMessage(ctx, "farmer-1", convID, "Tomatoes are ready")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "global event", func() bool { return global.has(msg.ID) })
	waitFor(t, "conversation event", func() bool { return conv.has(msg.ID) })

	conv.mu.Lock()
	ev := conv.evs[0]
	conv.mu.Unlock()
	if ev.EventType != v1.EventInsert || ev.Table != v1.TableMessages || ev.Row.Content != "Tomatoes are ready" {
		t.Fatalf("event = %+v", ev)
	}

	csub.Unsubscribe()
	csub.Unsubscribe()
	msg2, err := s.svc.SendMessage(ctx, "buyer-1", convID, "Great")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "global event after unsubscribe", func() bool { return global.has(msg2.ID) })
	if conv.has(msg2.ID) {
		t.Fatal("event delivered after Unsubscribe")
	}
}

func TestWSFeed_GlobalScopeIsFiltered(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()
	other, err := s.svc.StartConversation(ctx, "farmer-1", "farmer-2")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	mine, err := s.svc.StartConversation(ctx, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	f := newTestFeed(t, s, "buyer-1")
	sink := &eventSink{}
	if _, err := f.Subscribe(ctx, v1.ScopeGlobal, sink.add); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	hidden, _ := s.svc.SendMessage(ctx, "farmer-1", other, "private")
	visible, _ := s.svc.SendMessage(ctx, "farmer-1", mine, "hello")
	waitFor(t, "own conversation event", func() bool { return sink.has(visible.ID) })
	if sink.has(hidden.ID) {
		t.Fatal("received an event from a conversation the user is not in")
	}
}

func TestWSFeed_RefusesForeignConversation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()
	other, err := s.svc.StartConversation(ctx, "farmer-1", "farmer-2")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	f := newTestFeed(t, s, "buyer-1")
	if _, err := f.Subscribe(ctx, other, func(ChangeEvent) {}); !IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestWSFeed_BadToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	f, err := NewWSFeed(discardLogger(), WSFeedConfig{URL: s.feedURL(), Token: "forged"})
	if err != nil {
		t.Fatalf("NewWSFeed: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Subscribe(context.Background(), v1.ScopeGlobal, func(ChangeEvent) {}); !IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestWSFeed_ReconnectResubscribes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()
	convID, err := s.svc.StartConversation(ctx, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	f := newTestFeed(t, s, "buyer-1")
	var reconnects atomic.Int32
	f.OnReconnect(func() { reconnects.Add(1) })

	sink := &eventSink{}
	if _, err := f.Subscribe(ctx, convID, sink.add); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	s.dropSessions()
	waitFor(t, "reconnect hook", func() bool { return reconnects.Load() == 1 })
	if f.State() != FeedConnected {
		t.Fatalf("state = %v", f.State())
	}

	// The resubscribe races the hook; keep sending until an event lands.
	waitFor(t, "event after reconnect", func() bool {
		msg, err := s.svc.SendMessage(ctx, "farmer-1", convID, "still there?")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		return sink.has(msg.ID)
	})
}

func TestWSFeed_CloseStops(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	f := newTestFeed(t, s, "buyer-1")
	if _, err := f.Subscribe(context.Background(), v1.ScopeGlobal, func(ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.State() != FeedClosed {
		t.Fatalf("state = %v", f.State())
	}
	if _, err := f.Subscribe(context.Background(), v1.ScopeGlobal, func(ChangeEvent) {}); err == nil {
		t.Fatal("Subscribe after Close succeeded")
	}
}

// Two clients against a real server: the buyer sends, the farmer's open thread and
// both conversation lists converge.
func TestSync_TwoClients(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()

	type client struct {
		list   *ConversationList
		thread *Thread
		sender *Sender
	}
	newClient := func(userID string) client {
		b, err := NewHTTPBackend(s.url, issue(t, userID))
		if err != nil {
			t.Fatalf("NewHTTPBackend: %v", err)
		}
		f := newTestFeed(t, s, userID)
		c := NewCache()

		list, err := NewConversationList(discardLogger(), b, f, c, userID)
		if err != nil {
			t.Fatalf("NewConversationList: %v", err)
		}
		t.Cleanup(list.Unmount)
		th, err := NewThread(discardLogger(), b, f, c, userID)
		if err != nil {
			t.Fatalf("NewThread: %v", err)
		}
		t.Cleanup(th.Close)
		snd, err := NewSender(discardLogger(), b, c, userID)
		if err != nil {
			t.Fatalf("NewSender: %v", err)
		}
		return client{list: list, thread: th, sender: snd}
	}

	buyerBackend, err := NewHTTPBackend(s.url, issue(t, "buyer-1"))
	if err != nil {
		t.Fatalf("NewHTTPBackend: %v", err)
	}
	convID, err := buyerBackend.FindOrCreateConversation(ctx, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	buyer, farmer := newClient("buyer-1"), newClient("farmer-1")
	for _, c := range []client{buyer, farmer} {
		if err := c.list.Mount(ctx); err != nil {
			t.Fatalf("Mount: %v", err)
		}
		if err := c.thread.Open(ctx, convID); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	msg, err := buyer.sender.Send(ctx, convID, "Bonjour")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	for name, c := range map[string]client{"buyer": buyer, "farmer": farmer} {
		waitFor(t, name+" thread", func() bool {
			msgs := c.thread.Snapshot().Messages
			return len(msgs) == 1 && msgs[0].ID == msg.ID && !msgs[0].Pending
		})
		waitFor(t, name+" list preview", func() bool {
			cs := c.list.Snapshot().Conversations
			return len(cs) == 1 && cs[0].LastMessage != nil && cs[0].LastMessage.Content == "Bonjour"
		})
	}

	got, err := buyerBackend.SearchUsers(ctx, "ana", "buyer-1")
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(got) != 1 || got[0].ID != "farmer-1" {
		t.Fatalf("search = %+v", got)
	}
}
