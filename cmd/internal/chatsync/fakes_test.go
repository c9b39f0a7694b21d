package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeBackend is an in-memory Backend with call counters and per-conversation gates.
type fakeBackend struct {
	mu            sync.Mutex
	conversations map[string][]v1.Conversation
	messages      map[string][]v1.Message
	seq           int

	convCalls int
	msgCalls  map[string]int
	sendCalls int

	convErr error
	msgErr  error
	sendErr error

	// gates block GetMessages for a conversation until the channel is closed.
	gates map[string]chan struct{}
	// beforeSendReturn runs after the message is stored, before SendMessage returns.
	beforeSendReturn func(v1.Message)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: make(map[string][]v1.Conversation),
		messages:      make(map[string][]v1.Message),
		msgCalls:      make(map[string]int),
		gates:         make(map[string]chan struct{}),
	}
}

func (b *fakeBackend) addConversation(userID string, c v1.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[userID] = append(b.conversations[userID], c)
}

func (b *fakeBackend) addMessage(m v1.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
}

func (b *fakeBackend) gate(conversationID string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	b.gates[conversationID] = ch
	return ch
}

func (b *fakeBackend) GetConversations(_ context.Context, userID string) ([]v1.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convCalls++
	if b.convErr != nil {
		return nil, b.convErr
	}
	return append([]v1.Conversation(nil), b.conversations[userID]...), nil
}

func (b *fakeBackend) GetMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	b.mu.Lock()
	b.msgCalls[conversationID]++
	gate := b.gates[conversationID]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgErr != nil {
		return nil, b.msgErr
	}
	return append([]v1.Message(nil), b.messages[conversationID]...), nil
}

func (b *fakeBackend) FindOrCreateConversation(_ context.Context, userID, otherUserID string) (string, error) {
	return "conv-" + userID + "-" + otherUserID, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, conversationID, senderID, content string) (v1.Message, error) {
	b.mu.Lock()
	b.sendCalls++
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return v1.Message{}, err
	}
	b.seq++
	m := v1.Message{
		ID:             fmt.Sprintf("m%03d", b.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      baseTime.Add(time.Duration(b.seq) * time.Minute),
	}
	b.messages[conversationID] = append(b.messages[conversationID], m)
	for user, cs := range b.conversations {
		for i := range cs {
			if cs[i].ID == conversationID {
				b.conversations[user][i].LastMessage = &v1.MessagePreview{Content: content, CreatedAt: m.CreatedAt}
			}
		}
	}
	hook := b.beforeSendReturn
	b.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (b *fakeBackend) SearchUsers(context.Context, string, string) ([]v1.ChatUserProfile, error) {
	return []v1.ChatUserProfile{}, nil
}

func (b *fakeBackend) conversationCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.convCalls
}

func (b *fakeBackend) messageCalls(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgCalls[conversationID]
}

// fakeFeed records subscriptions and lets tests push events and reconnects.
type fakeFeed struct {
	mu     sync.Mutex
	subs   map[int]fakeSub
	hooks  map[int]func()
	nextID int
	refuse map[string]error
}

type fakeSub struct {
	scope string
	fn    func(ChangeEvent)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:   make(map[int]fakeSub),
		hooks:  make(map[int]func()),
		refuse: make(map[string]error),
	}
}

func (f *fakeFeed) Subscribe(_ context.Context, scope string, fn func(ChangeEvent)) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refuse[scope]; err != nil {
		return nil, err
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = fakeSub{scope: scope, fn: fn}
	return NewSubscription(func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}), nil
}

func (f *fakeFeed) OnReconnect(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.hooks[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.hooks, id)
		f.mu.Unlock()
	}
}

// emit delivers ev to every subscription of scope.
func (f *fakeFeed) emit(scope string, ev ChangeEvent) {
	f.mu.Lock()
	var fns []func(ChangeEvent)
	for _, s := range f.subs {
		if s.scope == scope {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeFeed) reconnect() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.hooks))
	for _, fn := range f.hooks {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeFeed) active(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.scope == scope {
			n++
		}
	}
	return n
}

func insertEvent(m v1.Message) ChangeEvent {
	return ChangeEvent{EventType: v1.EventInsert, Table: v1.TableMessages, Row: m}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
