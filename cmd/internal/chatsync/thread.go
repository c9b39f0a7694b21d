package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// ThreadSnapshot is what a message thread renders.
type ThreadSnapshot struct {
	ConversationID string
	Status         Status
	Messages       []Message
	Err            error
}

// Latest returns the newest message of the thread.
func (s ThreadSnapshot) Latest() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Thread shows the messages of one conversation at a time and keeps them current.
//
// Opening another conversation supersedes the previous one: its subscription is
// released and any of its loads still in flight are discarded when they return.
type Thread struct {
	log     *slog.Logger
	backend Backend
	feed    Feed
	cache   *Cache
	userID  string

	onChange func(ThreadSnapshot)
	onScroll func(latest Message)

	mu            sync.Mutex
	emitMu        sync.Mutex
	gen           uint64
	ctx           context.Context
	cancel        context.CancelFunc
	snap          ThreadSnapshot
	sub           *Subscription
	stopCache     func()
	stopReconnect func()
}

// ThreadOption configures a Thread.
type ThreadOption func(*Thread)

// WithThreadChangeHandler sets the callback invoked after every state change.
func WithThreadChangeHandler(fn func(ThreadSnapshot)) ThreadOption {
	return func(t *Thread) { t.onChange = fn }
}

// WithAutoScroll sets the callback invoked whenever the visible message sequence
// changes: initial load, realtime append, optimistic append and confirmation.
func WithAutoScroll(fn func(latest Message)) ThreadOption {
	return func(t *Thread) { t.onScroll = fn }
}

// NewThread returns an Idle thread for userID.
func NewThread(log *slog.Logger, backend Backend, feed Feed, cache *Cache, userID string, opts ...ThreadOption) (*Thread, error) {
	if backend == nil || feed == nil || cache == nil {
		return nil, errors.New("chatsync: thread needs backend, feed and cache")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, opErr("thread.new", ErrUnauthorized, "no authenticated user")
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Thread{
		log:     log,
		backend: backend,
		feed:    feed,
		cache:   cache,
		userID:  userID,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Open switches the thread to conversationID.
//
// Cached messages are shown immediately and refreshed in the background when they
// are no longer fresh. Without a cached thread Open waits for the first load and
// returns its error. A subscription refusal (ErrUnauthorized for a conversation the
// user is not part of) is returned as well.
func (t *Thread) Open(ctx context.Context, conversationID string) error {
	const op = "thread.open"
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return opErr(op, ErrValidation, "conversation id is required")
	}
	key := MessagesKey(conversationID)

	t.mu.Lock()
	t.gen++
	gen := t.gen
	prevSub, prevStop := t.sub, t.stopCache
	t.sub, t.stopCache = nil, nil
	if t.cancel != nil {
		t.cancel()
	}
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	bg := t.ctx
	if t.stopReconnect == nil {
		t.stopReconnect = t.feed.OnReconnect(t.onReconnect)
	}

	entry, ok := t.cache.Read(key)
	cached := ok && !entry.FetchedAt.IsZero()
	t.snap = ThreadSnapshot{ConversationID: conversationID, Status: StatusLoading}
	if cached {
		t.snap.Status = StatusReady
		t.snap.Messages = messagesOf(entry.Value)
	}
	t.stopCache = t.cache.Subscribe(key, func(_ Key, e Entry) { t.onCacheChange(gen, conversationID, e) })
	t.mu.Unlock()

	prevSub.Unsubscribe()
	if prevStop != nil {
		prevStop()
	}
	t.emit(cached)

	sub, err := t.feed.Subscribe(ctx, conversationID, func(ev ChangeEvent) { t.onEvent(conversationID, ev) })

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	if err != nil {
		t.snap.Status = StatusError
		t.snap.Err = err
		t.mu.Unlock()
		t.log.Error("thread.subscribe.fail", "conversation_id", conversationID, "err", err)
		t.emit(false)
		return err
	}
	t.sub = sub
	t.mu.Unlock()

	switch {
	case cached && entry.Fresh(t.cache.Now(), t.cache.StaleAfter()):
		return nil
	case cached:
		go func() { _ = t.fetch(bg, gen, conversationID) }()
		return nil
	default:
		return t.fetch(ctx, gen, conversationID)
	}
}

// Close releases the current conversation. Loads still in flight are discarded.
func (t *Thread) Close() {
	t.mu.Lock()
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	sub, stopCache, stopReconnect := t.sub, t.stopCache, t.stopReconnect
	t.sub, t.stopCache, t.stopReconnect = nil, nil, nil
	t.snap = ThreadSnapshot{}
	t.mu.Unlock()

	sub.Unsubscribe()
	if stopCache != nil {
		stopCache()
	}
	if stopReconnect != nil {
		stopReconnect()
	}
}

// Snapshot returns the current state.
func (t *Thread) Snapshot() ThreadSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Current returns the open conversation id, or "".
func (t *Thread) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.ConversationID
}

// fetch loads the thread into the cache. Results for a superseded generation are dropped.
func (t *Thread) fetch(ctx context.Context, gen uint64, conversationID string) error {
	e, err := t.cache.Fetch(ctx, MessagesKey(conversationID), func(ctx context.Context) (any, error) {
		msgs, err := t.backend.GetMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return MergeMessages(nil, Confirmed(msgs...)...), nil
	}, reconcileMessages)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.log.Debug("thread.fetch.discard", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		t.snap.Status = StatusError
		t.snap.Err = err
		t.mu.Unlock()
		if ctx.Err() == nil {
			t.log.Error("thread.load.fail", "conversation_id", conversationID, "err", err)
		}
		t.emit(false)
		return err
	}
	changed := t.applyLocked(messagesOf(e.Value))
	t.mu.Unlock()
	t.emit(changed)
	return nil
}

func (t *Thread) onCacheChange(gen uint64, conversationID string, e Entry) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	// Events merged before the first load completes are partial; the load reconciles them.
	if t.snap.Status == StatusLoading && e.FetchedAt.IsZero() {
		t.mu.Unlock()
		return
	}
	changed := t.applyLocked(messagesOf(e.Value))
	refetch := e.Stale && !e.FetchedAt.IsZero()
	bg := t.ctx
	t.mu.Unlock()

	t.emit(changed)
	if refetch {
		go func() { _ = t.fetch(bg, gen, conversationID) }()
	}
}

// onEvent merges an inserted message. Duplicates and reordering are absorbed by
// MergeMessages; the conversation list is invalidated for its preview.
func (t *Thread) onEvent(conversationID string, ev ChangeEvent) {
	if ev.Table != "" && ev.Table != v1.TableMessages {
		return
	}
	if ev.EventType != v1.EventInsert || ev.Row.ConversationID != conversationID || ev.Row.ID == "" {
		return
	}
	row := Message{Message: ev.Row}
	t.cache.Merge(MessagesKey(conversationID), func(old any, _ bool) any {
		return MergeMessages(messagesOf(old), row)
	})
	t.cache.Invalidate(ConversationsKey(t.userID))
}

func (t *Thread) onReconnect() {
	id := t.Current()
	if id == "" {
		return
	}
	t.cache.Invalidate(MessagesKey(id))
}

// applyLocked sets the visible messages and reports whether the sequence changed.
// t.mu must be held.
func (t *Thread) applyLocked(msgs []Message) bool {
	changed := t.snap.Status != StatusReady || !sameSequence(t.snap.Messages, msgs)
	t.snap.Status = StatusReady
	t.snap.Messages = msgs
	t.snap.Err = nil
	return changed
}

// emit notifies the change handler, and the scroll handler when the sequence changed.
func (t *Thread) emit(sequenceChanged bool) {
	if t.onChange == nil && t.onScroll == nil {
		return
	}
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	snap := t.Snapshot()
	if t.onChange != nil {
		t.onChange(snap)
	}
	if sequenceChanged && t.onScroll != nil {
		if latest, ok := snap.Latest(); ok {
			t.onScroll(latest)
		}
	}
}
