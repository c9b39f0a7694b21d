package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// ConversationListSnapshot is what a conversation list renders.
type ConversationListSnapshot struct {
	Status        Status
	Conversations []v1.Conversation
	// SelectedID is highlighted when rendering; it is set by the parent.
	SelectedID string
	Err        error
	// FeedErr is set when the global subscription was refused; the list is then
	// loaded but not kept current by realtime events.
	FeedErr error
}

// Empty reports a successful load with no conversations (not an error).
func (s ConversationListSnapshot) Empty() bool {
	return s.Status == StatusReady && len(s.Conversations) == 0
}

// ConversationList keeps the signed-in user's conversations current.
//
// Every change event on the global feed invalidates the cached list and triggers
// a full re-fetch. Invalidations from elsewhere (the send pipeline, open threads)
// re-fetch the same way.
type ConversationList struct {
	log     *slog.Logger
	backend Backend
	feed    Feed
	cache   *Cache
	userID  string
	key     Key

	onSelect func(conversationID string)
	onChange func(ConversationListSnapshot)

	mu            sync.Mutex
	emitMu        sync.Mutex
	mounted       bool
	ctx           context.Context
	cancel        context.CancelFunc
	snap          ConversationListSnapshot
	sub           *Subscription
	stopCache     func()
	stopReconnect func()
	refreshing    bool
	again         bool
}

// ConversationListOption configures a ConversationList.
type ConversationListOption func(*ConversationList)

// WithSelectHandler sets the callback invoked by Select.
func WithSelectHandler(fn func(conversationID string)) ConversationListOption {
	return func(c *ConversationList) { c.onSelect = fn }
}

// WithListChangeHandler sets the callback invoked after every state change.
func WithListChangeHandler(fn func(ConversationListSnapshot)) ConversationListOption {
	return func(c *ConversationList) { c.onChange = fn }
}

// NewConversationList returns an Idle controller for userID.
func NewConversationList(log *slog.Logger, backend Backend, feed Feed, cache *Cache, userID string, opts ...ConversationListOption) (*ConversationList, error) {
	if backend == nil || feed == nil || cache == nil {
		return nil, errors.New("chatsync: conversation list needs backend, feed and cache")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, opErr("conversation_list.new", ErrUnauthorized, "no authenticated user")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &ConversationList{
		log:     log,
		backend: backend,
		feed:    feed,
		cache:   cache,
		userID:  userID,
		key:     ConversationsKey(userID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mount subscribes to the global feed and loads the list. Mounting twice is a no-op.
//
// A refused subscription does not prevent the load: the list is shown with
// FeedErr set, and Mount returns the subscription error joined with the load
// result. A failed load leaves the snapshot in StatusError.
func (c *ConversationList) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.snap = ConversationListSnapshot{Status: StatusLoading, SelectedID: c.snap.SelectedID}
	c.stopCache = c.cache.Subscribe(c.key, c.onCacheChange)
	c.stopReconnect = c.feed.OnReconnect(c.onReconnect)
	c.mu.Unlock()
	c.emit()

	sub, subErr := c.feed.Subscribe(ctx, v1.ScopeGlobal, c.onEvent)

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	if subErr != nil {
		c.snap.FeedErr = subErr
	} else {
		c.sub = sub
	}
	c.mu.Unlock()

	if subErr != nil {
		c.log.Error("conversation.list.subscribe.fail", "user_id", c.userID, "err", subErr)
		c.emit()
	}
	return errors.Join(subErr, c.load(ctx))
}

// Unmount releases the feed subscription and cache listener. Idempotent.
func (c *ConversationList) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.cancel()
	sub, stopCache, stopReconnect := c.sub, c.stopCache, c.stopReconnect
	c.sub, c.stopCache, c.stopReconnect = nil, nil, nil
	c.mu.Unlock()

	sub.Unsubscribe()
	if stopCache != nil {
		stopCache()
	}
	if stopReconnect != nil {
		stopReconnect()
	}
}

// Snapshot returns the current state.
func (c *ConversationList) Snapshot() ConversationListSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// SetSelected changes which conversation is highlighted.
func (c *ConversationList) SetSelected(conversationID string) {
	c.mu.Lock()
	c.snap.SelectedID = conversationID
	c.mu.Unlock()
	c.emit()
}

// Select reports a user's choice to the parent. The highlighted conversation only
// changes when the parent calls SetSelected.
func (c *ConversationList) Select(conversationID string) {
	if c.onSelect != nil {
		c.onSelect(conversationID)
	}
}

// Refresh invalidates the cached list and re-fetches it in the background.
func (c *ConversationList) Refresh() {
	c.cache.Invalidate(c.key)
	c.requestRefresh()
}

// onEvent refreshes the list. An inserted message is also merged into its thread
// when that thread is cached, so reopening it shows the message without waiting
// for the thread to go stale.
func (c *ConversationList) onEvent(ev ChangeEvent) {
	if ev.EventType == v1.EventInsert && (ev.Table == "" || ev.Table == v1.TableMessages) &&
		ev.Row.ID != "" && ev.Row.ConversationID != "" {
		row := Message{Message: ev.Row}
		c.cache.MergeExisting(MessagesKey(ev.Row.ConversationID), func(old any) any {
			return MergeMessages(messagesOf(old), row)
		})
	}
	c.Refresh()
}

func (c *ConversationList) onReconnect() {
	c.Refresh()
}

func (c *ConversationList) onCacheChange(_ Key, e Entry) {
	if e.Stale {
		c.requestRefresh()
		return
	}
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.snap.Status = StatusReady
	c.snap.Conversations = conversationsOf(e.Value)
	c.snap.Err = nil
	c.mu.Unlock()
	c.emit()
}

// requestRefresh runs load in the background; requests that arrive while one is
// in flight collapse into a single follow-up load.
func (c *ConversationList) requestRefresh() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	if c.refreshing {
		c.again = true
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		for {
			_ = c.load(ctx)

			c.mu.Lock()
			if !c.again || !c.mounted {
				c.refreshing = false
				c.again = false
				c.mu.Unlock()
				return
			}
			c.again = false
			c.mu.Unlock()
		}
	}()
}

func (c *ConversationList) load(ctx context.Context) error {
	e, err := c.cache.Fetch(ctx, c.key, func(ctx context.Context) (any, error) {
		return c.backend.GetConversations(ctx, c.userID)
	}, nil)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("conversation.list.load.fail", "user_id", c.userID, "err", err)
		}
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.snap.Status = StatusReady
	c.snap.Conversations = conversationsOf(e.Value)
	c.snap.Err = nil
	c.mu.Unlock()
	c.emit()
	return nil
}

// fail moves to StatusError, keeping the last known list for display.
func (c *ConversationList) fail(err error) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.snap.Status = StatusError
	c.snap.Err = err
	c.mu.Unlock()
	c.emit()
}

func (c *ConversationList) emit() {
	if c.onChange == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.onChange(c.Snapshot())
}

func conversationsOf(v any) []v1.Conversation {
	cs, _ := v.([]v1.Conversation)
	return cs
}
