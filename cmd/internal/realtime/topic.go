package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

const conversationTopicPrefix = "conversation:"

// TopicForScope maps a subscription scope to its hub topic:
// ScopeGlobal -> "global", a conversation id -> "conversation:<id>".
func TopicForScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == v1.ScopeGlobal {
		return v1.ScopeGlobal
	}
	return conversationTopicPrefix + scope
}

// Topic is an in-memory subscription set with non-blocking fanout.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Topic struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]subscriber // session_id + "/" + subscription_id
}

type subscriber struct {
	client         *Client
	subscriptionID string
}

// NewTopic constructs a topic.
func NewTopic(log *slog.Logger, name string) *Topic {
	return &Topic{
		log:     log,
		Name:    name,
		members: make(map[string]subscriber),
	}
}

func memberKey(sessionID, subscriptionID string) string {
	return sessionID + "/" + subscriptionID
}

// Add registers a client subscription. It reports false if it already existed.
func (t *Topic) Add(client *Client, subscriptionID string) bool {
	if t == nil || client == nil || client.SessionID == "" || subscriptionID == "" {
		return false
	}
	key := memberKey(client.SessionID, subscriptionID)

	t.mu.Lock()
	_, exists := t.members[key]
	t.members[key] = subscriber{client: client, subscriptionID: subscriptionID}
	t.mu.Unlock()

	if !exists {
		t.log.Debug("topic.subscribe", "topic", t.Name, "session_id", client.SessionID, "subscription_id", subscriptionID)
	}
	return !exists
}

// Remove drops a client subscription and reports whether it was present.
func (t *Topic) Remove(sessionID, subscriptionID string) bool {
	if t == nil {
		return false
	}
	key := memberKey(sessionID, subscriptionID)

	t.mu.Lock()
	_, ok := t.members[key]
	delete(t.members, key)
	t.mu.Unlock()

	if ok {
		t.log.Debug("topic.unsubscribe", "topic", t.Name, "session_id", sessionID, "subscription_id", subscriptionID)
	}
	return ok
}

// Len returns the number of subscriptions.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast sends ev to every subscriber accepted by allow (nil = all), tagging each
// envelope with that subscriber's subscription id.
// Non-blocking: if a subscriber queue is full or the client is shutting down, it is dropped.
// It returns the delivered and dropped counts.
func (t *Topic) Broadcast(ev ChangeEvent, allow func(*Client) bool, now time.Time) (delivered, dropped int) {
	if t == nil {
		return 0, 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if m.client == nil {
			continue
		}
		if allow != nil && !allow(m.client) {
			continue
		}

		payload, err := json.Marshal(v1.ChangePayload{
			SubscriptionID: m.subscriptionID,
			EventType:      ev.EventType,
			Table:          ev.Table,
			NewRow:         ev.Row,
		})
		if err != nil {
			t.log.Error("topic.encode.fail", "topic", t.Name, "err", err)
			return delivered, dropped
		}

		if m.client.offer(newEnvelope(v1.TypeChange, payload, now)) {
			delivered++
		} else {
			// Drop rather than block the whole topic.
			dropped++
		}
	}
	return delivered, dropped
}
