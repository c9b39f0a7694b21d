// Package realtime is the Harvest change feed: committed message inserts are
// published to a Broker, routed by the Hub to subscribed connections, and written
// out by the WSGateway as "change" envelopes.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// Hub owns the in-memory topics and routes change events to them.
// Persistence and cross-node delivery live behind the Broker.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewHub constructs a Hub instance. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		topics:  make(map[string]*Topic),
	}
}

// Subscribe adds a client subscription to topic.
func (h *Hub) Subscribe(topic string, client *Client, subscriptionID string) {
	h.mu.Lock()
	t, ok := h.topics[topic]
	if !ok {
		t = NewTopic(h.log, topic)
		h.topics[topic] = t
	}
	added := t.Add(client, subscriptionID)
	h.mu.Unlock()

	if added {
		h.metrics.FeedSubscribed(1)
	}
}

// Unsubscribe removes a client subscription; empty topics are released.
func (h *Hub) Unsubscribe(topic, sessionID, subscriptionID string) {
	h.mu.Lock()
	t, ok := h.topics[topic]
	removed := false
	if ok {
		removed = t.Remove(sessionID, subscriptionID)
		if t.Len() == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	if removed {
		h.metrics.FeedSubscribed(-1)
	}
}

// TopicLen returns the subscription count of topic (0 if absent).
func (h *Hub) TopicLen(topic string) int {
	h.mu.RLock()
	t, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.Len()
}

// Dispatch routes ev to the global topic (participants only) and to the
// conversation's own topic. It never blocks.
func (h *Hub) Dispatch(ev ChangeEvent) {
	if ev.Table != v1.TableMessages {
		return
	}
	now := time.Now().UTC()

	h.mu.RLock()
	global := h.topics[v1.ScopeGlobal]
	conv := h.topics[TopicForScope(ev.Row.ConversationID)]
	h.mu.RUnlock()

	var delivered, dropped int
	if global != nil {
		d, x := global.Broadcast(ev, func(c *Client) bool { return ev.Involves(c.UserID) }, now)
		delivered += d
		dropped += x
	}
	if conv != nil {
		d, x := conv.Broadcast(ev, nil, now)
		delivered += d
		dropped += x
	}

	for i := 0; i < delivered; i++ {
		h.metrics.FeedDelivered()
	}
	for i := 0; i < dropped; i++ {
		h.metrics.FeedDropped()
	}
	if dropped > 0 {
		h.log.Warn("hub.dispatch.dropped",
			"conversation_id", ev.Row.ConversationID,
			"message_id", ev.Row.ID,
			"dropped", dropped,
		)
	}
}
