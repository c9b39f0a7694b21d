package realtime

import (
	"sync"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/identity/ids"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// Client is one authenticated change-feed connection: its outbound queue, its
// subscriptions and its inbound rate limit.
//
// Send is never closed; dispatchers may still hold the client after shutdown.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	limiter *RateLimiter

	mu     sync.Mutex
	subs   map[string]string // subscription id -> topic
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue and a fresh session id.
func NewClient(userID string, cfg GatewayConfig, now time.Time) *Client {
	cfg = cfg.normalized()
	return &Client{
		SessionID: ids.MustULID(now),
		UserID:    userID,
		Send:      make(chan v1.Envelope, cfg.SendQueueSize),
		limiter:   NewRateLimiter(cfg.RateEvents, cfg.RateWindow),
		subs:      make(map[string]string),
		done:      make(chan struct{}),
	}
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops the client's goroutines. It does not close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// Allow applies the inbound rate limit.
func (c *Client) Allow(now time.Time) bool { return c.limiter.Allow(now) }

// Subscriptions returns the number of active subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// track records subID on topic. It returns the topic subID was previously bound
// to, if different, and false when the client already shut down.
func (c *Client) track(subID, topic string) (replaced string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}
	if prev, had := c.subs[subID]; had && prev != topic {
		replaced = prev
	}
	c.subs[subID] = topic
	return replaced, true
}

func (c *Client) untrack(subID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topic, ok := c.subs[subID]
	delete(c.subs, subID)
	return topic, ok
}

// drain removes and returns every subscription.
func (c *Client) drain() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.subs
	c.subs = make(map[string]string)
	return out
}

// offer queues env without blocking. It reports false when the queue is full
// or the client is shutting down.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
