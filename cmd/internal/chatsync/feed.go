package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// ChangeEvent is one row change delivered by the feed. Delivery is at-least-once:
// consumers see duplicates and out-of-order events and must merge idempotently.
type ChangeEvent struct {
	EventType string
	Table     string
	Row       v1.Message
}

// Feed is the realtime change subscription surface.
type Feed interface {
	// Subscribe registers onEvent for scope: v1.ScopeGlobal or a conversation id.
	// onEvent runs on the feed's goroutine and must not block.
	Subscribe(ctx context.Context, scope string, onEvent func(ChangeEvent)) (*Subscription, error)

	// OnReconnect registers fn to run after the feed recovered from a dropped
	// connection. Events may have been missed in between.
	OnReconnect(fn func()) (remove func())
}

// Subscription is the handle returned by Feed.Subscribe. Unsubscribe must be called
// when the owner goes away.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription returns a handle whose Unsubscribe runs release once.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Unsubscribe releases the subscription. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// FeedState is the connection state of a WSFeed.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
	FeedClosed       FeedState = "closed"
)

// WSFeedConfig configures a WSFeed.
type WSFeedConfig struct {
	// URL of the change feed, e.g. "ws://127.0.0.1:8080/v1/realtime".
	URL   string
	Token string
	// Origin is sent on the handshake; the server requires one by default.
	Origin string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	AckTimeout   time.Duration

	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	ReconnectReset time.Duration
}

func (c WSFeedConfig) withDefaults() WSFeedConfig {
	if c.Origin == "" {
		c.Origin = "http://localhost"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	return c
}

const feedReadLimit = 1 << 20

// WSFeed multiplexes every subscription over one WebSocket to the server's change
// feed. The socket is opened by the first Subscribe and re-established with
// exponential backoff until Close; live subscriptions are re-registered on every
// reconnect.
type WSFeed struct {
	log *slog.Logger
	cfg WSFeedConfig

	startMu sync.Mutex
	started bool

	mu      sync.Mutex
	state   FeedState
	conn    *websocket.Conn
	subs    map[string]*feedSub
	pending map[string]chan error
	hooks   map[uint64]func()
	nextID  uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type feedSub struct {
	scope   string
	onEvent func(ChangeEvent)
}

// NewWSFeed returns an unconnected feed.
func NewWSFeed(log *slog.Logger, cfg WSFeedConfig) (*WSFeed, error) {
	if log == nil {
		log = slog.Default()
	}
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return nil, opErr("feed.new", ErrValidation, "feed url must be ws(s)://")
	}
	cfg.URL = u

	ctx, cancel := context.WithCancel(context.Background())
	return &WSFeed{
		log:     log,
		cfg:     cfg.withDefaults(),
		state:   FeedDisconnected,
		subs:    make(map[string]*feedSub),
		pending: make(map[string]chan error),
		hooks:   make(map[uint64]func()),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (f *WSFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnReconnect implements Feed.
func (f *WSFeed) OnReconnect(fn func()) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.hooks[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.hooks, id)
		f.mu.Unlock()
	}
}

// Subscribe implements Feed. While connected it waits for the server's
// acknowledgement, so a refused scope fails here (ErrUnauthorized for conversations
// the user does not belong to). While reconnecting the subscription is queued and
// registered once the socket is back.
func (f *WSFeed) Subscribe(ctx context.Context, scope string, onEvent func(ChangeEvent)) (*Subscription, error) {
	const op = "feed.subscribe"
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, opErr(op, ErrValidation, "scope is required")
	}
	if onEvent == nil {
		return nil, opErr(op, ErrValidation, "handler is required")
	}
	if err := f.ensureStarted(ctx); err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	ack := make(chan error, 1)

	f.mu.Lock()
	if f.state == FeedClosed {
		f.mu.Unlock()
		return nil, opErr(op, ErrDataUnavailable, "feed closed")
	}
	f.subs[subID] = &feedSub{scope: scope, onEvent: onEvent}
	conn := f.conn
	if conn != nil {
		f.pending[subID] = ack
	}
	f.mu.Unlock()

	sub := NewSubscription(func() { f.unsubscribe(subID) })
	if conn == nil {
		return sub, nil
	}

	if err := f.send(conn, v1.TypeSubscribe, v1.SubscribePayload{SubscriptionID: subID, Scope: scope}); err != nil {
		// The read loop notices the broken socket; the reconnect re-registers subID.
		f.clearPending(subID)
		f.log.Info("feed.subscribe.deferred", "scope", scope, "err", err)
		return sub, nil
	}

	timer := time.NewTimer(f.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		f.clearPending(subID)
		sub.Unsubscribe()
		return nil, unavailable(op, ctx.Err())
	case <-timer.C:
		f.clearPending(subID)
		sub.Unsubscribe()
		return nil, opErr(op, ErrDataUnavailable, "subscribe not acknowledged")
	}
}

// Close tears the socket down and stops reconnecting. Outstanding subscriptions
// stop receiving events.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	if f.state == FeedClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedClosed
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	f.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}

	f.startMu.Lock()
	started := f.started
	f.startMu.Unlock()
	if started {
		<-f.done
	}
	return nil
}

func (f *WSFeed) ensureStarted(ctx context.Context) error {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.started {
		return nil
	}

	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.state == FeedClosed {
		f.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return opErr("feed.connect", ErrDataUnavailable, "feed closed")
	}
	f.conn = conn
	f.state = FeedConnected
	f.mu.Unlock()

	f.started = true
	go f.supervise(conn)
	return nil
}

// dial opens the socket and waits for the server's ready envelope.
func (f *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	const op = "feed.connect"
	if strings.TrimSpace(f.cfg.Token) == "" {
		return nil, opErr(op, ErrUnauthorized, "no access token")
	}

	dctx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.cfg.Token)
	h.Set("Origin", f.cfg.Origin)

	conn, res, err := websocket.Dial(dctx, f.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, opErr(op, ErrUnauthorized, fmt.Sprintf("handshake status %d", res.StatusCode))
		}
		return nil, unavailable(op, err)
	}
	conn.SetReadLimit(feedReadLimit)

	env, err := readFeedEnvelope(dctx, conn)
	if err != nil || env.Type != v1.TypeReady {
		_ = conn.Close(websocket.StatusProtocolError, "expected ready")
		if err == nil {
			err = fmt.Errorf("expected %q, got %q", v1.TypeReady, env.Type)
		}
		return nil, unavailable(op, err)
	}
	return conn, nil
}

// supervise runs the read loop and reconnects until Close.
func (f *WSFeed) supervise(conn *websocket.Conn) {
	defer close(f.done)

	bo := newBackoff(f.cfg.ReconnectBase, f.cfg.ReconnectMax, f.cfg.ReconnectReset)
	bo.markConnected()

	for {
		err := f.readLoop(conn)

		f.mu.Lock()
		closed := f.state == FeedClosed
		if !closed {
			f.state = FeedReconnecting
			f.conn = nil
		}
		f.releasePendingLocked()
		f.mu.Unlock()
		if closed {
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		f.log.Info("feed.disconnected", "err", err)

		conn = f.reconnect(bo)
		if conn == nil {
			return
		}
		bo.markConnected()
		f.resubscribe(conn)
	}
}

// reconnect dials with backoff until it succeeds or the feed is closed (nil).
func (f *WSFeed) reconnect(bo *backoff) *websocket.Conn {
	for {
		delay := bo.next()
		f.log.Info("feed.reconnect.wait", "attempt", bo.attempt, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-f.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		conn, err := f.dial(f.ctx)
		if err != nil {
			f.log.Info("feed.reconnect.fail", "attempt", bo.attempt, "err", err)
			continue
		}

		f.mu.Lock()
		if f.state == FeedClosed {
			f.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
			return nil
		}
		f.conn = conn
		f.state = FeedConnected
		f.mu.Unlock()

		f.log.Info("feed.reconnected", "attempt", bo.attempt)
		return conn
	}
}

// resubscribe registers every live subscription on conn, then runs the reconnect hooks.
func (f *WSFeed) resubscribe(conn *websocket.Conn) {
	f.mu.Lock()
	subs := make(map[string]string, len(f.subs))
	for id, s := range f.subs {
		subs[id] = s.scope
	}
	hooks := make([]func(), 0, len(f.hooks))
	for _, fn := range f.hooks {
		hooks = append(hooks, fn)
	}
	f.mu.Unlock()

	for id, scope := range subs {
		if err := f.send(conn, v1.TypeSubscribe, v1.SubscribePayload{SubscriptionID: id, Scope: scope}); err != nil {
			f.log.Info("feed.resubscribe.fail", "scope", scope, "err", err)
			break
		}
	}

	// Hooks usually re-fetch over the network; keep them off the read path.
	go func() {
		for _, fn := range hooks {
			fn()
		}
	}()
}

func (f *WSFeed) readLoop(conn *websocket.Conn) error {
	for {
		env, err := readFeedEnvelope(f.ctx, conn)
		if err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				f.log.Info("feed.read.bad_json", "err", err)
				continue
			}
			return err
		}
		f.handle(env)
	}
}

func (f *WSFeed) handle(env v1.Envelope) {
	switch env.Type {
	case v1.TypeChange:
		var p v1.ChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			f.log.Info("feed.change.bad_payload", "err", err)
			return
		}
		f.mu.Lock()
		s := f.subs[p.SubscriptionID]
		f.mu.Unlock()
		if s == nil {
			// Unsubscribed locally; the server has not processed it yet.
			return
		}
		s.onEvent(ChangeEvent{EventType: p.EventType, Table: p.Table, Row: p.NewRow})

	case v1.TypeSubscribed:
		var p v1.SubscribedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			f.resolve(p.SubscriptionID, nil)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		f.log.Info("feed.server_error", "code", p.Code, "message", p.Message, "subscription_id", p.SubscriptionID)
		if p.SubscriptionID == "" {
			return
		}
		kind := ErrDataUnavailable
		if p.Code == v1.CodeForbidden || p.Code == v1.CodeUnauthorized {
			kind = ErrUnauthorized
		}
		err := opErr("feed.subscribe", kind, p.Message)
		if !f.resolve(p.SubscriptionID, err) {
			// A re-registration after reconnect was refused; nobody is waiting.
			f.mu.Lock()
			delete(f.subs, p.SubscriptionID)
			f.mu.Unlock()
		}
	}
}

// resolve hands err to the Subscribe call waiting on subID. It reports whether
// one was waiting.
func (f *WSFeed) resolve(subID string, err error) bool {
	f.mu.Lock()
	ch, ok := f.pending[subID]
	delete(f.pending, subID)
	f.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (f *WSFeed) clearPending(subID string) {
	f.mu.Lock()
	delete(f.pending, subID)
	f.mu.Unlock()
}

// releasePendingLocked unblocks waiters when the socket drops; their subscriptions
// stay registered and are sent again after the reconnect.
func (f *WSFeed) releasePendingLocked() {
	for id, ch := range f.pending {
		ch <- nil
		delete(f.pending, id)
	}
}

func (f *WSFeed) unsubscribe(subID string) {
	f.mu.Lock()
	_, ok := f.subs[subID]
	delete(f.subs, subID)
	delete(f.pending, subID)
	conn := f.conn
	f.mu.Unlock()

	if !ok || conn == nil {
		return
	}
	if err := f.send(conn, v1.TypeUnsubscribe, v1.UnsubscribePayload{SubscriptionID: subID}); err != nil {
		f.log.Info("feed.unsubscribe.fail", "subscription_id", subID, "err", err)
	}
}

func (f *WSFeed) send(conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: uuid.NewString(), TS: now, Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(f.ctx, f.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func readFeedEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

var _ Feed = (*WSFeed)(nil)
