package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/identity/ids"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Authenticator resolves the user of a handshake request.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// Membership is the authorization boundary for conversation-scoped subscriptions.
type Membership interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// WSGateway is the WebSocket entrypoint of the change feed.
//
// It enforces authentication, origin policy, subprotocol selection, rate limits and
// heartbeats, and turns subscribe/unsubscribe envelopes into Hub subscriptions.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	members Membership
	auth    Authenticator
	metrics *metrics.Metrics
	cfg     GatewayConfig
	origins originPolicy
}

// NewWSGateway constructs a gateway. hub, members and auth are required.
func NewWSGateway(log *slog.Logger, hub *Hub, members Membership, auth Authenticator, cfg GatewayConfig, m *metrics.Metrics) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if members == nil {
		return nil, errors.New("realtime: nil membership")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}

	cfg = cfg.normalized()
	return &WSGateway{
		log:     log,
		hub:     hub,
		members: members,
		auth:    auth,
		metrics: m,
		cfg:     cfg,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one change-feed session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.auth.UserID(r)
	if err != nil || userID == "" {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(userID, g.cfg, now)
	sessionID := client.SessionID

	g.metrics.FeedConnected(1)
	defer g.metrics.FeedConnected(-1)
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			for subID, topic := range client.drain() {
				g.hub.Unsubscribe(topic, sessionID, subID)
			}
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	readyPayload, _ := json.Marshal(v1.ReadyPayload{SessionID: sessionID, UserID: userID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeReady, readyPayload, now)) {
		shutdown(websocket.StatusInternalError, "ready failed")
	}

readLoop:
	for {
		// Feed clients are mostly silent; dead peers are detected by the heartbeat.
		env, err := readEnvelope(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !client.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSubscribe:
			subID, topic, err := g.onSubscribe(ctx, client, env, client.Subscriptions())
			if err != nil {
				g.trySendError(ctx, client, subscribeErrCode(err), err.Error(), subID)
				continue readLoop
			}
			prev, ok := client.track(subID, topic)
			switch {
			case !ok:
				// shutdown already released the other subscriptions.
				g.hub.Unsubscribe(topic, sessionID, subID)
			case prev != "":
				g.hub.Unsubscribe(prev, sessionID, subID)
			}

		case v1.TypeUnsubscribe:
			var p v1.UnsubscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				g.trySendError(ctx, client, "unsubscribe_failed", "invalid payload", "")
				continue readLoop
			}
			if topic, ok := client.untrack(p.SubscriptionID); ok {
				g.hub.Unsubscribe(topic, sessionID, p.SubscriptionID)
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", userID)
}

// ---- handlers ----

// onSubscribe validates and authorizes a subscription, registers it on the hub and
// acknowledges it. It returns the subscription id and topic.
func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope, active int) (string, string, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", "", fmt.Errorf("invalid payload: %w", err)
	}

	subID := strings.TrimSpace(p.SubscriptionID)
	scope := strings.TrimSpace(p.Scope)
	if subID == "" {
		return "", "", errors.New("missing subscription_id")
	}
	if scope == "" {
		return subID, "", errors.New("missing scope")
	}
	if active >= maxSubscriptionsPerConn {
		return subID, "", errors.New("too many subscriptions")
	}

	if scope != v1.ScopeGlobal {
		ok, err := g.members.IsParticipant(ctx, client.UserID, scope)
		if err != nil {
			g.log.Error("ws.subscribe.acl.fail", "session_id", client.SessionID, "err", err)
			return subID, "", subscribeError{code: v1.CodeDataUnavailable, msg: "membership check unavailable"}
		}
		if !ok {
			return subID, "", subscribeError{code: v1.CodeForbidden, msg: "not a participant of this conversation"}
		}
	}

	topic := TopicForScope(scope)
	g.hub.Subscribe(topic, client, subID)

	ackPayload, _ := json.Marshal(v1.SubscribedPayload{SubscriptionID: subID, Scope: scope})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeSubscribed, ackPayload, time.Now().UTC())) {
		g.hub.Unsubscribe(topic, client.SessionID, subID)
		return subID, "", errors.New("backpressure: subscribed")
	}
	return subID, topic, nil
}

// subscribeError carries the API error code sent back for a refused subscription.
type subscribeError struct {
	code string
	msg  string
}

func (e subscribeError) Error() string { return e.msg }

func subscribeErrCode(err error) string {
	var se subscribeError
	if errors.As(err, &se) {
		return se.code
	}
	return "subscribe_failed"
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, subID string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, SubscriptionID: subID})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}
