// Package main provides a CI-friendly smoke test for a running Harvest server.
//
// It validates:
//   - handshake + subprotocol selection
//   - ready envelope after authentication
//   - subscribe -> subscribed for the global and conversation scopes
//   - refusal of a conversation the user is not part of
//   - send over the HTTP API -> change delivered on both subscriptions
//   - the stored message is returned by the thread query
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		feedURL = flag.String("feed", "", "change feed URL (default derived from -api)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		sender  = flag.String("sender", "buyer-1", "user id that sends the message")
		peer    = flag.String("peer", "farmer-1", "user id that listens on the feed")
		text    = flag.String("text", "Bonjour, des tomates ?", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	key, err := token.KeyFromEnv(token.MinKeyBytes)
	if err != nil {
		fatalf("%s: %v", token.KeyEnv, err)
	}
	if *feedURL == "" {
		*feedURL = deriveFeedURL(*apiURL)
	}
	if err := validateWSURL(*feedURL); err != nil {
		fatalf("invalid -feed: %v", err)
	}

	root := context.Background()
	senderTok := mustIssue(key, *sender)
	peerTok := mustIssue(key, *peer)

	b := mustConnect(root, "peer", *feedURL, *origin, peerTok, *timeout)
	defer closeWS(b.conn)

	convID := mustStartConversation(root, *apiURL, senderTok, *peer, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	mustSubscribe(root, b, "sub-global", v1.ScopeGlobal, *timeout)
	mustSubscribe(root, b, "sub-conv", convID, *timeout)
	mustRefuse(root, b, "sub-foreign", "no-such-conversation", *timeout)

	msg := mustSend(root, *apiURL, senderTok, convID, *text, *timeout)

	seen := map[string]bool{}
	for len(seen) < 2 {
		env := b.mustReadUntilType(root, v1.TypeChange, *timeout)
		var p v1.ChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal change payload: %v", err)
		}
		if p.NewRow.ID != msg.ID {
			continue
		}
		if p.EventType != v1.EventInsert || p.Table != v1.TableMessages || p.NewRow.Content != msg.Content {
			fatalf("change mismatch: %+v", p)
		}
		seen[p.SubscriptionID] = true
	}

	mustThreadContains(root, *apiURL, peerTok, convID, msg.ID, *timeout)

	fmt.Printf("OK: conv_id=%s message_id=%s sender=%s peer=%s\n", convID, msg.ID, *sender, *peer)
}

func deriveFeedURL(api string) string {
	u, err := url.Parse(api)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	return u.String()
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustIssue(key []byte, userID string) string {
	tok, err := token.Issue(key, userID, 10*time.Minute, time.Now().UTC())
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}
	return tok
}

func mustConnect(parent context.Context, name, wsURL, origin, tok string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ready := c.mustReadUntilType(parent, v1.TypeReady, stepTimeout)
	var p v1.ReadyPayload
	if err := json.Unmarshal(ready.Payload, &p); err != nil {
		fatalf("unmarshal ready payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("ready missing session_id/user_id (%s)", name)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType skips other envelopes until one of type typ arrives.
func (c *smokeClient) mustReadUntilType(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	env, ok := c.readUntil(parent, stepTimeout, func(e v1.Envelope) bool { return e.Type == typ })
	if !ok {
		fatalf("timeout waiting for %s (%s)", typ, c.name)
	}
	return env
}

func (c *smokeClient) readUntil(parent context.Context, stepTimeout time.Duration, match func(v1.Envelope) bool) (v1.Envelope, bool) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return v1.Envelope{}, false
		case err := <-c.errCh:
			fatalf("connection failed (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if match(env) {
				return env, true
			}
		}
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, subID, scope string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeSubscribe, v1.SubscribePayload{SubscriptionID: subID, Scope: scope}, stepTimeout)

	env, ok := c.readUntil(parent, stepTimeout, func(e v1.Envelope) bool {
		return e.Type == v1.TypeSubscribed || e.Type == v1.TypeError
	})
	if !ok {
		fatalf("timeout waiting for subscribed %s (%s)", scope, c.name)
	}
	if env.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		fatalf("subscribe %s refused (%s): code=%q msg=%q", scope, c.name, ep.Code, ep.Message)
	}
	var p v1.SubscribedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal subscribed payload: %v", err)
	}
	if p.SubscriptionID != subID {
		fatalf("subscribed id mismatch: got=%q want=%q", p.SubscriptionID, subID)
	}
}

func mustRefuse(parent context.Context, c *smokeClient, subID, scope string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeSubscribe, v1.SubscribePayload{SubscriptionID: subID, Scope: scope}, stepTimeout)

	env, ok := c.readUntil(parent, stepTimeout, func(e v1.Envelope) bool {
		return e.Type == v1.TypeSubscribed || e.Type == v1.TypeError
	})
	if !ok {
		fatalf("timeout waiting for refusal of %s (%s)", scope, c.name)
	}
	if env.Type != v1.TypeError {
		fatalf("subscribe to %s was accepted (%s)", scope, c.name)
	}
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != v1.CodeForbidden || ep.SubscriptionID != subID {
		fatalf("refusal mismatch: %+v", ep)
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustStartConversation(parent context.Context, api, tok, other string, stepTimeout time.Duration) string {
	var out v1.FindOrCreateConversationResponse
	mustDo(parent, http.MethodPost, api+"/v1/conversations", tok, v1.FindOrCreateConversationRequest{OtherUserID: other}, &out, stepTimeout)
	if out.ConversationID == "" {
		fatalf("start conversation: empty id")
	}
	return out.ConversationID
}

func mustSend(parent context.Context, api, tok, convID, text string, stepTimeout time.Duration) v1.Message {
	var out v1.SendMessageResponse
	path := api + "/v1/conversations/" + url.PathEscape(convID) + "/messages"
	mustDo(parent, http.MethodPost, path, tok, v1.SendMessageRequest{Content: text}, &out, stepTimeout)
	if out.Message.ID == "" {
		fatalf("send: empty message id")
	}
	return out.Message
}

func mustThreadContains(parent context.Context, api, tok, convID, msgID string, stepTimeout time.Duration) {
	var out v1.MessagesResponse
	path := api + "/v1/conversations/" + url.PathEscape(convID) + "/messages"
	mustDo(parent, http.MethodGet, path, tok, nil, &out, stepTimeout)
	for _, m := range out.Messages {
		if m.ID == msgID {
			return
		}
	}
	fatalf("thread %s does not contain %s", convID, msgID)
}

func mustDo(parent context.Context, method, u, tok string, body, dst any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		fatalf("%s %s: %v", method, u, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, u, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		fatalf("%s %s: status %d: %s", method, u, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		fatalf("%s %s: decode: %v", method, u, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
