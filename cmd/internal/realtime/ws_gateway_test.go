package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// headerAuth treats the bearer value as the user id.
type headerAuth struct{}

func (headerAuth) UserID(r *http.Request) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		return "", errors.New("unauthorized")
	}
	return raw, nil
}

type staticMembership map[string][2]string

func (m staticMembership) IsParticipant(_ context.Context, userID, conversationID string) (bool, error) {
	p, ok := m[conversationID]
	return ok && (p[0] == userID || p[1] == userID), nil
}

func newTestGateway(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()

	log := discardLogger()
	hub := NewHub(log, nil)
	gw, err := NewWSGateway(log, hub, staticMembership{"c1": {"alice", "bob"}}, headerAuth{}, GatewayConfig{}, nil)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, hub
}

func dialWS(t *testing.T, baseHTTPURL, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/v1/realtime"

	h := http.Header{}
	if userID != "" {
		h.Set("Authorization", "Bearer "+userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	ready := readUntilType(t, conn, v1.TypeReady, 1)
	var p v1.ReadyPayload
	if err := json.Unmarshal(ready.Payload, &p); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if p.UserID != userID || p.SessionID == "" {
		t.Fatalf("ready=%+v", p)
	}
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func subscribe(t *testing.T, conn *websocket.Conn, subID, scope string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		Payload: mustJSONRaw(t, v1.SubscribePayload{SubscriptionID: subID, Scope: scope}),
	})
}

func waitTopicLen(t *testing.T, hub *Hub, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.TopicLen(topic) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("topic %s len=%d want %d", topic, hub.TopicLen(topic), want)
}

func TestWSGateway_UnauthenticatedRejected(t *testing.T) {
	t.Parallel()

	ts, _ := newTestGateway(t)
	_, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_GlobalSubscriptionReceivesOwnConversations(t *testing.T) {
	t.Parallel()

	ts, hub := newTestGateway(t)
	alice := mustDial(t, ts.URL, "alice")

	subscribe(t, alice, "list-1", v1.ScopeGlobal)
	ack := readUntilType(t, alice, v1.TypeSubscribed, 2)
	var ap v1.SubscribedPayload
	_ = json.Unmarshal(ack.Payload, &ap)
	if ap.SubscriptionID != "list-1" || ap.Scope != v1.ScopeGlobal {
		t.Fatalf("ack=%+v", ap)
	}

	hub.Dispatch(testEvent("c9", "m-other", [2]string{"carol", "dave"}))
	hub.Dispatch(testEvent("c1", "m-own", [2]string{"alice", "bob"}))

	env := readUntilType(t, alice, v1.TypeChange, 1)
	var p v1.ChangePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if p.NewRow.ID != "m-own" || p.SubscriptionID != "list-1" || p.EventType != v1.EventInsert || p.Table != v1.TableMessages {
		t.Fatalf("change=%+v", p)
	}
}

func TestWSGateway_ConversationScopeRequiresParticipant(t *testing.T) {
	t.Parallel()

	ts, hub := newTestGateway(t)
	carol := mustDial(t, ts.URL, "carol")

	subscribe(t, carol, "thread-1", "c1")
	errEnv := readUntilType(t, carol, v1.TypeError, 2)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != v1.CodeForbidden || p.SubscriptionID != "thread-1" {
		t.Fatalf("error=%+v", p)
	}
	if n := hub.TopicLen(TopicForScope("c1")); n != 0 {
		t.Fatalf("non-participant was subscribed (len=%d)", n)
	}
}

func TestWSGateway_UnsubscribeAndDisconnectReleaseSubscriptions(t *testing.T) {
	t.Parallel()

	ts, hub := newTestGateway(t)
	bob := mustDial(t, ts.URL, "bob")
	topic := TopicForScope("c1")

	subscribe(t, bob, "thread-1", "c1")
	readUntilType(t, bob, v1.TypeSubscribed, 2)
	waitTopicLen(t, hub, topic, 1)

	writeEnvelopeWS(t, bob, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeUnsubscribe,
		Payload: mustJSONRaw(t, v1.UnsubscribePayload{SubscriptionID: "thread-1"}),
	})
	waitTopicLen(t, hub, topic, 0)

	subscribe(t, bob, "thread-2", "c1")
	readUntilType(t, bob, v1.TypeSubscribed, 2)
	waitTopicLen(t, hub, topic, 1)

	_ = bob.Close(websocket.StatusNormalClosure, "bye")
	waitTopicLen(t, hub, topic, 0)
}

func TestWSGateway_BadEnvelope(t *testing.T) {
	t.Parallel()

	ts, _ := newTestGateway(t)
	alice := mustDial(t, ts.URL, "alice")

	writeEnvelopeWS(t, alice, v1.Envelope{V: "v0", Type: v1.TypeSubscribe})
	errEnv := readUntilType(t, alice, v1.TypeError, 1)
	var p v1.ErrorPayload
	_ = json.Unmarshal(errEnv.Payload, &p)
	if p.Code != "bad_envelope" {
		t.Fatalf("code=%q", p.Code)
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		ok       bool
	}{
		{name: "missing required", required: true, allowed: []string{"https://harvest.example"}, ok: false},
		{name: "missing optional", allowed: []string{"https://harvest.example"}, ok: true},
		{name: "exact", allowed: []string{"https://harvest.example"}, origin: "https://harvest.example", ok: true},
		{name: "other port and scheme", allowed: []string{"https://harvest.example"}, origin: "http://harvest.example:8080", ok: true},
		{name: "case folded", allowed: []string{"HTTPS://Harvest.Example"}, origin: "https://harvest.example", ok: true},
		{name: "port wildcard entry", allowed: []string{"http://127.0.0.1:*"}, origin: "http://127.0.0.1:5173", ok: true},
		{name: "bare host entry", allowed: []string{"localhost:3000"}, origin: "http://localhost", ok: true},
		{name: "foreign", allowed: []string{"https://harvest.example"}, origin: "https://evil.example", ok: false},
		{name: "suffix lookalike", allowed: []string{"https://harvest.example"}, origin: "https://harvest.example.evil.io", ok: false},
		{name: "empty allowlist", origin: "https://harvest.example", ok: false},
		{name: "star", allowed: []string{"*"}, origin: "https://anything.example", ok: true},
	}
	for _, tc := range cases {
		p := newOriginPolicy(tc.required, tc.allowed)
		if err := p.check(tc.origin); (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}

	p := newOriginPolicy(true, []string{"https://b.example", "http://a.example:3000", "http://b.example:8080", " "})
	if got := strings.Join(p.acceptPatterns(), ","); got != "a.example,b.example" {
		t.Fatalf("patterns=%q", got)
	}
	if got := newOriginPolicy(false, []string{"*", "https://a.example"}).acceptPatterns(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("star patterns=%v", got)
	}
}
