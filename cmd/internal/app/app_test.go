package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://harvest.example.com", want: "wss://harvest.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestNew_InMemoryWiring(t *testing.T) {
	key := strings.Repeat("k", 32)
	t.Setenv(token.KeyEnv, key)

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.SeedProfiles = "farmer-1:Ana:Lopes,buyer-2:Ben:Okafor"

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	now := time.Now().UTC()
	tok, err := token.Issue([]byte(key), "buyer-2", time.Hour, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	do := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { _ = res.Body.Close() })
		return res
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		if res := do(http.MethodGet, path, ""); res.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, res.StatusCode)
		}
	}

	res := do(http.MethodPost, "/v1/conversations", `{"other_user_id":"farmer-1"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status=%d", res.StatusCode)
	}
	var started v1.FindOrCreateConversationResponse
	if err := json.NewDecoder(res.Body).Decode(&started); err != nil || started.ConversationID == "" {
		t.Fatalf("decode start: %v %+v", err, started)
	}

	res = do(http.MethodPost, "/v1/conversations/"+started.ConversationID+"/messages", `{"content":"Are the tomatoes ripe?"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send status=%d", res.StatusCode)
	}
	if got := res.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}

	res = do(http.MethodGet, "/v1/conversations", "")
	var list v1.ConversationsResponse
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].OtherParticipant.FirstName != "Ana" {
		t.Fatalf("list=%+v", list.Conversations)
	}

	res = do(http.MethodGet, "/metrics", "")
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), `harvest_http_requests_total{method="POST",route="POST /v1/conversations/{id}/messages",status_class="2xx"} 1`) {
		t.Fatalf("route metric missing:\n%s", raw)
	}
}

func TestNew_RequiresTokenKey(t *testing.T) {
	t.Setenv(token.KeyEnv, "")

	_, err := New(context.Background(), LoadConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), token.KeyEnv) {
		t.Fatalf("err=%v", err)
	}
}
