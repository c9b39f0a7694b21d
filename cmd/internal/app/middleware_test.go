package app

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
	}{
		{status: 201, wantLevel: slog.LevelInfo, wantResult: "success"},
		{status: 304, wantLevel: slog.LevelInfo, wantResult: "redirect"},
		{status: 403, wantLevel: slog.LevelWarn, wantResult: "client_error"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
	}
}

func TestWithRequestLogging_RouteLabelAndMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	h := WithRequestLogging(mux, log, m)

	for _, path := range []string{"/v1/conversations/C1/messages", "/v1/conversations/C2/messages", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`harvest_http_requests_total{method="GET",route="GET /v1/conversations/{id}/messages",status_class="4xx"} 2`,
		`harvest_http_requests_total{method="GET",route="unmatched",status_class="4xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
	if !strings.Contains(logs.String(), `"msg":"http.request"`) || !strings.Contains(logs.String(), `"result":"client_error"`) {
		t.Fatalf("logs=%s", logs.String())
	}
}

func TestLoggingResponseWriter_KeepsHijacker(t *testing.T) {
	t.Parallel()

	var sawHijacker bool
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, sawHijacker = w.(http.Hijacker)
		w.WriteHeader(http.StatusNoContent)
	}), discard(), nil)

	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + RealtimePath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = res.Body.Close()
	if !sawHijacker {
		t.Fatal("wrapped writer hides http.Hijacker; the feed upgrade would fail")
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantStatus  int
		wantAllow   string
		wantForward bool
	}{
		{
			name:       "preflight allowed",
			allowed:    []string{"https://market.example.com"},
			method:     http.MethodOptions,
			origin:     "https://market.example.com",
			wantStatus: http.StatusNoContent,
			wantAllow:  "https://market.example.com",
		},
		{
			name:       "origin denied",
			allowed:    []string{"https://market.example.com"},
			method:     http.MethodPost,
			origin:     "https://evil.example.com",
			wantStatus: http.StatusForbidden,
		},
		{
			name:        "wildcard port",
			allowed:     []string{"http://127.0.0.1:*"},
			method:      http.MethodGet,
			origin:      "http://127.0.0.1:5173",
			wantStatus:  http.StatusOK,
			wantAllow:   "http://127.0.0.1:5173",
			wantForward: true,
		},
		{
			name:        "no origin header",
			allowed:     []string{"https://market.example.com"},
			method:      http.MethodGet,
			wantStatus:  http.StatusOK,
			wantForward: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			forwarded := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				forwarded = true
				w.WriteHeader(http.StatusOK)
			}), Config{CORSAllowedOrigins: tc.allowed, CORSMaxAgeSeconds: 600}, discard())

			req := httptest.NewRequest(tc.method, "/v1/conversations", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
				req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status=%d want %d", rr.Code, tc.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow-origin=%q want %q", got, tc.wantAllow)
			}
			if forwarded != tc.wantForward {
				t.Fatalf("forwarded=%v want %v", forwarded, tc.wantForward)
			}
		})
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Fatalf("%s=%q want %q", header, got, want)
		}
	}
}
