package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/messaging"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/realtime"
)

// RealtimePath is where the change feed is served.
const RealtimePath = "/v1/realtime"

// pinger is a dependency that can report readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

type routes struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics
	api     *messaging.Handler
	ws      *realtime.WSGateway

	// Checked by /readyz in order; nil entries are skipped.
	db    pinger
	redis pinger
}

// buildHandler returns the full middleware-wrapped handler tree.
//
// The change feed is mounted outside the CORS layer: the gateway enforces its own
// origin policy during the WebSocket handshake.
func buildHandler(rt routes) http.Handler {
	api := http.NewServeMux()
	registerHTTP(api, rt)

	root := http.NewServeMux()
	root.Handle(RealtimePath, rt.ws)
	root.Handle("/", WithCORS(api, rt.cfg, rt.log))

	return WithRequestLogging(WithSecurityHeaders(root), rt.log, rt.metrics)
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.db == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		checks := []struct {
			name string
			p    pinger
		}{{"db", rt.db}, {"redis", rt.redis}}
		for _, c := range checks {
			if c.p == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := c.p.Ping(ctx)
			cancel()
			if err != nil {
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.not_ready", "dep", c.name, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", rt.metrics.Handler())

	if rt.api != nil {
		rt.api.Register(mux)
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
