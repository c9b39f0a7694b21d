// Package app wires the Harvest messaging server: config, logging, storage, the
// change-feed broker, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/messaging"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/realtime"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
)

// App is the server runtime: it owns the store, the broker and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics

	pool   *pgxpool.Pool
	store  messaging.Store
	broker realtime.Broker

	stopDispatch func()
	handler      http.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	key, err := LoadTokenKey()
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: m, pool: pool, store: store}

	broker, err := newBroker(ctx, cfg, log, m)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.broker = broker

	hub := realtime.NewHub(log, m)
	a.stopDispatch = broker.Subscribe(hub.Dispatch)

	svc := messaging.NewService(log, store,
		messaging.WithPublisher(realtime.Publisher{Broker: broker}),
		messaging.WithMetrics(m),
	)
	if seeds := messaging.ParseSeedProfiles(cfg.SeedProfiles); len(seeds) > 0 {
		if err := svc.SeedProfiles(ctx, seeds); err != nil {
			a.Close()
			return nil, err
		}
		log.Info("profiles.seeded", "count", len(seeds))
	}

	api, err := messaging.NewHandler(log, svc, token.Authenticator{Key: key})
	if err != nil {
		a.Close()
		return nil, err
	}

	// Browsers cannot set headers on the WebSocket handshake.
	feedAuth := token.Authenticator{Key: key, AllowQuery: true}
	ws, err := realtime.NewWSGateway(log, hub, store, feedAuth, realtime.GatewayConfigFromEnv(), m)
	if err != nil {
		a.Close()
		return nil, err
	}

	rt := routes{cfg: cfg, log: log, metrics: m, api: api, ws: ws}
	if pool != nil {
		rt.db = poolPinger{pool: pool}
	}
	if rb, ok := broker.(*realtime.RedisBroker); ok {
		rt.redis = rb
	}
	a.handler = buildHandler(rt)

	return a, nil
}

// Handler exposes the wired HTTP handler (tests).
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		// Hijacked feed connections outlive Shutdown; they stop when ctx is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api_url", base,
		"feed_url", wsBaseURL(base)+RealtimePath,
		"db_enabled", a.pool != nil,
		"redis_enabled", a.cfg.RedisURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases the broker, store and pool. Safe on a partially built App.
func (a *App) Close() {
	if a.stopDispatch != nil {
		a.stopDispatch()
		a.stopDispatch = nil
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Error("broker.close.fail", "err", err)
		}
		a.broker = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
//
// Ownership model: app owns the pool; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (messaging.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return messaging.NewInMemoryStore(messaging.WithMemoryLogger(log)), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if cfg.DBAutoMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
	return st, pool, nil
}

// newBroker picks Redis Pub/Sub fanout when configured, otherwise in-process delivery.
func newBroker(ctx context.Context, cfg Config, log Logger, m *metrics.Metrics) (realtime.Broker, error) {
	if cfg.RedisURL == "" {
		log.Info("broker.local")
		return realtime.NewLocalBroker(m), nil
	}
	b, err := realtime.NewRedisBroker(ctx, log, cfg.RedisURL, cfg.RedisChannel, m)
	if err != nil {
		return nil, err
	}
	log.Info("broker.redis", "channel", cfg.RedisChannel)
	return b, nil
}

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error {
	// PingDB applies its own timeout on top of ctx.
	return PingDB(ctx, p.pool, 2*time.Second)
}
