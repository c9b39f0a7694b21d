package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultConnIdle     = 5 * time.Minute
	defaultConnLifetime = time.Hour
	defaultHealthCheck  = time.Minute
	startupPingTimeout  = 3 * time.Second
)

// NewDBPool opens the pool behind the Postgres store and checks that a
// connection can be acquired. Schema creation is messaging.PostgresStore.EnsureSchema.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(normalizeDSN(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	applyPoolLimits(pcfg, cfg)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := PingDB(ctx, pool, startupPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func applyPoolLimits(pcfg *pgxpool.Config, cfg Config) {
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnIdleTime = nonZeroDuration(cfg.DBMaxConnIdle, defaultConnIdle)
	pcfg.MaxConnLifetime = nonZeroDuration(cfg.DBMaxConnLifetime, defaultConnLifetime)
	pcfg.HealthCheckPeriod = defaultHealthCheck
}

// normalizeDSN accepts the driver-suffixed URLs other stacks write into .env files
// (postgresql+asyncpg://, postgres+pgx://).
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, suffix := range []string{"+asyncpg", "+pgx"} {
		for _, scheme := range []string{"postgresql", "postgres"} {
			if strings.HasPrefix(s, scheme+suffix+"://") {
				return scheme + strings.TrimPrefix(s, scheme+suffix)
			}
		}
	}
	return s
}

// PingDB acquires and releases one connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
