package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL       string
	DBMaxConns        int32
	DBMinConns        int32
	DBMaxConnIdle     time.Duration
	DBMaxConnLifetime time.Duration
	DBSchema          string
	DBAutoMigrate     bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty RedisURL keeps change events in-process (single node).
	RedisURL     string
	RedisChannel string

	// In-memory mode only: "id:First:Last,..." profiles created at startup.
	SeedProfiles string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from the process environment with defaults.
func LoadConfig() Config { return LoadConfigFrom(OSEnv()) }

// LoadConfigFrom builds Config from env.
func LoadConfigFrom(env Env) Config {
	return Config{
		HTTPAddr:  env.String("HARVEST_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("HARVEST_LOG_LEVEL", "info"),
		LogFormat: env.String("HARVEST_LOG_FORMAT", "json"),

		ReadHeaderTimeout: env.Duration("HARVEST_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("HARVEST_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      env.Duration("HARVEST_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       env.Duration("HARVEST_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   env.Duration("HARVEST_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: env.Int("HARVEST_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:       env.String("HARVEST_DATABASE_URL", ""),
		DBMaxConns:        env.Int32("HARVEST_DB_MAX_CONNS", 10),
		DBMinConns:        env.Int32("HARVEST_DB_MIN_CONNS", 0),
		DBMaxConnIdle:     env.Duration("HARVEST_DB_MAX_CONN_IDLE", 5*time.Minute),
		DBMaxConnLifetime: env.Duration("HARVEST_DB_MAX_CONN_LIFETIME", time.Hour),
		DBSchema:          env.String("HARVEST_DB_SCHEMA", "harvest"),
		DBAutoMigrate:     env.Bool("HARVEST_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: env.Bool("HARVEST_READINESS_REQUIRE_DB", false),

		RedisURL:     env.String("HARVEST_REDIS_URL", ""),
		RedisChannel: env.String("HARVEST_REDIS_CHANNEL", "harvest:changes"),

		SeedProfiles: env.String("HARVEST_SEED_PROFILES", ""),

		CORSAllowedOrigins:   env.CSV("HARVEST_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: env.Bool("HARVEST_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    env.Int("HARVEST_CORS_MAX_AGE_SECONDS", 600),
	}
}
