package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Clients only send subscribe and unsubscribe frames.
	maxFrameBytes           = 16 << 10
	maxSubscriptionsPerConn = 64

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound envelopes per window, per connection.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the change-feed gateway knobs.
type GatewayConfig struct {
	// DevInsecure skips websocket.Accept's origin verification (dev only).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// GatewayConfigFromEnv reads HARVEST_WS_* overrides on top of the defaults.
func GatewayConfigFromEnv() GatewayConfig {
	c := DefaultGatewayConfig()

	c.DevInsecure = envBoolWS("HARVEST_WS_DEV_INSECURE", false)
	c.OriginRequired = envBoolWS("HARVEST_WS_ORIGIN_REQUIRED", c.OriginRequired)
	c.AllowedOrigins = envCSVWS("HARVEST_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	c.WriteTimeout = envDurationWS("HARVEST_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.SendQueueSize = envIntWS("HARVEST_WS_SEND_QUEUE", c.SendQueueSize)

	c.HeartbeatEvery = envDurationWS("HARVEST_WS_HEARTBEAT_INTERVAL", c.HeartbeatEvery)
	c.HeartbeatTimeout = envDurationWS("HARVEST_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)

	c.RateEvents = envIntWS("HARVEST_WS_RATE_EVENTS", c.RateEvents)
	c.RateWindow = envDurationWS("HARVEST_WS_RATE_WINDOW", c.RateWindow)

	return c.normalized()
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
