package chatcli

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/chatsync"
)

// Environment overrides, applied on top of the config file.
const (
	EnvConfigPath = "HARVEST_CHAT_CONFIG"
	EnvServerURL  = "HARVEST_CHAT_URL"
	EnvFeedURL    = "HARVEST_CHAT_FEED_URL"
	EnvUserID     = "HARVEST_CHAT_USER"
	EnvToken      = "HARVEST_CHAT_TOKEN"
)

const defaultServerURL = "http://127.0.0.1:8080"

// Config is the harvest-chat configuration stored in ~/.harvest/chat.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
	Auth   AuthConfig   `toml:"auth"`
	Client ClientConfig `toml:"client"`
}

// ServerConfig locates the Harvest API and change feed.
type ServerConfig struct {
	URL string `toml:"url"`
	// FeedURL defaults to URL with a ws(s) scheme and /v1/realtime.
	FeedURL string `toml:"feed_url,omitempty"`
	Origin  string `toml:"origin,omitempty"`
}

// AuthConfig holds the signed-in user.
type AuthConfig struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

// ClientConfig tunes the sync core and logging.
type ClientConfig struct {
	Optimistic *bool  `toml:"optimistic,omitempty"`
	StaleAfter string `toml:"stale_after,omitempty"`
	LogLevel   string `toml:"log_level,omitempty"`
	LogFormat  string `toml:"log_format,omitempty"`
}

// DefaultConfigPath returns $HARVEST_CHAT_CONFIG or ~/.harvest/chat.toml.
func DefaultConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".harvest", "chat.toml"), nil
}

// LoadConfig reads path. A missing file yields an empty Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path, creating the directory. The file holds a token,
// so it is private to the user.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the HARVEST_CHAT_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.URL, EnvServerURL)
	set(&c.Server.FeedURL, EnvFeedURL)
	set(&c.Auth.UserID, EnvUserID)
	set(&c.Auth.Token, EnvToken)
}

// Set assigns a field by its dotted name, e.g. "server.url".
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}

	switch section {
	case "server":
		switch field {
		case "url":
			c.Server.URL = value
		case "feed_url":
			c.Server.FeedURL = value
		case "origin":
			c.Server.Origin = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			c.Auth.UserID = value
		case "token":
			c.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "client":
		switch field {
		case "optimistic":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("client.optimistic: %w", err)
			}
			c.Client.Optimistic = &b
		case "stale_after":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("client.stale_after: %w", err)
			}
			c.Client.StaleAfter = value
		case "log_level":
			c.Client.LogLevel = value
		case "log_format":
			c.Client.LogFormat = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, client)", section)
	}
	return nil
}

// ServerURL returns the API base URL, defaulting to the local server.
func (c *Config) ServerURL() string {
	if u := strings.TrimSpace(c.Server.URL); u != "" {
		return u
	}
	return defaultServerURL
}

// ResolvedFeedURL returns the change feed URL.
func (c *Config) ResolvedFeedURL() (string, error) {
	if u := strings.TrimSpace(c.Server.FeedURL); u != "" {
		return u, nil
	}
	u, err := url.Parse(c.ServerURL())
	if err != nil {
		return "", fmt.Errorf("server.url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server.url must be http(s), got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	return u.String(), nil
}

// OptimisticSends reports whether sends show a pending placeholder (default true).
func (c *Config) OptimisticSends() bool {
	return c.Client.Optimistic == nil || *c.Client.Optimistic
}

// StaleAfter returns the cache freshness window.
func (c *Config) StaleAfter() (time.Duration, error) {
	raw := strings.TrimSpace(c.Client.StaleAfter)
	if raw == "" {
		return chatsync.DefaultStaleAfter, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("client.stale_after: invalid duration %q", raw)
	}
	return d, nil
}

// RequireAuth checks that a user and token are configured.
func (c *Config) RequireAuth() error {
	if strings.TrimSpace(c.Auth.UserID) == "" || strings.TrimSpace(c.Auth.Token) == "" {
		return fmt.Errorf("not signed in: set auth.user_id and auth.token (harvest-chat token <user-id> --save)")
	}
	return nil
}
