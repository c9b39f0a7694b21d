package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env reads HARVEST_* settings. Malformed values fall back to the default so a
// typo in one variable never stops the server from booting.
type Env func(key string) string

// OSEnv reads the process environment.
func OSEnv() Env { return os.Getenv }

func (e Env) raw(key string) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e(key))
}

// String returns the trimmed value or def when unset.
func (e Env) String(key, def string) string {
	if v := e.raw(key); v != "" {
		return v
	}
	return def
}

func (e Env) Bool(key string, def bool) bool {
	b, err := strconv.ParseBool(e.raw(key))
	if err != nil {
		return def
	}
	return b
}

// Int accepts positive values only.
func (e Env) Int(key string, def int) int {
	n, err := strconv.Atoi(e.raw(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 accepts zero, which pool minimums need.
func (e Env) Int32(key string, def int32) int32 {
	n, err := strconv.ParseInt(e.raw(key), 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

func (e Env) Duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(e.raw(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// CSV splits a comma-separated list and drops blanks.
func (e Env) CSV(key, def string) []string {
	var out []string
	for _, part := range strings.Split(e.String(key, def), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
