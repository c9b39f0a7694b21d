package realtime

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// originPolicy decides which browser origins may open the change feed.
// Entries match on host only; scheme and port are ignored, so "http://localhost"
// also admits "http://localhost:5173". "*" admits every origin.
type originPolicy struct {
	required bool
	any      bool
	hosts    []string // sorted, lowercase
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{required: required}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			p.any = true
			continue
		}
		if h := originHost(a); h != "" && !slices.Contains(p.hosts, h) {
			p.hosts = append(p.hosts, h)
		}
	}
	slices.Sort(p.hosts)
	return p
}

// check validates an Origin header value. Non-browser clients send none.
func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return fmt.Errorf("missing origin")
		}
		return nil
	}
	if p.any {
		return nil
	}
	if len(p.hosts) == 0 {
		return fmt.Errorf("origin not allowed (no allowlist): %s", origin)
	}
	if _, ok := slices.BinarySearch(p.hosts, originHost(origin)); ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns feeds websocket.Accept, which runs its own cross-origin check
// against these host patterns.
func (p originPolicy) acceptPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	return slices.Clone(p.hosts)
}

// originHost extracts the lowercase host of "scheme://host[:port]" or
// "host[:port]". A ":*" port wildcard is accepted for parity with CORS entries.
func originHost(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ":*")
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
