package token

import (
	"net/http"
	"strings"
	"time"
)

// Authenticator resolves the caller of an HTTP request from its access token.
//
// The token is read from "Authorization: Bearer <token>". When AllowQuery is set,
// the "access_token" query parameter is accepted as a fallback: browsers cannot set
// headers on a WebSocket handshake.
type Authenticator struct {
	Key        []byte
	AllowQuery bool

	// Now is used for expiry checks (tests); defaults to time.Now.
	Now func() time.Time
}

// UserID returns the verified user id of r, or ErrInvalidToken / ErrExpired.
func (a Authenticator) UserID(r *http.Request) (string, error) {
	tok := BearerToken(r)
	if tok == "" && a.AllowQuery && r != nil && r.URL != nil {
		tok = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if tok == "" {
		return "", ErrInvalidToken
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	c, err := Verify(a.Key, tok, now)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
