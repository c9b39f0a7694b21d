package token

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyEnv is the env var name for the token MAC key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "HARVEST_TOKEN_KEY"

	// MinKeyBytes is the minimum key size enforced when a key is required.
	MinKeyBytes = 32

	// DefaultTTL is used by Issue when ttl <= 0.
	DefaultTTL = 12 * time.Hour
)

// Claims are the verified contents of an access token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// KeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func KeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// Issue mints a token for userID valid until now+ttl.
func Issue(key []byte, userID string, ttl time.Duration, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidToken
	}
	if len(key) == 0 {
		return "", ErrKeyMissing
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	body := base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." +
		strconv.FormatInt(now.Add(ttl).Unix(), 10)

	sig, err := mac(key, body)
	if err != nil {
		return "", err
	}
	return body + "." + sig, nil
}

// Verify checks the MAC and expiry of tok and returns its claims.
func Verify(key []byte, tok string, now time.Time) (Claims, error) {
	if len(key) == 0 {
		return Claims{}, ErrKeyMissing
	}
	parts := strings.Split(strings.TrimSpace(tok), ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	want, err := mac(key, parts[0]+"."+parts[1])
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return Claims{}, ErrInvalidToken
	}

	rawUser, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(rawUser) == 0 {
		return Claims{}, ErrInvalidToken
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{UserID: string(rawUser), ExpiresAt: time.Unix(exp, 0).UTC()}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if !now.Before(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func mac(key []byte, body string) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		// blake2b rejects keys longer than 64 bytes.
		return "", ErrKeyTooShort
	}
	_, _ = h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil)), nil
}
