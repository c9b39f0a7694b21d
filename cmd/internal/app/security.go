package app

import (
	"errors"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
)

// LoadTokenKey enforces the access-token policy at startup and returns the MAC key.
//
// The server refuses to start without a key: every API route and the change feed
// authenticate with it.
func LoadTokenKey() ([]byte, error) {
	key, err := token.KeyFromEnv(token.MinKeyBytes)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrKeyMissing):
			return nil, errors.New("security policy: " + token.KeyEnv + " is missing")
		case errors.Is(err, token.ErrKeyTooShort):
			return nil, errors.New("security policy: " + token.KeyEnv + " is too short (min 32 bytes)")
		default:
			return nil, err
		}
	}
	// blake2b accepts at most 64 key bytes.
	if len(key) > 64 {
		return nil, errors.New("security policy: " + token.KeyEnv + " is too long (max 64 bytes)")
	}
	return key, nil
}
