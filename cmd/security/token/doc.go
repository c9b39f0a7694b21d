// Package token issues and verifies the bearer access tokens accepted by the Harvest
// messaging API and change feed.
//
// Tokens are minted by the outer authentication system; this package only holds the
// shared-key primitive used to check them.
//
// Format: base64url(user_id) "." expiry_unix "." hex(BLAKE2b-256 keyed MAC).
//
// Environment:
//   - HARVEST_TOKEN_KEY: shared MAC key (>= 32 bytes in production).
package token
