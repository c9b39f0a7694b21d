// Package v1 defines the Harvest messaging contract v1: the rows returned by the
// data API and the change-feed protocol spoken over WebSocket.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and the sync client to keep the wire format authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the change feed.
const Subprotocol = "harvest.changes.v1"

// Type constants (wire-stable).
const (
	// TypeReady is sent once by the server after the socket is authenticated.
	TypeReady = "ready"

	// TypeSubscribe registers a subscription (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed acknowledges a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe releases a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeChange delivers one row-level change (server -> client).
	TypeChange = "change"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Change event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

// TableMessages is the only table published on the feed.
const TableMessages = "messages"

// ScopeGlobal subscribes to every message change visible to the caller.
const ScopeGlobal = "global"

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeReady,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeChange,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ReadyPayload carries the authenticated user and the server session id.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload requests a subscription. Scope is ScopeGlobal or a conversation id.
// SubscriptionID is chosen by the client so acks and changes can be correlated.
type SubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
	Scope          string `json:"scope"`
}

// SubscribedPayload acknowledges a subscription.
type SubscribedPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Scope          string `json:"scope"`
}

// UnsubscribePayload releases a subscription.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// ChangePayload is a single row-level change on the messages table.
type ChangePayload struct {
	SubscriptionID string  `json:"subscription_id"`
	EventType      string  `json:"event_type"`
	Table          string  `json:"table"`
	NewRow         Message `json:"new_row"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}
