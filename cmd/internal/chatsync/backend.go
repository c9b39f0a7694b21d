package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// Backend is the data access surface the synchronization core consumes.
type Backend interface {
	// GetConversations returns the user's conversations, most recently active first.
	GetConversations(ctx context.Context, userID string) ([]v1.Conversation, error)
	// GetMessages returns a conversation's messages in ascending creation order.
	GetMessages(ctx context.Context, conversationID string) ([]v1.Message, error)
	// FindOrCreateConversation returns the id of the pair's conversation, creating it once.
	FindOrCreateConversation(ctx context.Context, userID, otherUserID string) (string, error)
	// SendMessage persists a message and returns the stored record.
	SendMessage(ctx context.Context, conversationID, senderID, content string) (v1.Message, error)
	// SearchUsers matches names, excluding the caller. An empty query returns nothing.
	SearchUsers(ctx context.Context, query, excludeUserID string) ([]v1.ChatUserProfile, error)
}

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

// HTTPBackend implements Backend against the Harvest HTTP API.
//
// The server derives the acting user from the access token; the user id arguments
// only gate calls locally (a blank id is ErrUnauthorized).
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client

	starts singleflight.Group
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) {
		if c != nil {
			b.client = c
		}
	}
}

// NewHTTPBackend returns a backend for baseURL (e.g. "http://127.0.0.1:8080").
func NewHTTPBackend(baseURL, token string, opts ...HTTPBackendOption) (*HTTPBackend, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, opErr("backend.new", ErrValidation, "base url must be http(s)://host[:port]")
	}
	b := &HTTPBackend{
		baseURL: strings.TrimRight(u.String(), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// GetConversations implements Backend.
func (b *HTTPBackend) GetConversations(ctx context.Context, userID string) ([]v1.Conversation, error) {
	const op = "backend.get_conversations"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}

	var out v1.ConversationsResponse
	if err := b.do(ctx, op, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetMessages implements Backend.
func (b *HTTPBackend) GetMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	const op = "backend.get_messages"
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, opErr(op, ErrValidation, "conversation id is required")
	}

	var out v1.MessagesResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := b.do(ctx, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// FindOrCreateConversation implements Backend. Concurrent calls for the same pair
// share one request; the server is idempotent on its own as well.
func (b *HTTPBackend) FindOrCreateConversation(ctx context.Context, userID, otherUserID string) (string, error) {
	const op = "backend.find_or_create_conversation"
	if err := requireUser(op, userID); err != nil {
		return "", err
	}
	userID, otherUserID = strings.TrimSpace(userID), strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return "", opErr(op, ErrValidation, "other user id is required")
	}
	if otherUserID == userID {
		return "", opErr(op, ErrValidation, "cannot start a conversation with yourself")
	}

	lo, hi := userID, otherUserID
	if hi < lo {
		lo, hi = hi, lo
	}
	v, err, _ := b.starts.Do(lo+"\x00"+hi, func() (any, error) {
		var out v1.FindOrCreateConversationResponse
		req := v1.FindOrCreateConversationRequest{OtherUserID: otherUserID}
		if err := b.do(ctx, op, http.MethodPost, "/v1/conversations", req, &out); err != nil {
			return "", err
		}
		if out.ConversationID == "" {
			return "", opErr(op, ErrDataUnavailable, "empty conversation id")
		}
		return out.ConversationID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SendMessage implements Backend. Blank content fails before any network I/O.
func (b *HTTPBackend) SendMessage(ctx context.Context, conversationID, senderID, content string) (v1.Message, error) {
	const op = "backend.send_message"
	content = strings.TrimSpace(content)
	if content == "" {
		return v1.Message{}, opErr(op, ErrValidation, "message content is empty")
	}
	if err := requireUser(op, senderID); err != nil {
		return v1.Message{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return v1.Message{}, opErr(op, ErrValidation, "conversation id is required")
	}

	var out v1.SendMessageResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := b.do(ctx, op, http.MethodPost, path, v1.SendMessageRequest{Content: content}, &out); err != nil {
		return v1.Message{}, err
	}
	return out.Message, nil
}

// SearchUsers implements Backend. A blank query returns an empty result without a call.
func (b *HTTPBackend) SearchUsers(ctx context.Context, query, excludeUserID string) ([]v1.ChatUserProfile, error) {
	const op = "backend.search_users"
	query = strings.TrimSpace(query)
	if query == "" {
		return []v1.ChatUserProfile{}, nil
	}
	if err := requireUser(op, excludeUserID); err != nil {
		return nil, err
	}

	var out v1.SearchUsersResponse
	if err := b.do(ctx, op, http.MethodGet, "/v1/users/search?q="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (b *HTTPBackend) do(ctx context.Context, op, method, path string, body, dst any) error {
	if b.token == "" {
		return opErr(op, ErrUnauthorized, "no access token")
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return opErr(op, ErrValidation, err.Error())
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return opErr(op, ErrValidation, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := b.client.Do(req)
	if err != nil {
		return unavailable(op, err)
	}
	defer func() { _ = res.Body.Close() }()

	lr := io.LimitReader(res.Body, maxResponseBytes)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return statusError(op, res.StatusCode, lr)
	}
	if err := json.NewDecoder(lr).Decode(dst); err != nil {
		return unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError maps an API failure to an error kind. 403 (not a participant) is
// reported as ErrUnauthorized: the caller has no access either way.
func statusError(op string, status int, body io.Reader) error {
	var er v1.ErrorResponse
	_ = json.NewDecoder(body).Decode(&er)
	msg := er.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusBadRequest:
		return opErr(op, ErrValidation, msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return opErr(op, ErrUnauthorized, msg)
	case status == http.StatusNotFound:
		return opErr(op, ErrNotFound, msg)
	default:
		return opErr(op, ErrDataUnavailable, fmt.Sprintf("status %d: %s", status, msg))
	}
}

func requireUser(op, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return opErr(op, ErrUnauthorized, "no authenticated user")
	}
	return nil
}

var _ Backend = (*HTTPBackend)(nil)
