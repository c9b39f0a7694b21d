package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// Sender posts messages and keeps the cached thread consistent with the result.
//
// With optimistic sends enabled a pending placeholder is shown until the server
// answers; it is replaced by the stored record on success and removed on failure.
type Sender struct {
	log        *slog.Logger
	backend    Backend
	cache      *Cache
	userID     string
	optimistic bool
	newID      func() string
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithOptimistic toggles placeholders for in-flight sends (default on).
func WithOptimistic(enabled bool) SenderOption {
	return func(s *Sender) { s.optimistic = enabled }
}

// WithCorrelationIDs overrides how placeholder correlation ids are generated.
func WithCorrelationIDs(fn func() string) SenderOption {
	return func(s *Sender) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewSender returns a Sender posting as userID.
func NewSender(log *slog.Logger, backend Backend, cache *Cache, userID string, opts ...SenderOption) (*Sender, error) {
	if backend == nil || cache == nil {
		return nil, errors.New("chatsync: sender needs backend and cache")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Sender{
		log:        log,
		backend:    backend,
		cache:      cache,
		userID:     strings.TrimSpace(userID),
		optimistic: true,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send trims content and posts it to conversationID.
//
// Empty content fails with ErrValidation before anything else happens. On success
// the thread holds the stored record exactly once, whether or not the realtime feed
// delivered it first, and the sender's conversation list is invalidated.
func (s *Sender) Send(ctx context.Context, conversationID, content string) (v1.Message, error) {
	const op = "send"
	content = strings.TrimSpace(content)
	if content == "" {
		return v1.Message{}, opErr(op, ErrValidation, "message content is empty")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return v1.Message{}, opErr(op, ErrValidation, "conversation id is required")
	}
	if s.userID == "" {
		return v1.Message{}, opErr(op, ErrUnauthorized, "no authenticated user")
	}

	key := MessagesKey(conversationID)
	var corrID string
	if s.optimistic {
		corrID = s.newID()
		ph := NewPlaceholder(corrID, conversationID, s.userID, content, s.cache.Now())
		s.cache.Merge(key, func(old any, _ bool) any {
			return MergeMessages(messagesOf(old), ph)
		})
	}

	msg, err := s.backend.SendMessage(ctx, conversationID, s.userID, content)
	if err != nil {
		if s.optimistic {
			s.cache.Merge(key, func(old any, _ bool) any {
				return RemovePlaceholder(messagesOf(old), corrID)
			})
		}
		s.log.Error("message.send.fail", "conversation_id", conversationID, "err", err)
		return v1.Message{}, err
	}

	if s.optimistic {
		s.cache.Merge(key, func(old any, _ bool) any {
			return ConfirmPlaceholder(messagesOf(old), corrID, msg)
		})
	} else {
		s.cache.Merge(key, func(old any, _ bool) any {
			return MergeMessages(messagesOf(old), Message{Message: msg})
		})
	}
	s.cache.Invalidate(ConversationsKey(s.userID))
	return msg, nil
}
