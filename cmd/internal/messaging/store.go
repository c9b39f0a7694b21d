// Package messaging is the data side of Harvest chat: conversations between two
// marketplace users, their messages, and the user directory used to start them.
package messaging

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

const (
	// MaxMessageChars bounds message content after trimming.
	MaxMessageChars = 4000

	// MaxSearchResults caps SearchUsers.
	MaxSearchResults = 20
)

// Store persists conversations, messages and the profiles joined into them.
//
// Requirements:
//   - At most one conversation per unordered pair of users
//   - ListMessages ordered by created_at ASC, ties broken by id
//   - ListConversations ordered by latest activity DESC
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]v1.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error)
	FindOrCreateConversation(ctx context.Context, in FindOrCreateInput) (string, error)
	InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error)
	SearchUsers(ctx context.Context, in SearchUsersInput) ([]v1.ChatUserProfile, error)
	UpsertProfile(ctx context.Context, p v1.Profile) error
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	Close() error
}

// FindOrCreateInput names the two parties of a conversation. Order does not matter.
type FindOrCreateInput struct {
	UserA string
	UserB string
	Now   time.Time
}

// InsertMessageInput describes a message append request.
type InsertMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}

// InsertMessageResult is the stored message plus the two participants, so callers
// can route the change without a second lookup.
type InsertMessageResult struct {
	Message      v1.Message
	Participants [2]string
}

// SearchUsersInput is a user-directory query. Query must already be normalized
// with NormalizeSearch.
type SearchUsersInput struct {
	Query         string
	ExcludeUserID string
	Limit         int
}

// canonicalPair orders two user ids so that {a,b} and {b,a} share one key.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func pairKey(a, b string) string {
	lo, hi := canonicalPair(a, b)
	return "conversation-pair:" + lo + ":" + hi
}

// validateContent trims content and enforces length bounds.
func validateContent(op, content string) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", opErr(op, ErrValidation, "message content is empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return "", opErr(op, ErrValidation, "message content too long")
	}
	return text, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxSearchResults {
		return MaxSearchResults
	}
	return limit
}
