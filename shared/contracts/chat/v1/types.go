package v1

import "time"

// Profile is the denormalized public profile of a marketplace user.
type Profile struct {
	ID        string  `json:"id"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	AvatarURL *string `json:"avatar,omitempty"`
}

// DisplayName returns "First Last", trimmed.
func (p Profile) DisplayName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	default:
		return p.FirstName + " " + p.LastName
	}
}

// MessagePreview is the projection of the most recent message of a conversation.
type MessagePreview struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a two-party thread as seen by one participant.
type Conversation struct {
	ID               string          `json:"id"`
	ParticipantIDs   [2]string       `json:"participant_ids"`
	OtherParticipant Profile         `json:"other_participant"`
	LastMessage      *MessagePreview `json:"last_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ActiveAt is the time used to order conversation lists (latest activity first).
func (c Conversation) ActiveAt() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.CreatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Message is an immutable text record belonging to one conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Sender         *Profile  `json:"sender,omitempty"`
}

// ChatUserProfile is a user search result.
type ChatUserProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ---- HTTP bodies ----

// ConversationsResponse is returned by GET /v1/conversations.
type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// MessagesResponse is returned by GET /v1/conversations/{id}/messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// FindOrCreateConversationRequest is the body of POST /v1/conversations.
type FindOrCreateConversationRequest struct {
	OtherUserID string `json:"other_user_id"`
}

// FindOrCreateConversationResponse is returned by POST /v1/conversations.
type FindOrCreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageRequest is the body of POST /v1/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is returned by POST /v1/conversations/{id}/messages.
type SendMessageResponse struct {
	Message Message `json:"message"`
}

// SearchUsersResponse is returned by GET /v1/users/search.
type SearchUsersResponse struct {
	Users []ChatUserProfile `json:"users"`
}

// APIError is the error body shared by every endpoint.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps APIError.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Stable API error codes.
const (
	CodeValidation      = "validation_error"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeDataUnavailable = "data_unavailable"
	CodeRateLimited     = "rate_limited"
)
