package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// ChangePublisher receives every committed message insert.
type ChangePublisher interface {
	PublishInsert(ctx context.Context, msg v1.Message, participants [2]string) error
}

type noopPublisher struct{}

func (noopPublisher) PublishInsert(context.Context, v1.Message, [2]string) error { return nil }

// Service applies caller-scoped rules on top of a Store and announces inserts.
type Service struct {
	log     *slog.Logger
	store   Store
	pub     ChangePublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithPublisher sets the change publisher (default: none).
func WithPublisher(p ChangePublisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithMetrics records store operation outcomes.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, opts ...ServiceOption) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:   log,
		store: store,
		pub:   noopPublisher{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Conversations lists the caller's conversations.
func (s *Service) Conversations(ctx context.Context, userID string) ([]v1.Conversation, error) {
	const op = "messaging.Conversations"
	if userID == "" {
		return nil, opErr(op, ErrUnauthorized, "")
	}

	out, err := s.store.ListConversations(ctx, userID)
	s.observe("list_conversations", err)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Messages lists one conversation's messages for a participant.
func (s *Service) Messages(ctx context.Context, userID, conversationID string) ([]v1.Message, error) {
	const op = "messaging.Messages"
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, opErr(op, ErrValidation, "missing conversation id")
	}
	if err := s.requireParticipant(ctx, op, userID, conversationID); err != nil {
		return nil, err
	}

	out, err := s.store.ListMessages(ctx, conversationID)
	s.observe("list_messages", err)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// StartConversation finds or creates the conversation between the caller and otherUserID.
func (s *Service) StartConversation(ctx context.Context, userID, otherUserID string) (string, error) {
	const op = "messaging.StartConversation"
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return "", opErr(op, ErrValidation, "missing other_user_id")
	}

	id, err := s.store.FindOrCreateConversation(ctx, FindOrCreateInput{
		UserA: userID,
		UserB: otherUserID,
		Now:   s.now(),
	})
	s.observe("find_or_create_conversation", err)
	if err != nil {
		return "", unavailable(op, err)
	}
	return id, nil
}

// SendMessage stores a message from the caller and publishes the insert.
// A publish failure is logged; the message is already committed.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID, content string) (v1.Message, error) {
	const op = "messaging.SendMessage"
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return v1.Message{}, opErr(op, ErrValidation, "missing conversation id")
	}
	text, err := validateContent(op, content)
	if err != nil {
		return v1.Message{}, err
	}

	res, err := s.store.InsertMessage(ctx, InsertMessageInput{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        text,
		Now:            s.now(),
	})
	s.observe("insert_message", err)
	if err != nil {
		return v1.Message{}, unavailable(op, err)
	}

	if err := s.pub.PublishInsert(ctx, res.Message, res.Participants); err != nil {
		s.log.Warn("message.publish.fail",
			"conversation_id", conversationID,
			"message_id", res.Message.ID,
			"err", err,
		)
	}

	s.log.Debug("message.insert",
		"conversation_id", conversationID,
		"message_id", res.Message.ID,
		"sender_id", userID,
	)
	return res.Message, nil
}

// SearchUsers looks up users by partial name, excluding the caller.
// A blank query returns an empty result without touching the store.
func (s *Service) SearchUsers(ctx context.Context, userID, query string) ([]v1.ChatUserProfile, error) {
	const op = "messaging.SearchUsers"
	q := NormalizeSearch(query)
	if q == "" {
		return []v1.ChatUserProfile{}, nil
	}

	out, err := s.store.SearchUsers(ctx, SearchUsersInput{
		Query:         q,
		ExcludeUserID: userID,
		Limit:         MaxSearchResults,
	})
	s.observe("search_users", err)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// SeedProfiles upserts profiles (dev bootstrap).
func (s *Service) SeedProfiles(ctx context.Context, profiles []v1.Profile) error {
	for _, p := range profiles {
		if err := s.store.UpsertProfile(ctx, p); err != nil {
			return err
		}
	}
	s.log.Info("profiles.seed", "count", len(profiles))
	return nil
}

func (s *Service) requireParticipant(ctx context.Context, op, userID, conversationID string) error {
	ok, err := s.store.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return unavailable(op, err)
	}
	if !ok {
		return opErr(op, ErrForbidden, "not a participant of this conversation")
	}
	return nil
}

func (s *Service) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveStore(op, err)
}

// ParseSeedProfiles parses "id:First:Last,id:First:Last".
func ParseSeedProfiles(raw string) []v1.Profile {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make([]v1.Profile, 0, 4)
	for _, item := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(item), ":", 3)
		if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
			continue
		}
		p := v1.Profile{ID: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			p.FirstName = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			p.LastName = strings.TrimSpace(parts[2])
		}
		out = append(out, p)
	}
	return out
}
