package messaging

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/identity/ids"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// memMaxMessagesPerConversation bounds dev-store memory. Older messages are
// dropped past it and a warning is logged.
const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev-only fallback when DB is not configured.
type InMemoryStore struct {
	log        *slog.Logger
	maxHistory int

	mu       sync.Mutex
	profiles map[string]v1.Profile
	convs    map[string]*memConv
	byPair   map[string]string // pairKey -> conversation id
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryLogger sets the logger used for history trimming warnings.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(s *InMemoryStore) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMessageLimit overrides how many messages each conversation keeps.
func WithMessageLimit(n int) MemoryOption {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

type memConv struct {
	id        string
	users     [2]string
	createdAt time.Time
	msgs      []v1.Message // ordered by (created_at, id)
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		log:        slog.Default(),
		maxHistory: memMaxMessagesPerConversation,
		profiles:   make(map[string]v1.Profile),
		convs:      make(map[string]*memConv),
		byPair:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// UpsertProfile stores or replaces a profile.
func (s *InMemoryStore) UpsertProfile(ctx context.Context, p v1.Profile) error {
	const op = "messaging.UpsertProfile"
	if strings.TrimSpace(p.ID) == "" {
		return opErr(op, ErrValidation, "missing profile id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
	return nil
}

// ListConversations returns userID's conversations, most recently active first.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]v1.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]v1.Conversation, 0, 8)
	for _, c := range s.convs {
		if c.users[0] != userID && c.users[1] != userID {
			continue
		}
		other := c.users[0]
		if other == userID {
			other = c.users[1]
		}

		conv := v1.Conversation{
			ID:               c.id,
			ParticipantIDs:   c.users,
			OtherParticipant: s.profileLocked(other),
			CreatedAt:        c.createdAt,
		}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			conv.LastMessage = &v1.MessagePreview{Content: last.Content, CreatedAt: last.CreatedAt}
		}
		out = append(out, conv)
	}
	s.mu.Unlock()

	sortConversations(out)
	return out, nil
}

// ListMessages returns the messages of a conversation ordered by created_at ASC.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return []v1.Message{}, nil
	}
	out := make([]v1.Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		p := s.profileLocked(m.SenderID)
		m.Sender = &p
		out = append(out, m)
	}
	return out, nil
}

// FindOrCreateConversation returns the conversation of the pair, creating it once.
func (s *InMemoryStore) FindOrCreateConversation(ctx context.Context, in FindOrCreateInput) (string, error) {
	const op = "messaging.FindOrCreateConversation"
	if in.UserA == "" || in.UserB == "" {
		return "", opErr(op, ErrValidation, "missing user id")
	}
	if in.UserA == in.UserB {
		return "", opErr(op, ErrValidation, "cannot start a conversation with yourself")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := pairKey(in.UserA, in.UserB)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		return id, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return "", unavailable(op, err)
	}
	lo, hi := canonicalPair(in.UserA, in.UserB)
	s.convs[id] = &memConv{id: id, users: [2]string{lo, hi}, createdAt: now}
	s.byPair[key] = id
	return id, nil
}

// InsertMessage appends a message sent by a participant.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error) {
	const op = "messaging.InsertMessage"
	if in.ConversationID == "" || in.SenderID == "" {
		return InsertMessageResult{}, opErr(op, ErrValidation, "missing conversation or sender id")
	}
	text, err := validateContent(op, in.Content)
	if err != nil {
		return InsertMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return InsertMessageResult{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if c.users[0] != in.SenderID && c.users[1] != in.SenderID {
		return InsertMessageResult{}, opErr(op, ErrForbidden, "sender is not a participant")
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return InsertMessageResult{}, unavailable(op, err)
	}
	msg := v1.Message{
		ID:             id,
		ConversationID: c.id,
		SenderID:       in.SenderID,
		Content:        text,
		CreatedAt:      now,
	}

	c.msgs = append(c.msgs, msg)
	// Callers may pass an explicit Now older than the tail.
	if n := len(c.msgs); n > 1 && messageLess(c.msgs[n-1], c.msgs[n-2]) {
		sort.SliceStable(c.msgs, func(i, j int) bool { return messageLess(c.msgs[i], c.msgs[j]) })
	}
	if over := len(c.msgs) - s.maxHistory; over > 0 {
		c.msgs = c.msgs[over:]
		s.log.Warn("messaging.memory.trim",
			"conversation_id", c.id,
			"dropped", over,
			"limit", s.maxHistory,
		)
	}

	p := s.profileLocked(in.SenderID)
	msg.Sender = &p
	return InsertMessageResult{Message: msg, Participants: c.users}, nil
}

// SearchUsers matches the normalized query against first and last names.
func (s *InMemoryStore) SearchUsers(ctx context.Context, in SearchUsersInput) ([]v1.ChatUserProfile, error) {
	if in.Query == "" {
		return []v1.ChatUserProfile{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]v1.ChatUserProfile, 0, 8)
	for id, p := range s.profiles {
		if id == in.ExcludeUserID || !nameMatches(p, in.Query) {
			continue
		}
		out = append(out, v1.ChatUserProfile{ID: id, FirstName: p.FirstName, LastName: p.LastName})
	}
	s.mu.Unlock()

	sortUsers(out)
	if limit := clampLimit(in.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IsParticipant reports whether userID is one of the two parties of conversationID.
func (s *InMemoryStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return false, nil
	}
	return c.users[0] == userID || c.users[1] == userID, nil
}

// profileLocked returns the stored profile or a bare one carrying only the id.
func (s *InMemoryStore) profileLocked(userID string) v1.Profile {
	if p, ok := s.profiles[userID]; ok {
		return p
	}
	return v1.Profile{ID: userID}
}

func messageLess(a, b v1.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortConversations(cs []v1.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		ai, aj := cs[i].ActiveAt(), cs[j].ActiveAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return cs[i].ID > cs[j].ID
	})
}
