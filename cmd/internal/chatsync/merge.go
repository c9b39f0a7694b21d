package chatsync

import (
	"sort"
	"strings"
	"time"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// PlaceholderPrefix marks the ids of optimistic messages that the server has not confirmed.
const PlaceholderPrefix = "local-"

// Message is a thread entry: a stored message, or a pending placeholder created by
// an optimistic send.
type Message struct {
	v1.Message

	Pending       bool
	CorrelationID string
}

// IsPlaceholder reports whether m was created locally and awaits confirmation.
func (m Message) IsPlaceholder() bool {
	return m.Pending || strings.HasPrefix(m.ID, PlaceholderPrefix)
}

// Confirmed wraps server records as thread entries.
func Confirmed(msgs ...v1.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Message: m}
	}
	return out
}

// NewPlaceholder builds the pending entry for an optimistic send.
func NewPlaceholder(correlationID, conversationID, senderID, content string, now time.Time) Message {
	return Message{
		Message: v1.Message{
			ID:             PlaceholderPrefix + correlationID,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      now.UTC(),
		},
		Pending:       true,
		CorrelationID: correlationID,
	}
}

// placeholderMatchWindow bounds the clock distance between a placeholder and the
// stored record that may take its place.
const placeholderMatchWindow = 2 * time.Minute

// MergeMessages returns a new sequence holding existing plus incoming, without
// duplicate ids, sorted by CreatedAt then ID. When an id appears twice the
// confirmed entry wins over a pending one; otherwise the earlier entry is kept.
//
// A confirmed record that is new to the sequence replaces the oldest pending
// placeholder with the same conversation, sender and content created within
// placeholderMatchWindow, so a record delivered before its send returns is not
// shown twice. The inputs are not modified.
func MergeMessages(existing []Message, incoming ...Message) []Message {
	return mergeMessages(existing, incoming, true)
}

func mergeMessages(existing, incoming []Message, absorb bool) []Message {
	out := make([]Message, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	var arrived []int

	add := func(m Message, fromIncoming bool) {
		if i, ok := index[m.ID]; ok {
			if out[i].Pending && !m.Pending {
				out[i] = m
			}
			return
		}
		index[m.ID] = len(out)
		if fromIncoming && !m.Pending {
			arrived = append(arrived, len(out))
		}
		out = append(out, m)
	}
	for _, m := range existing {
		add(m, false)
	}
	for _, m := range incoming {
		add(m, true)
	}

	if absorb && len(arrived) > 0 {
		out = absorbPlaceholders(out, arrived)
	}
	sortMessages(out)
	return out
}

// absorbPlaceholders drops, for each newly arrived confirmed entry, the oldest
// pending entry it stands for. Each placeholder is dropped at most once.
func absorbPlaceholders(msgs []Message, arrived []int) []Message {
	drop := make(map[int]bool)
	for _, ai := range arrived {
		rec := msgs[ai]
		best := -1
		for i, m := range msgs {
			if !m.Pending || drop[i] || !standsFor(m, rec) {
				continue
			}
			if best < 0 || m.CreatedAt.Before(msgs[best].CreatedAt) {
				best = i
			}
		}
		if best >= 0 {
			drop[best] = true
		}
	}
	if len(drop) == 0 {
		return msgs
	}
	out := msgs[:0:0]
	for i, m := range msgs {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}

func standsFor(placeholder, rec Message) bool {
	if placeholder.ConversationID != rec.ConversationID ||
		placeholder.SenderID != rec.SenderID ||
		placeholder.Content != rec.Content {
		return false
	}
	d := rec.CreatedAt.Sub(placeholder.CreatedAt)
	return d <= placeholderMatchWindow && d >= -placeholderMatchWindow
}

// ConfirmPlaceholder removes the placeholder tagged correlationID and merges the
// confirmed record. Applying it before or after a realtime delivery of the same
// record gives the same result.
func ConfirmPlaceholder(existing []Message, correlationID string, confirmed v1.Message) []Message {
	return mergeMessages(RemovePlaceholder(existing, correlationID), []Message{{Message: confirmed}}, false)
}

// RemovePlaceholder returns existing without the placeholder tagged correlationID.
func RemovePlaceholder(existing []Message, correlationID string) []Message {
	out := make([]Message, 0, len(existing))
	for _, m := range existing {
		if m.Pending && m.CorrelationID == correlationID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// messagesOf converts a cached value back to a thread. Unknown values yield nil.
func messagesOf(v any) []Message {
	msgs, _ := v.([]Message)
	return msgs
}

// reconcileMessages is the Reconciler for message keys. Stored messages are never
// edited or deleted, so a reload is merged into the cached thread: placeholders and
// appends that raced with the load survive.
func reconcileMessages(current, loaded any) any {
	return MergeMessages(messagesOf(current), messagesOf(loaded)...)
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sameSequence(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Pending != b[i].Pending {
			return false
		}
	}
	return true
}
