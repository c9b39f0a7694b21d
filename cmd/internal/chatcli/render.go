package chatcli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/chatsync"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

const (
	timeLayout      = "2006-01-02 15:04"
	previewMaxRunes = 48
)

func formatConversation(c v1.Conversation, selected bool) string {
	mark := " "
	if selected {
		mark = "*"
	}
	name := c.OtherParticipant.DisplayName()
	if name == "" {
		name = c.OtherParticipant.ID
	}
	preview := "(no messages yet)"
	if c.LastMessage != nil {
		preview = truncate(c.LastMessage.Content, previewMaxRunes)
	}
	return fmt.Sprintf("%s %s  %-20s %s  %s", mark, c.ActiveAt().UTC().Format(timeLayout), name, c.ID, preview)
}

func formatMessage(m chatsync.Message, self string) string {
	who := m.SenderID
	switch {
	case m.SenderID == self:
		who = "you"
	case m.Sender != nil && m.Sender.DisplayName() != "":
		who = m.Sender.DisplayName()
	}
	line := fmt.Sprintf("%s  %s: %s", m.CreatedAt.UTC().Format(timeLayout), who, m.Content)
	if m.Pending {
		line += " (sending)"
	}
	return line
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "~"
}

func renderConversations(w io.Writer, s chatsync.ConversationListSnapshot) {
	switch {
	case s.Status == chatsync.StatusError:
		fmt.Fprintf(w, "! could not load conversations: %v\n", s.Err)
	case s.Empty():
		fmt.Fprintln(w, "No conversations yet. Start one with: harvest-chat start <user-id>")
	default:
		for _, c := range s.Conversations {
			fmt.Fprintln(w, formatConversation(c, c.ID == s.SelectedID))
		}
	}
}

// threadPrinter appends each message of a thread once, in visible order.
type threadPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	self    string
	printed map[string]bool
	lastErr string
}

func newThreadPrinter(w io.Writer, self string) *threadPrinter {
	return &threadPrinter{w: w, self: self, printed: make(map[string]bool)}
}

func (p *threadPrinter) render(s chatsync.ThreadSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Status == chatsync.StatusError && s.Err != nil {
		if msg := s.Err.Error(); msg != p.lastErr {
			p.lastErr = msg
			fmt.Fprintf(p.w, "! %s\n", msg)
		}
		return
	}
	p.lastErr = ""
	for _, m := range s.Messages {
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.w, formatMessage(m, p.self))
	}
}
