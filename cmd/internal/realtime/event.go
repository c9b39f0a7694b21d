package realtime

import (
	"context"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// ChangeEvent is one committed row change on the messages table, routed to the
// subscribers allowed to see it.
type ChangeEvent struct {
	EventType    string     `json:"event_type"`
	Table        string     `json:"table"`
	Row          v1.Message `json:"row"`
	Participants [2]string  `json:"participants"`
}

// Involves reports whether userID is one of the event's participants.
func (e ChangeEvent) Involves(userID string) bool {
	return userID != "" && (e.Participants[0] == userID || e.Participants[1] == userID)
}

// Publisher adapts a Broker to the message service: every committed insert becomes
// an INSERT ChangeEvent.
type Publisher struct {
	Broker Broker
}

// PublishInsert publishes msg as an INSERT on the messages table.
func (p Publisher) PublishInsert(ctx context.Context, msg v1.Message, participants [2]string) error {
	if p.Broker == nil {
		return nil
	}
	return p.Broker.Publish(ctx, ChangeEvent{
		EventType:    v1.EventInsert,
		Table:        v1.TableMessages,
		Row:          msg,
		Participants: participants,
	})
}
