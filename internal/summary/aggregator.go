// Package summary maintains the denormalized per-conversation projection:
// one row per chat with the last-message snapshot and unread count, kept in
// sync incrementally so the chat list never needs a scan over messages.
package summary

import (
	"context"
	"fmt"

	"github.com/jamie/blinkchat/internal/bus"
	"github.com/jamie/blinkchat/internal/protocol"
	"github.com/jamie/blinkchat/internal/rest"
	"github.com/jamie/blinkchat/internal/store"
	"go.uber.org/zap"
)

// Aggregator owns writes to the chat_summaries table. Other components go
// through it so every summary mutation also lands on the bus.
type Aggregator struct {
	db     *store.DB
	api    *rest.Client
	bus    *bus.Bus
	logger *zap.Logger
}

func NewAggregator(db *store.DB, api *rest.Client, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{db: db, api: api, bus: b, logger: logger}
}

// Upsert replaces a whole summary row.
func (a *Aggregator) Upsert(s *store.ChatSummary) error {
	if err := a.db.UpsertChatSummary(s); err != nil {
		return err
	}
	a.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Payload: s.ID})
	return nil
}

// UpdateLastMessage refreshes the chat's last-message snapshot from m,
// optionally incrementing the unread counter. The caller decides the
// increment: inbound, from a peer, chat not currently open.
func (a *Aggregator) UpdateLastMessage(m *store.Message, incrementUnread bool) error {
	if err := a.db.UpdateLastMessage(m.ChatID, m, incrementUnread); err != nil {
		return err
	}
	a.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Payload: m.ChatID})
	return nil
}

// ResetUnread zeroes the unread counter, on chat open.
func (a *Aggregator) ResetUnread(chatID string) error {
	if err := a.db.ResetUnread(chatID); err != nil {
		return err
	}
	a.bus.Publish(bus.Event{Kind: bus.KindChatRead, Payload: chatID})
	return nil
}

// List returns all summaries ordered by most recent activity.
func (a *Aggregator) List() ([]store.ChatSummary, error) {
	return a.db.ListChatSummaries()
}

// RefreshFromServer replaces local summaries with the server's chat list.
// Participants ride along and are upserted into the users table.
func (a *Aggregator) RefreshFromServer(ctx context.Context) error {
	chats, err := a.api.Chats(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("fetch chat list: %w", err)
	}

	for _, chat := range chats {
		s, other := summaryFromChat(chat)
		if s == nil {
			a.logger.Warn("skipping chat with no other participant", zap.String("chat_id", chat.ID))
			continue
		}
		if other != nil {
			if err := a.db.UpsertUser(other); err != nil {
				return err
			}
		}
		if err := a.db.UpsertChatSummary(s); err != nil {
			return err
		}
	}

	a.logger.Info("chat list refreshed from server", zap.Int("chats", len(chats)))
	a.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Payload: ""})
	return nil
}

// summaryFromChat maps a wire chat to the local projection. Returns nil when
// the chat has no other participant (should not happen in 1:1 chats).
func summaryFromChat(chat rest.Chat) (*store.ChatSummary, *store.User) {
	if len(chat.OtherParticipants) == 0 {
		return nil, nil
	}
	p := chat.OtherParticipants[0]

	s := &store.ChatSummary{
		ID:            chat.ID,
		OtherUserID:   p.ID,
		OtherUsername: p.Username,
		UnreadCount:   chat.UnreadCount,
		ChatCreatedAt: protocol.ParseTimestamp(chat.CreatedAt),
	}
	if lm := chat.LastMessage; lm != nil {
		s.LastMessageID = lm.ID
		s.LastMessageContent = lm.Content
		s.LastMessageTimestamp = protocol.ParseTimestamp(lm.Timestamp)
		s.LastMessageSenderID = lm.SenderID
		s.LastMessageStatus = lm.Status
	}

	u := &store.User{
		ID:        p.ID,
		Username:  p.Username,
		Email:     p.Email,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	return s, u
}
