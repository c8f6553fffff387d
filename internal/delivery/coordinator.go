// Package delivery is the send/receive protocol bridging optimistic local
// writes, the real-time channel, REST fallback, and inbound event
// application. The optimistic row is the only synchronous contract: callers
// get it back immediately, confirmation arrives later through the store.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jamie/blinkchat/internal/bus"
	"github.com/jamie/blinkchat/internal/conn"
	"github.com/jamie/blinkchat/internal/protocol"
	"github.com/jamie/blinkchat/internal/rest"
	"github.com/jamie/blinkchat/internal/store"
	"github.com/jamie/blinkchat/internal/summary"
	"go.uber.org/zap"
)

// tempChatPrefix marks synthesized local chat ids for chat-establishing
// sends. Never sent over the wire.
const tempChatPrefix = "temp_chat_"

// ErrNotAuthenticated is returned by operations that need a resolved
// current-user identity before one is available.
var ErrNotAuthenticated = errors.New("not authenticated")

// Channel is the slice of the connection manager the coordinator uses.
type Channel interface {
	State() conn.State
	SendTyped(msgType string, payload any)
}

// API is the REST surface the coordinator falls back to.
type API interface {
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (*protocol.ServerMessagePayload, error)
	Messages(ctx context.Context, chatID string, limit, offset int) ([]protocol.ServerMessagePayload, error)
	Me(ctx context.Context) (*protocol.UserPayload, error)
	SearchUsers(ctx context.Context, query string) ([]protocol.UserPayload, error)
	UserByID(ctx context.Context, id string) (*protocol.UserPayload, error)
}

// RetryEnqueuer requests a background sweep of pending messages.
type RetryEnqueuer interface {
	Enqueue()
}

// StatusChange is the payload for message.status_changed bus events.
type StatusChange struct {
	MessageID string
	ChatID    string
	Status    string
}

// Coordinator implements the message delivery protocol. One instance per
// process; all methods are safe for concurrent use.
type Coordinator struct {
	db        *store.DB
	summaries *summary.Aggregator
	channel   Channel
	api       API
	retry     RetryEnqueuer
	bus       *bus.Bus
	logger    *zap.Logger

	mu         sync.Mutex
	selfID     string
	activeChat string

	cancel func()
}

func NewCoordinator(db *store.DB, summaries *summary.Aggregator, channel Channel, api API, retry RetryEnqueuer, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:        db,
		summaries: summaries,
		channel:   channel,
		api:       api,
		retry:     retry,
		bus:       b,
		logger:    logger,
	}
}

// Start resolves the current-user identity (best effort, re-attempted on
// reconnect) and begins consuming connection events.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.ResolveIdentity(ctx); err != nil {
		c.logger.Warn("identity not resolved yet", zap.Error(err))
	}

	ch, unsub := c.bus.Subscribe("conn.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleConnEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts event consumption.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// ResolveIdentity fetches the authenticated user over REST and caches it.
// Sends require it; inbound application requires it to classify self vs peer.
func (c *Coordinator) ResolveIdentity(ctx context.Context) error {
	me, err := c.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if err := c.db.UpsertUser(&store.User{
		ID:        me.ID,
		Username:  me.Username,
		Email:     me.Email,
		CreatedAt: me.CreatedAt,
		UpdatedAt: me.UpdatedAt,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.selfID = me.ID
	c.mu.Unlock()
	c.logger.Info("current user resolved", zap.String("user_id", me.ID), zap.String("username", me.Username))
	return nil
}

// CurrentUserID returns the resolved identity, empty when unresolved.
func (c *Coordinator) CurrentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// SetActiveChat records which conversation is open. Inbound messages for the
// active chat do not increment its unread counter. Empty clears it.
func (c *Coordinator) SetActiveChat(chatID string) {
	c.mu.Lock()
	c.activeChat = chatID
	c.mu.Unlock()
}

// SendMessage persists an optimistic row and attempts transmission in the
// background. Exactly one of chatID/receiverID must be non-empty; an empty
// chatID (new conversation) gets a synthesized temporary chat id until the
// server assigns the real one. The returned message is the optimistic row.
func (c *Coordinator) SendMessage(content, chatID, receiverID string) (*store.Message, error) {
	self := c.CurrentUserID()
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	if content == "" {
		return nil, errors.New("empty message content")
	}
	if chatID == "" && receiverID == "" {
		return nil, errors.New("either chatID or receiverID is required")
	}

	tempID := uuid.NewString()
	if chatID == "" {
		chatID = tempChatPrefix + uuid.NewString()
	}

	msg := &store.Message{
		ID:           tempID,
		ChatID:       chatID,
		SenderID:     self,
		ReceiverID:   receiverID,
		Content:      content,
		Timestamp:    time.Now().UnixMilli(),
		Status:       store.StatusSending,
		ClientTempID: tempID,
		IsOptimistic: true,
	}
	if err := c.db.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("persist optimistic message: %w", err)
	}
	// Subscribers get their own copy; the caller keeps msg.
	published := *msg
	c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: &published})
	c.logger.Debug("optimistic message saved",
		zap.String("client_temp_id", tempID), zap.String("chat_id", chatID))

	snapshot := *msg
	go c.trySend(context.Background(), &snapshot)

	return msg, nil
}

// trySend attempts one transmission of a pending message. Connected: fire
// the envelope and rely on the eventual ack. Otherwise: REST, reconciling
// synchronously on success. Reports whether the attempt at least initiated.
func (c *Coordinator) trySend(ctx context.Context, m *store.Message) bool {
	wireChatID := m.ChatID
	if strings.HasPrefix(wireChatID, tempChatPrefix) {
		wireChatID = ""
	}

	if c.channel.State() == conn.StateConnected {
		c.channel.SendTyped(protocol.TypeNewMessage, protocol.NewMessagePayload{
			ChatID:       wireChatID,
			ReceiverID:   m.ReceiverID,
			Content:      m.Content,
			ClientTempID: m.ClientTempID,
		})
		return true
	}

	c.logger.Debug("channel down, sending over rest", zap.String("client_temp_id", m.ClientTempID))
	server, err := c.api.SendMessage(ctx, rest.SendMessageRequest{
		ChatID:     wireChatID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
	})
	if err != nil {
		var apiErr *rest.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("rest send rejected",
				zap.String("client_temp_id", m.ClientTempID), zap.Int("status", apiErr.Status))
		} else {
			c.logger.Warn("rest send unreachable",
				zap.String("client_temp_id", m.ClientTempID), zap.Error(err))
		}
		if err := c.db.MarkMessageFailed(m.ID); err != nil {
			c.logger.Error("failed to mark message failed", zap.Error(err))
		}
		c.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Payload: m.ClientTempID})
		c.retry.Enqueue()
		return false
	}

	c.reconcile(m.ClientTempID, server.ID, server.ChatID, protocol.ParseTimestamp(server.Timestamp))
	return true
}

// reconcile transfers identity from the optimistic row to the server record:
// id, chat id, sent status, server timestamp, optimistic flag cleared, temp
// id unlinked. A missing temp id means the row was already reconciled; that
// replay is a silent no-op.
func (c *Coordinator) reconcile(clientTempID, serverID, chatID string, serverTs int64) {
	ok, err := c.db.ConfirmSentMessage(clientTempID, serverID, chatID, serverTs)
	if err != nil {
		c.logger.Error("reconciliation failed",
			zap.String("client_temp_id", clientTempID), zap.String("server_id", serverID), zap.Error(err))
		return
	}
	if !ok {
		c.logger.Debug("reconciliation replay ignored", zap.String("client_temp_id", clientTempID))
		return
	}

	m, err := c.db.MessageByID(serverID)
	if err != nil || m == nil {
		c.logger.Error("reconciled message missing", zap.String("server_id", serverID), zap.Error(err))
		return
	}
	if err := c.summaries.UpdateLastMessage(m, false); err != nil {
		c.logger.Error("summary refresh failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}
	c.bus.Publish(bus.Event{Kind: bus.KindMessageReconciled, Payload: m})
	c.logger.Info("message confirmed",
		zap.String("client_temp_id", clientTempID), zap.String("server_id", serverID))
}

// AttemptPending re-attempts every optimistic message stuck in sending or
// failed. Failed rows are promoted back to sending first. Returns an error
// if any attempt failed to even initiate, so the scheduler re-arms.
func (c *Coordinator) AttemptPending(ctx context.Context) error {
	pending, err := c.db.PendingMessages()
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	c.logger.Info("retrying pending messages", zap.Int("count", len(pending)))

	failed := 0
	for i := range pending {
		m := &pending[i]
		if m.Status == store.StatusFailed {
			if err := c.db.MarkMessageSending(m.ID); err != nil {
				c.logger.Error("failed to promote message to sending", zap.String("id", m.ID), zap.Error(err))
				failed++
				continue
			}
			m.Status = store.StatusSending
			c.bus.Publish(bus.Event{Kind: bus.KindMessageStatusChanged,
				Payload: StatusChange{MessageID: m.ID, ChatID: m.ChatID, Status: store.StatusSending}})
		}
		if !c.trySend(ctx, m) {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pending messages failed to initiate", failed, len(pending))
	}
	return nil
}

// UpdateMessageStatus applies a local status transition and announces it to
// the peer over the real-time channel. The announcements are best effort;
// they are not retried if the channel is down.
func (c *Coordinator) UpdateMessageStatus(chatID string, messageIDs []string, status string) error {
	if c.CurrentUserID() == "" {
		return ErrNotAuthenticated
	}
	for _, id := range messageIDs {
		changed, err := c.db.UpdateMessageStatus(id, status)
		if err != nil {
			return err
		}
		if changed {
			c.bus.Publish(bus.Event{Kind: bus.KindMessageStatusChanged,
				Payload: StatusChange{MessageID: id, ChatID: chatID, Status: status}})
		}
	}
	for _, id := range messageIDs {
		c.channel.SendTyped(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
			MessageID: id,
			ChatID:    chatID,
			Status:    status,
		})
	}
	return nil
}

// MarkChatRead marks every unread peer message in the chat as read, zeroes
// the unread counter, and sends read receipts for the affected messages.
func (c *Coordinator) MarkChatRead(chatID string) error {
	self := c.CurrentUserID()
	if self == "" {
		return ErrNotAuthenticated
	}

	ids, err := c.db.MarkPeerMessagesRead(chatID, self)
	if err != nil {
		return err
	}
	if err := c.summaries.ResetUnread(chatID); err != nil {
		return err
	}
	for _, id := range ids {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageStatusChanged,
			Payload: StatusChange{MessageID: id, ChatID: chatID, Status: store.StatusRead}})
		c.channel.SendTyped(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
			MessageID: id,
			ChatID:    chatID,
			Status:    store.StatusRead,
		})
	}
	return nil
}

// MessagesForChat returns the chat's messages in timestamp order.
func (c *Coordinator) MessagesForChat(chatID string) ([]store.Message, error) {
	return c.db.MessagesForChat(chatID)
}

// LoadOlderMessages backfills one page of history from the server. The
// offset is the count of locally stored rows for the chat, so each call
// extends the local window backwards. Returns how many rows were fetched.
func (c *Coordinator) LoadOlderMessages(ctx context.Context, chatID string, limit int) (int, error) {
	if c.CurrentUserID() == "" {
		return 0, ErrNotAuthenticated
	}

	offset, err := c.db.CountMessagesForChat(chatID)
	if err != nil {
		return 0, err
	}
	page, err := c.api.Messages(ctx, chatID, limit, offset)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	if len(page) == 0 {
		return 0, nil
	}

	msgs := make([]*store.Message, 0, len(page))
	for _, p := range page {
		msgs = append(msgs, messageFromServer(&p))
		if p.Sender != nil {
			if err := c.db.UpsertUser(&store.User{
				ID:        p.Sender.ID,
				Username:  p.Sender.Username,
				Email:     p.Sender.Email,
				CreatedAt: p.Sender.CreatedAt,
				UpdatedAt: p.Sender.UpdatedAt,
			}); err != nil {
				return 0, err
			}
		}
	}
	if err := c.db.InsertMessages(msgs); err != nil {
		return 0, err
	}
	c.bus.Publish(bus.Event{Kind: bus.KindMessagesBackfilled, Payload: chatID})
	return len(page), nil
}

// SearchUsers queries the user directory and caches the results locally.
// The returned users are the candidates for a chat-establishing send's
// receiver.
func (c *Coordinator) SearchUsers(ctx context.Context, query string) ([]store.User, error) {
	if c.CurrentUserID() == "" {
		return nil, ErrNotAuthenticated
	}
	found, err := c.api.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	users := make([]store.User, 0, len(found))
	for _, p := range found {
		u := store.User{
			ID:        p.ID,
			Username:  p.Username,
			Email:     p.Email,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		}
		if err := c.db.UpsertUser(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// LookupUser resolves a user, preferring the local cache and falling back
// to the directory. Fetched profiles are cached.
func (c *Coordinator) LookupUser(ctx context.Context, id string) (*store.User, error) {
	if u, err := c.db.UserByID(id); err != nil {
		return nil, err
	} else if u != nil {
		return u, nil
	}

	p, err := c.api.UserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", id, err)
	}
	u := &store.User{
		ID:        p.ID,
		Username:  p.Username,
		Email:     p.Email,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if err := c.db.UpsertUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// SendTyping forwards a typing signal. No persistence, no retry.
func (c *Coordinator) SendTyping(chatID string, isTyping bool) {
	self := c.CurrentUserID()
	if self == "" {
		return
	}
	c.channel.SendTyped(protocol.TypeTypingIndicator, protocol.TypingIndicatorPayload{
		ChatID:   chatID,
		UserID:   self,
		IsTyping: isTyping,
	})
}

// ObserveTyping delivers typing events for one chat. Self-originated events
// are already filtered out at ingestion. The returned cancel func must be
// called when the viewing context ends.
func (c *Coordinator) ObserveTyping(chatID string, bufSize int) (<-chan protocol.TypingIndicatorPayload, func()) {
	raw, unsub := c.bus.Subscribe(bus.KindTypingIndicator, bufSize)
	out := make(chan protocol.TypingIndicatorPayload, bufSize)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case evt := <-raw:
				p, ok := evt.Payload.(protocol.TypingIndicatorPayload)
				if !ok || p.ChatID != chatID {
					continue
				}
				select {
				case out <- p:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// handleConnEvent consumes the connection manager's event stream.
func (c *Coordinator) handleConnEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnEnvelope:
		env, ok := evt.Payload.(protocol.Envelope)
		if !ok {
			c.logger.Error("conn.envelope event with unexpected payload type")
			return
		}
		c.applyEnvelope(env)
	case bus.KindConnEstablished:
		if c.CurrentUserID() == "" {
			if err := c.ResolveIdentity(ctx); err != nil {
				c.logger.Warn("identity still unresolved after reconnect", zap.Error(err))
			}
		}
		// Flush anything that queued up while offline.
		c.retry.Enqueue()
	case bus.KindConnClosed:
		c.logger.Info("real-time channel closed")
	case bus.KindConnFailed:
		c.logger.Warn("real-time channel failed")
	}
}

// applyEnvelope dispatches one inbound envelope by type. Malformed payloads
// are logged and dropped; they never stop the stream.
func (c *Coordinator) applyEnvelope(env protocol.Envelope) {
	self := c.CurrentUserID()
	if self == "" {
		c.logger.Warn("inbound envelope before identity resolved, ignoring", zap.String("type", env.Type))
		return
	}

	switch env.Type {
	case protocol.TypeNewMessage:
		var p protocol.ServerMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Error("malformed new_message payload", zap.Error(err))
			return
		}
		c.applyNewMessage(&p, self)

	case protocol.TypeSentAck:
		var p protocol.SentAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Error("malformed message_sent_ack payload", zap.Error(err))
			return
		}
		if p.ClientTempID == "" {
			c.logger.Warn("sent ack without clientTempId, ignoring", zap.String("message_id", p.MessageID))
			return
		}
		c.reconcile(p.ClientTempID, p.MessageID, p.ChatID, protocol.ParseTimestamp(p.Timestamp))

	case protocol.TypeStatusUpdate:
		var p protocol.ServerStatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Error("malformed message_status_update payload", zap.Error(err))
			return
		}
		c.applyStatusUpdate(&p)

	case protocol.TypeTypingIndicator:
		var p protocol.TypingIndicatorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Error("malformed typing_indicator payload", zap.Error(err))
			return
		}
		if p.UserID == self {
			return
		}
		c.bus.Publish(bus.Event{Kind: bus.KindTypingIndicator, Payload: p})

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Error("malformed error payload", zap.Error(err))
			return
		}
		c.logger.Error("server error frame",
			zap.String("message", p.Message),
			zap.String("original_type", p.OriginalMessageType),
			zap.Int("code", p.Code))

	default:
		c.logger.Warn("unknown envelope type, ignoring", zap.String("type", env.Type))
	}
}

// applyNewMessage inserts a server-authoritative message. Unread increments
// only for peer messages in chats that are not currently open.
func (c *Coordinator) applyNewMessage(p *protocol.ServerMessagePayload, self string) {
	m := messageFromServer(p)
	if err := c.db.InsertMessage(m); err != nil {
		c.logger.Error("failed to insert inbound message", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if p.Sender != nil {
		if err := c.db.UpsertUser(&store.User{
			ID:        p.Sender.ID,
			Username:  p.Sender.Username,
			Email:     p.Sender.Email,
			CreatedAt: p.Sender.CreatedAt,
			UpdatedAt: p.Sender.UpdatedAt,
		}); err != nil {
			c.logger.Error("failed to upsert sender", zap.Error(err))
		}
	}

	c.mu.Lock()
	active := c.activeChat
	c.mu.Unlock()
	increment := m.SenderID != self && m.ChatID != active

	if err := c.summaries.UpdateLastMessage(m, increment); err != nil {
		c.logger.Error("summary refresh failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}
	c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: m})
}

// applyStatusUpdate advances a message's status. Unknown ids are a no-op:
// a status update racing ahead of its new_message insert must not create an
// orphan row or fail the stream.
func (c *Coordinator) applyStatusUpdate(p *protocol.ServerStatusUpdatePayload) {
	changed, err := c.db.UpdateMessageStatus(p.MessageID, p.Status)
	if err != nil {
		c.logger.Error("failed to apply status update", zap.String("message_id", p.MessageID), zap.Error(err))
		return
	}
	if !changed {
		c.logger.Debug("status update was a no-op", zap.String("message_id", p.MessageID), zap.String("status", p.Status))
		return
	}
	c.bus.Publish(bus.Event{Kind: bus.KindMessageStatusChanged,
		Payload: StatusChange{MessageID: p.MessageID, ChatID: p.ChatID, Status: p.Status}})

	// Refresh the summary snapshot when the updated row is the chat's
	// current last message.
	s, err := c.db.ChatSummaryByID(p.ChatID)
	if err != nil || s == nil || s.LastMessageID != p.MessageID {
		return
	}
	m, err := c.db.MessageByID(p.MessageID)
	if err != nil || m == nil {
		return
	}
	if err := c.summaries.UpdateLastMessage(m, false); err != nil {
		c.logger.Error("summary refresh failed", zap.String("chat_id", p.ChatID), zap.Error(err))
	}
}

func messageFromServer(p *protocol.ServerMessagePayload) *store.Message {
	return &store.Message{
		ID:        p.ID,
		ChatID:    p.ChatID,
		SenderID:  p.SenderID,
		Content:   p.Content,
		Timestamp: protocol.ParseTimestamp(p.Timestamp),
		Status:    p.Status,
	}
}
