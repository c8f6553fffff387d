package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every frame on the real-time channel. The payload shape is
// selected by Type and decoded lazily by the consumer; unknown types are the
// consumer's problem, never a parse failure.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client-to-server envelope types.
const (
	TypeNewMessage      = "new_message"
	TypeStatusUpdate    = "message_status_update"
	TypeTypingIndicator = "typing_indicator"
)

// Server-to-client envelope types (new_message, message_status_update and
// typing_indicator are shared with the client direction).
const (
	TypeSentAck = "message_sent_ack"
	TypeError   = "error"
)

// NewEnvelope marshals a typed payload into an envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// NewMessagePayload is the client's send frame. ChatID is empty for
// chat-establishing first messages, which carry ReceiverID instead.
type NewMessagePayload struct {
	ChatID       string `json:"chatId,omitempty"`
	ReceiverID   string `json:"receiverId,omitempty"`
	Content      string `json:"content"`
	ClientTempID string `json:"clientTempId"`
}

// StatusUpdatePayload announces a delivery/read transition for one message.
type StatusUpdatePayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Status    string `json:"status"`
}

// TypingIndicatorPayload is the transient typing signal, both directions.
type TypingIndicatorPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserPayload is a remote user identity embedded in server frames.
type UserPayload struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// ServerMessagePayload is a full server-authoritative message, sent for
// inbound "new_message" frames and returned by the REST send endpoint.
type ServerMessagePayload struct {
	ID        string       `json:"id"`
	ChatID    string       `json:"chatId"`
	SenderID  string       `json:"senderId"`
	Content   string       `json:"content"`
	Timestamp string       `json:"timestamp"`
	Status    string       `json:"status"`
	Sender    *UserPayload `json:"sender,omitempty"`
}

// SentAckPayload correlates a server-confirmed message back to the client's
// optimistic row via ClientTempID.
type SentAckPayload struct {
	ClientTempID string `json:"clientTempId,omitempty"`
	MessageID    string `json:"messageId"`
	ChatID       string `json:"chatId"`
	Timestamp    string `json:"timestamp"`
}

// ServerStatusUpdatePayload announces a peer-triggered status transition.
type ServerStatusUpdatePayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Status    string `json:"status"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload is a best-effort diagnostic from the server.
type ErrorPayload struct {
	Message             string `json:"message"`
	OriginalMessageType string `json:"originalMessageType,omitempty"`
	Code                int    `json:"code,omitempty"`
}

// ParseTimestamp converts a wire RFC3339 timestamp to unix milliseconds,
// falling back to the current time when absent or malformed (the server
// value wins whenever it is usable).
func ParseTimestamp(s string) int64 {
	if s == "" {
		return time.Now().UnixMilli()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Now().UnixMilli()
		}
	}
	return t.UnixMilli()
}
