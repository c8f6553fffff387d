package store

// Message lifecycle statuses. Status only advances forward
// (sending -> sent -> delivered -> read); failed is reachable from sending
// and is retriable back to sending.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message is the central entity. Before server confirmation the row is keyed
// by the client-generated temp id (ID == ClientTempID, IsOptimistic true);
// reconciliation transfers identity to the server-assigned id.
type Message struct {
	ID           string
	ChatID       string
	SenderID     string
	ReceiverID   string // populated only for chat-establishing first messages
	Content      string
	Timestamp    int64 // unix ms; client-assigned until confirmed, server value wins
	Status       string
	ClientTempID string
	IsOptimistic bool
}

// ChatSummary is the denormalized per-conversation projection.
type ChatSummary struct {
	ID                   string
	OtherUserID          string
	OtherUsername        string
	LastMessageID        string
	LastMessageContent   string
	LastMessageTimestamp int64
	LastMessageSenderID  string
	LastMessageStatus    string
	UnreadCount          int
	ChatCreatedAt        int64
}

// User is a cached denormalized copy of a remote identity.
type User struct {
	ID        string
	Username  string
	Email     string
	CreatedAt string
	UpdatedAt string
}
