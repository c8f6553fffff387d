package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, e.g. "conn." receives every connection event.
const (
	KindConnStateChanged = "conn.state_changed"
	KindConnEstablished  = "conn.established"
	KindConnClosing      = "conn.closing"
	KindConnClosed       = "conn.closed"
	KindConnFailed       = "conn.failed"
	KindConnEnvelope     = "conn.envelope"

	KindMessageUpserted      = "message.upserted"
	KindMessagesBackfilled   = "message.backfilled"
	KindMessageReconciled    = "message.reconciled"
	KindMessageSendFailed    = "message.send_failed"
	KindMessageStatusChanged = "message.status_changed"

	KindChatUpdated = "chat.updated"
	KindChatRead    = "chat.read"

	KindTypingIndicator = "typing.indicator"
)
