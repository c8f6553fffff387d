package store

import (
	"database/sql"
	"fmt"
	"time"
)

// statusRank orders message statuses for the monotonic-advance guard.
// failed is excluded: it is entered and left only through the explicit
// MarkMessageFailed / MarkMessageSending edges.
const statusRankCase = `CASE %s
	WHEN 'sending' THEN 0
	WHEN 'sent' THEN 1
	WHEN 'delivered' THEN 2
	WHEN 'read' THEN 3
	ELSE -1 END`

// InsertMessage inserts or replaces a message row keyed by id.
func (db *DB) InsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT OR REPLACE INTO messages (id, chat_id, sender_id, receiver_id, content, timestamp, status, client_temp_id, is_optimistic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, nullable(m.ReceiverID), m.Content, m.Timestamp, m.Status, nullable(m.ClientTempID), m.IsOptimistic, now)
	return err
}

// InsertMessages batch-inserts messages, ignoring rows whose id already
// exists. Used for history backfill, which must never clobber a newer local
// status.
func (db *DB) InsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO messages (id, chat_id, sender_id, receiver_id, content, timestamp, status, client_temp_id, is_optimistic, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChatID, m.SenderID, nullable(m.ReceiverID), m.Content, m.Timestamp, m.Status, nullable(m.ClientTempID), m.IsOptimistic, now); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// MessageByID returns a message by its current key, or nil if absent.
func (db *DB) MessageByID(id string) (*Message, error) {
	return db.queryOne(`WHERE id = ?`, id)
}

// MessageByClientTempID returns a not-yet-reconciled message, or nil.
func (db *DB) MessageByClientTempID(clientTempID string) (*Message, error) {
	return db.queryOne(`WHERE client_temp_id = ?`, clientTempID)
}

// MessagesForChat returns all messages for a chat in ascending timestamp
// order. Per-chat ordering is by stored timestamp, not event arrival order.
func (db *DB) MessagesForChat(chatID string) ([]Message, error) {
	return db.queryMany(`
		SELECT id, chat_id, sender_id, receiver_id, content, timestamp, status, client_temp_id, is_optimistic
		FROM messages WHERE chat_id = ? ORDER BY timestamp ASC`, chatID)
}

// MessagesBefore returns up to limit messages older than beforeTs, newest
// first. beforeTs <= 0 means "now".
func (db *DB) MessagesBefore(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	return db.queryMany(`
		SELECT id, chat_id, sender_id, receiver_id, content, timestamp, status, client_temp_id, is_optimistic
		FROM messages WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?`, chatID, beforeTs, limit)
}

// CountMessagesForChat returns the number of locally stored rows for a chat.
func (db *DB) CountMessagesForChat(chatID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}

// UpdateMessageStatus advances a message's status. The update is rank-gated:
// a status never moves backwards, and an unknown id affects zero rows (both
// are silent no-ops). Returns whether a row actually changed, so callers can
// suppress notifications for no-op updates.
func (db *DB) UpdateMessageStatus(id, status string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE messages SET status = ?
		WHERE id = ? AND status != 'failed'
		AND %s < %s`,
		fmt.Sprintf(statusRankCase, "status"),
		fmt.Sprintf(statusRankCase, "?"))
	res, err := db.Exec(query, status, id, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkMessageFailed moves a message from sending to failed.
func (db *DB) MarkMessageFailed(id string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed' WHERE id = ? AND status = 'sending'`, id)
	return err
}

// MarkMessageSending moves a failed message back to sending for a retry.
func (db *DB) MarkMessageSending(id string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'sending' WHERE id = ? AND status IN ('failed', 'sending')`, id)
	return err
}

// MarkPeerMessagesRead bulk-advances peer-authored messages of a chat to
// read. Used when the conversation is opened.
func (db *DB) MarkPeerMessagesRead(chatID, selfUserID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM messages
		WHERE chat_id = ? AND sender_id != ? AND status IN ('sent', 'delivered')`,
		chatID, selfUserID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := db.UpdateMessageStatus(id, StatusRead); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ConfirmSentMessage is the reconciliation step: it transfers row identity
// from the client temp id to the server id in a single UPDATE, adopting the
// server chat id, timestamp and sent status. Returns false when no row
// carries the temp id anymore (already reconciled, silent no-op).
func (db *DB) ConfirmSentMessage(clientTempID, serverID, chatID string, serverTs int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages
		SET id = ?, chat_id = ?, status = 'sent', timestamp = ?, is_optimistic = 0, client_temp_id = NULL
		WHERE client_temp_id = ?`,
		serverID, chatID, serverTs, clientTempID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingMessages returns optimistic messages stuck in sending or failed,
// oldest first. These are the retry scheduler's work queue.
func (db *DB) PendingMessages() ([]Message, error) {
	return db.queryMany(`
		SELECT id, chat_id, sender_id, receiver_id, content, timestamp, status, client_temp_id, is_optimistic
		FROM messages
		WHERE is_optimistic = 1 AND status IN ('sending', 'failed')
		ORDER BY timestamp ASC`)
}

// DeleteMessagesForChat removes all messages of a chat. Messages are never
// hard-deleted otherwise.
func (db *DB) DeleteMessagesForChat(chatID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

func (db *DB) queryOne(where string, args ...any) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, chat_id, sender_id, receiver_id, content, timestamp, status, client_temp_id, is_optimistic
		FROM messages `+where, args...)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *DB) queryMany(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(scan func(...any) error) (*Message, error) {
	var m Message
	var receiverID, clientTempID sql.NullString
	if err := scan(&m.ID, &m.ChatID, &m.SenderID, &receiverID, &m.Content, &m.Timestamp, &m.Status, &clientTempID, &m.IsOptimistic); err != nil {
		return nil, err
	}
	m.ReceiverID = receiverID.String
	m.ClientTempID = clientTempID.String
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
