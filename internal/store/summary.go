package store

import (
	"database/sql"
	"time"
)

// UpsertChatSummary inserts or replaces a chat summary row.
func (db *DB) UpsertChatSummary(c *ChatSummary) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chat_summaries (id, other_user_id, other_username, last_message_id, last_message_content,
			last_message_timestamp, last_message_sender_id, last_message_status, unread_count, chat_created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			other_user_id = excluded.other_user_id,
			other_username = excluded.other_username,
			last_message_id = excluded.last_message_id,
			last_message_content = excluded.last_message_content,
			last_message_timestamp = excluded.last_message_timestamp,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_status = excluded.last_message_status,
			unread_count = excluded.unread_count,
			chat_created_at = excluded.chat_created_at,
			updated_at = excluded.updated_at`,
		c.ID, c.OtherUserID, c.OtherUsername, nullable(c.LastMessageID), c.LastMessageContent,
		c.LastMessageTimestamp, c.LastMessageSenderID, c.LastMessageStatus, c.UnreadCount, c.ChatCreatedAt, now)
	return err
}

// UpdateLastMessage refreshes a chat's last-message snapshot, creating the
// summary row if the chat is new. unread_count is incremented only when
// incrementUnread is true; the caller decides (inbound peer message on a
// chat that is not open).
func (db *DB) UpdateLastMessage(chatID string, m *Message, incrementUnread bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chat_summaries (id, last_message_id, last_message_content, last_message_timestamp,
			last_message_sender_id, last_message_status, unread_count, chat_created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CASE WHEN ? THEN 1 ELSE 0 END, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_content = excluded.last_message_content,
			last_message_timestamp = excluded.last_message_timestamp,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_status = excluded.last_message_status,
			unread_count = chat_summaries.unread_count + CASE WHEN ? THEN 1 ELSE 0 END,
			updated_at = excluded.updated_at`,
		chatID, m.ID, m.Content, m.Timestamp, m.SenderID, m.Status, incrementUnread, now, now, incrementUnread)
	return err
}

// ResetUnread zeroes a chat's unread counter.
func (db *DB) ResetUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chat_summaries SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

// ChatSummaryByID returns a single summary, or nil if absent.
func (db *DB) ChatSummaryByID(chatID string) (*ChatSummary, error) {
	row := db.QueryRow(`
		SELECT id, other_user_id, other_username, last_message_id, last_message_content,
			last_message_timestamp, last_message_sender_id, last_message_status, unread_count, chat_created_at
		FROM chat_summaries WHERE id = ?`, chatID)
	c, err := scanSummary(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChatSummaries returns all summaries ordered by newest activity first,
// chat creation time as secondary sort.
func (db *DB) ListChatSummaries() ([]ChatSummary, error) {
	rows, err := db.Query(`
		SELECT id, other_user_id, other_username, last_message_id, last_message_content,
			last_message_timestamp, last_message_sender_id, last_message_status, unread_count, chat_created_at
		FROM chat_summaries
		ORDER BY last_message_timestamp DESC, chat_created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []ChatSummary
	for rows.Next() {
		c, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *c)
	}
	return summaries, rows.Err()
}

// DeleteChatSummary removes a chat's projection row.
func (db *DB) DeleteChatSummary(chatID string) error {
	_, err := db.Exec(`DELETE FROM chat_summaries WHERE id = ?`, chatID)
	return err
}

func scanSummary(scan func(...any) error) (*ChatSummary, error) {
	var c ChatSummary
	var lastID sql.NullString
	if err := scan(&c.ID, &c.OtherUserID, &c.OtherUsername, &lastID, &c.LastMessageContent,
		&c.LastMessageTimestamp, &c.LastMessageSenderID, &c.LastMessageStatus, &c.UnreadCount, &c.ChatCreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageID = lastID.String
	return &c, nil
}
