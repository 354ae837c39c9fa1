package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on chat_jid + msg_id).
// Ack and revoked only move forward so a replayed history batch cannot undo
// a delivery receipt or a revocation.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, has_media, ack, revoked, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			ack = MAX(messages.ack, excluded.ack),
			revoked = MAX(messages.revoked, excluded.revoked)`,
		m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, m.FromMe, m.HasMedia, m.Ack, m.Revoked, m.Timestamp, now)
	return err
}

// ListMessages returns the most recent messages for a chat, newest first.
func (db *DB) ListMessages(chatJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, has_media, ack, revoked, timestamp
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.FromMe, &m.HasMedia, &m.Ack, &m.Revoked, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateAck raises the acknowledgment level for a message. Levels never go
// backwards (a late "delivered" receipt cannot undo "read").
func (db *DB) UpdateAck(msgID string, ack int) error {
	_, err := db.Exec(`UPDATE messages SET ack = MAX(ack, ?) WHERE msg_id = ?`, ack, msgID)
	return err
}

// MarkRevoked flags a message as revoked.
func (db *DB) MarkRevoked(chatJID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET revoked = 1 WHERE chat_jid = ? AND msg_id = ?`, chatJID, msgID)
	return err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
