package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record. The last-message fields only
// move forward in time so an out-of-order history batch cannot regress them.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (jid, name, is_group, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.JID, c.Name, c.IsGroup, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
// Names are resolved via LEFT JOIN to contacts with fallback:
// chat.name -> contact.push_name -> contact.name -> chat.jid
func (db *DB) ListChats(limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
			c.is_group, c.unread_count, c.last_message_at, c.last_message_preview
		FROM chats c
		LEFT JOIN contacts ct ON c.jid = ct.jid
		WHERE c.jid NOT LIKE '%@lid'
		ORDER BY c.last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by JID, or nil if absent.
func (db *DB) GetChat(jid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT c.jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
			c.is_group, c.unread_count, c.last_message_at, c.last_message_preview
		FROM chats c
		LEFT JOIN contacts ct ON c.jid = ct.jid
		WHERE c.jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
