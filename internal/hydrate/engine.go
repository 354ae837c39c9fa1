package hydrate

import (
	"context"
	"fmt"

	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/matheus3301/warelay/internal/wa"
	"go.uber.org/zap"
)

// Engine keeps the chat/message projection up to date. It subscribes to
// "wa.*" events on the bus and ingests them idempotently; the formatter
// reads the projection per request.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// AckUpdate is the payload for chat.ack events.
type AckUpdate struct {
	MsgID string
	Ack   int
}

// NewEngine creates a new hydration engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound WhatsApp events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("wa.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "wa.message":
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case "wa.receipt":
		r, ok := evt.Payload.(wa.Receipt)
		if !ok {
			return
		}
		e.applyReceipt(r)
	case "wa.revoked":
		rev, ok := evt.Payload.(wa.Revocation)
		if !ok {
			return
		}
		if err := e.db.MarkRevoked(rev.ChatJID, rev.MsgID); err != nil {
			e.logger.Error("failed to mark revoked", zap.Error(err), zap.String("msg_id", rev.MsgID))
		}
	case "wa.history_batch":
		batch, ok := evt.Payload.(*wa.HistoryBatch)
		if !ok {
			return
		}
		if err := e.IngestHistoryBatch(batch); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err))
		} else {
			e.logger.Info("history batch ingested",
				zap.Int("chats", len(batch.Chats)),
				zap.Int("messages", len(batch.Messages)))
		}
	case "wa.contacts":
		contacts, ok := evt.Payload.([]store.Contact)
		if !ok {
			return
		}
		if err := e.db.BulkUpsertContacts(contacts); err != nil {
			e.logger.Error("failed to ingest contacts", zap.Error(err))
		}
	}
}

// IngestMessage processes a single live message into the projection
// (idempotent) and announces it for broadcast.
func (e *Engine) IngestMessage(msg *store.Message) error {
	if err := e.db.UpsertChat(&store.Chat{
		JID:                msg.ChatJID,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: truncate(msg.Body, 100),
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.T("chat.message_added", msg))
	return nil
}

func (e *Engine) applyReceipt(r wa.Receipt) {
	for _, id := range r.MsgIDs {
		if err := e.db.UpdateAck(id, r.Ack); err != nil {
			e.logger.Error("failed to update ack", zap.Error(err), zap.String("msg_id", id))
			continue
		}
		e.bus.Publish(bus.T("chat.ack", AckUpdate{MsgID: id, Ack: r.Ack}))
	}
}

// IngestHistoryBatch processes a batch of history chats and messages in a
// single transaction.
func (e *Engine) IngestHistoryBatch(batch *wa.HistoryBatch) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range batch.Chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (jid, name, is_group, unread_count, updated_at)
			VALUES (?, ?, ?, ?, strftime('%s','now') * 1000)
			ON CONFLICT(jid) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
				is_group = excluded.is_group,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			c.JID, c.Name, c.IsGroup, c.UnreadCount); err != nil {
			return fmt.Errorf("upsert chat in batch: %w", err)
		}
	}

	for _, sm := range batch.Messages {
		if _, err := tx.Exec(`
			INSERT INTO chats (jid, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, strftime('%s','now') * 1000)
			ON CONFLICT(jid) DO UPDATE SET
				last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
				updated_at = excluded.updated_at`,
			sm.ChatJID, sm.Timestamp, truncate(sm.Body, 100)); err != nil {
			return fmt.Errorf("upsert chat in batch: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, has_media, ack, revoked, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now') * 1000)
			ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				body = excluded.body,
				ack = MAX(messages.ack, excluded.ack)`,
			sm.ChatJID, sm.MsgID, sm.SenderJID, sm.SenderName, sm.Body, sm.MessageType, sm.FromMe, sm.HasMedia, sm.Ack, sm.Revoked, sm.Timestamp); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.bus.Publish(bus.T("chat.history_ingested", map[string]int{
		"chats":    len(batch.Chats),
		"messages": len(batch.Messages),
	}))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
