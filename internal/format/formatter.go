package format

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/matheus3301/warelay/internal/wa"
	"go.uber.org/zap"
)

// MaxChats caps how many chats go out in a single chats broadcast.
const MaxChats = 50

// MaxMessages caps a single chat-messages response.
const MaxMessages = 200

// Chat is the wire shape of a chat list entry.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
	Timestamp   int64  `json:"timestamp"`
	LastMessage string `json:"lastMessage"`
}

// Media is the wire shape of a media payload. Data is base64.
type Media struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
	Size     int    `json:"size"`
}

// Message is the wire shape of a message.
type Message struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`
	HasMedia  bool   `json:"hasMedia"`
	Type      string `json:"type"`
	Ack       int    `json:"ack"`
	Media     *Media `json:"media,omitempty"`
}

// MediaFetcher retrieves the media payload for a message, when available.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, chatJID, msgID string) (*wa.MediaPayload, error)
}

// Formatter turns projection rows into the wire shapes the frontend expects.
// It re-reads the projection per request and never caches.
type Formatter struct {
	db      *store.DB
	machine *status.Machine
	cfg     *config.Config
	media   MediaFetcher
	logger  *zap.Logger
}

// NewFormatter creates a formatter. media may be nil; messages then go out
// without inline payloads.
func NewFormatter(db *store.DB, machine *status.Machine, cfg *config.Config, media MediaFetcher, logger *zap.Logger) *Formatter {
	return &Formatter{
		db:      db,
		machine: machine,
		cfg:     cfg,
		media:   media,
		logger:  logger,
	}
}

// ListChats returns up to MaxChats chats, newest activity first. Before the
// session is ready it returns an empty list. Transient read errors are
// retried a bounded number of times, then degrade to an empty list; a closed
// session or store short-circuits immediately.
func (f *Formatter) ListChats(ctx context.Context) []Chat {
	if !f.machine.IsReady() {
		return []Chat{}
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.ChatRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.cfg.ChatRetryDelay()):
			case <-ctx.Done():
				return []Chat{}
			}
		}

		rows, err := f.db.ListChats(MaxChats)
		if err == nil {
			return chatsToWire(rows)
		}
		if isClosedErr(err) {
			f.logger.Warn("chat list read hit a closed session", zap.Error(err))
			return []Chat{}
		}
		lastErr = err
		f.logger.Warn("chat list read failed, retrying",
			zap.Error(err), zap.Int("attempt", attempt+1))
	}

	f.logger.Error("chat list read failed after retries", zap.Error(lastErr))
	return []Chat{}
}

// ListMessages returns up to limit messages for a chat, newest first.
// limit <= 0 falls back to the configured default; anything above
// MaxMessages is clamped. Revoked messages are filtered out. Media is
// attached best-effort; a failed download leaves the message without it.
func (f *Formatter) ListMessages(ctx context.Context, chatJID string, limit int) []Message {
	if limit <= 0 {
		limit = f.cfg.MessageLimit
	}
	if limit > MaxMessages {
		limit = MaxMessages
	}

	rows, err := f.db.ListMessages(chatJID, limit)
	if err != nil {
		f.logger.Error("message list read failed",
			zap.Error(err), zap.String("chat_jid", chatJID))
		return []Message{}
	}

	out := make([]Message, 0, len(rows))
	for i := range rows {
		if rows[i].Revoked {
			continue
		}
		msg := MessageToWire(&rows[i])
		if msg.HasMedia && f.media != nil {
			if payload, err := f.media.FetchMedia(ctx, chatJID, rows[i].MsgID); err == nil && payload != nil {
				msg.Media = MediaToWire(payload)
			}
		}
		out = append(out, msg)
	}
	return out
}

// MessageToWire converts a projection row into the wire shape.
func MessageToWire(m *store.Message) Message {
	return Message{
		ID:        m.MsgID,
		Body:      m.Body,
		FromMe:    m.FromMe,
		Timestamp: m.Timestamp,
		HasMedia:  m.HasMedia,
		Type:      m.MessageType,
		Ack:       m.Ack,
	}
}

// MediaToWire converts a raw media payload into the wire shape.
func MediaToWire(p *wa.MediaPayload) *Media {
	return &Media{
		Mimetype: p.Mimetype,
		Data:     base64.StdEncoding.EncodeToString(p.Data),
		Filename: p.Filename,
		Size:     len(p.Data),
	}
}

func chatsToWire(rows []store.Chat) []Chat {
	out := make([]Chat, 0, len(rows))
	for _, c := range rows {
		name := c.Name
		if name == "" {
			name = c.JID
		}
		out = append(out, Chat{
			ID:          c.JID,
			Name:        name,
			IsGroup:     c.IsGroup,
			UnreadCount: c.UnreadCount,
			Timestamp:   c.LastMessageAt,
			LastMessage: c.LastMessagePreview,
		})
	}
	return out
}

// isClosedErr reports whether the error means the session or store is gone,
// in which case retrying is pointless.
func isClosedErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}
