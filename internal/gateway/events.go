package gateway

import (
	"encoding/json"

	"github.com/matheus3301/warelay/internal/format"
)

// envelope is the client-to-server frame: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InitialStatus answers request-initial-status.
type InitialStatus struct {
	Ready bool          `json:"ready"`
	Chats []format.Chat `json:"chats,omitempty"`
	QR    string        `json:"qr,omitempty"`
}

// NewMessage is the payload of new_message broadcasts.
type NewMessage struct {
	ChatID  string         `json:"chatId"`
	Message format.Message `json:"message"`
}

// AckUpdate is the payload of message_ack_update broadcasts.
type AckUpdate struct {
	MessageID string `json:"messageId"`
	Ack       int    `json:"ack"`
}

// ChatMessages answers get-chat-messages.
type ChatMessages struct {
	ChatID   string           `json:"chatId"`
	Messages []format.Message `json:"messages"`
}

// MediaData answers get-message-media on success, and carries async media
// enrichment for fresh messages.
type MediaData struct {
	MessageID string        `json:"messageId"`
	Media     *format.Media `json:"media"`
}

// MediaFailed answers get-message-media on failure.
type MediaFailed struct {
	MessageID string `json:"messageId"`
}

// SentConfirmation is message_sent_confirmation, delivered only to the
// connection that issued the send.
type SentConfirmation struct {
	TempID  string         `json:"tempId"`
	Message format.Message `json:"message"`
}

// SendError is send_message_error, delivered only to the requesting
// connection.
type SendError struct {
	TempID string `json:"tempId"`
	Error  string `json:"error"`
}

// ErrorMessage is a broadcast operational error.
type ErrorMessage struct {
	Message string `json:"message"`
}

// getChatMessagesReq is the get-chat-messages request body.
type getChatMessagesReq struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

// getMediaReq is the get-message-media request body.
type getMediaReq struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// sendMessageReq is the send-message request body. Media data is base64.
type sendMessageReq struct {
	ChatID  string        `json:"chatId"`
	Message string        `json:"message"`
	TempID  string        `json:"tempId"`
	Media   *sendMediaReq `json:"media,omitempty"`
}

type sendMediaReq struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}
