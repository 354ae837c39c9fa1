package wa

import (
	"github.com/matheus3301/warelay/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// Acknowledgment levels, matching the ordinals frontends expect:
// 1 = sent to server, 2 = delivered, 3 = read, 4 = played.
const (
	AckSent      = 1
	AckDelivered = 2
	AckRead      = 3
	AckPlayed    = 4
)

// ParsedMessage is a normalized message ready for projection.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	HasMedia    bool
	Timestamp   int64
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	msg := evt.Message
	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.String(),
		SenderName:  evt.Info.PushName,
		Body:        ExtractTextBody(msg),
		MessageType: DetectMessageType(msg),
		FromMe:      evt.Info.IsFromMe,
		HasMedia:    HasMedia(msg),
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ToStoreMessage converts a ParsedMessage to a store.Message.
func (p *ParsedMessage) ToStoreMessage() *store.Message {
	ack := 0
	if p.FromMe {
		ack = AckSent
	}
	return &store.Message{
		ChatJID:     p.ChatJID,
		MsgID:       p.MsgID,
		SenderJID:   p.SenderJID,
		SenderName:  p.SenderName,
		Body:        p.Body,
		MessageType: p.MessageType,
		FromMe:      p.FromMe,
		HasMedia:    p.HasMedia,
		Ack:         ack,
		Timestamp:   p.Timestamp,
	}
}

// ExtractTextBody returns the text content of a message, including media captions.
func ExtractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// DetectMessageType classifies a message for the wire projection.
func DetectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case IsRevoke(msg):
		return "revoked"
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

// HasMedia reports whether the message carries downloadable media.
func HasMedia(msg *waE2E.Message) bool {
	if msg == nil {
		return false
	}
	return msg.GetImageMessage() != nil ||
		msg.GetVideoMessage() != nil ||
		msg.GetAudioMessage() != nil ||
		msg.GetDocumentMessage() != nil ||
		msg.GetStickerMessage() != nil
}

// IsRevoke reports whether the message is a revocation of an earlier message.
func IsRevoke(msg *waE2E.Message) bool {
	prot := msg.GetProtocolMessage()
	return prot != nil && prot.GetType() == waE2E.ProtocolMessage_REVOKE
}

// RevokedMessageID returns the id of the message a revocation targets.
func RevokedMessageID(msg *waE2E.Message) string {
	prot := msg.GetProtocolMessage()
	if prot == nil {
		return ""
	}
	return prot.GetKey().GetID()
}
