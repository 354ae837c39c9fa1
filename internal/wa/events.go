package wa

import (
	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Receipt is the payload for wa.receipt events.
type Receipt struct {
	ChatJID string
	MsgIDs  []string
	Ack     int
}

// Revocation is the payload for wa.revoked events.
type Revocation struct {
	ChatJID string
	MsgID   string
}

// HistoryBatch is the payload for wa.history_batch events.
type HistoryBatch struct {
	Chats    []store.Chat
	Messages []*store.Message
}

// EventHandler processes whatsmeow events, drives the state machine, and
// publishes parsed domain events on the bus. The hydration engine and the
// gateway subscribe to the bus independently.
type EventHandler struct {
	bus     *bus.Bus
	machine *status.Machine
	recent  *RecentCache
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Bus, machine *status.Machine, recent *RecentCache, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:     b,
		machine: machine,
		recent:  recent,
		logger:  logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		switch h.machine.Current() {
		case status.Initializing, status.AwaitingPairing, status.Disconnected:
			_ = h.machine.Transition(status.Authenticated)
		}
		h.bus.Publish(bus.T("session.connected", nil))
	case *events.OfflineSyncCompleted:
		h.logger.Info("offline sync completed")
		if h.machine.Current() == status.Authenticated {
			_ = h.machine.Transition(status.Ready)
		}
	case *events.PairSuccess:
		h.logger.Info("pairing succeeded", zap.String("device", evt.ID.String()))
		h.bus.Publish(bus.T("session.authenticated", nil))
	case *events.Disconnected:
		h.logger.Warn("WhatsApp socket disconnected")
		switch h.machine.Current() {
		case status.Authenticated, status.Ready:
			_ = h.machine.Transition(status.Disconnected)
		}
		h.bus.Publish(bus.T("session.offline", nil))
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		switch h.machine.Current() {
		case status.Initializing, status.AwaitingPairing, status.Authenticated, status.Ready:
			_ = h.machine.Transition(status.Disconnected)
		}
		h.bus.Publish(bus.T("session.logged_out", evt.Reason.String()))
	case *events.HistorySync:
		h.handleHistorySync(evt)
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	// A live message while still draining offline sync means the session is
	// effectively usable.
	if h.machine.Current() == status.Authenticated {
		_ = h.machine.Transition(status.Ready)
	}

	if IsRevoke(evt.Message) {
		h.bus.Publish(bus.T("wa.revoked", Revocation{
			ChatJID: evt.Info.Chat.String(),
			MsgID:   RevokedMessageID(evt.Message),
		}))
		return
	}

	if h.recent != nil {
		h.recent.Add(evt.Info.Chat.String(), evt.Info.ID, evt.Message)
	}

	parsed := ParseLiveMessage(evt)
	h.bus.Publish(bus.T("wa.message", parsed.ToStoreMessage()))
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	var ack int
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		ack = AckDelivered
	case types.ReceiptTypeRead:
		ack = AckRead
	case types.ReceiptTypePlayed:
		ack = AckPlayed
	default:
		return
	}
	if len(evt.MessageIDs) == 0 {
		return
	}
	h.bus.Publish(bus.T("wa.receipt", Receipt{
		ChatJID: evt.Chat.String(),
		MsgIDs:  evt.MessageIDs,
		Ack:     ack,
	}))
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	batch := &HistoryBatch{}
	for _, conv := range data.GetConversations() {
		chatJID := conv.GetID()
		jid, err := types.ParseJID(chatJID)
		if err != nil {
			continue
		}

		batch.Chats = append(batch.Chats, store.Chat{
			JID:         chatJID,
			Name:        conv.GetName(),
			IsGroup:     jid.Server == types.GroupServer,
			UnreadCount: int(conv.GetUnreadCount()),
		})

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			inner := wmsg.GetMessage()
			if IsRevoke(inner) {
				continue
			}
			if h.recent != nil {
				h.recent.Add(chatJID, wmsg.GetKey().GetID(), inner)
			}
			parsed := &ParsedMessage{
				ChatJID:     chatJID,
				MsgID:       wmsg.GetKey().GetID(),
				SenderJID:   wmsg.GetKey().GetParticipant(),
				Body:        ExtractTextBody(inner),
				MessageType: DetectMessageType(inner),
				FromMe:      wmsg.GetKey().GetFromMe(),
				HasMedia:    HasMedia(inner),
				Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
			}
			batch.Messages = append(batch.Messages, parsed.ToStoreMessage())
		}
	}

	if len(batch.Chats) > 0 || len(batch.Messages) > 0 {
		h.bus.Publish(bus.T("wa.history_batch", batch))
	}
}
