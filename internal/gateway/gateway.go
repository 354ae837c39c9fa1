package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/format"
	"github.com/matheus3301/warelay/internal/hydrate"
	"github.com/matheus3301/warelay/internal/outbox"
	"github.com/matheus3301/warelay/internal/relay"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/matheus3301/warelay/internal/wa"
	"go.uber.org/zap"
)

// SessionControl is the slice of the session controller the gateway needs.
type SessionControl interface {
	EnsureInitialized(ctx context.Context) error
	Logout(ctx context.Context) error
	LastQR() string
	FetchMedia(ctx context.Context, chatJID, msgID string) (*wa.MediaPayload, error)
}

var _ SessionControl = (*relay.Controller)(nil)

// Gateway bridges the event bus and session controller to WebSocket clients.
// One instance serves every connection.
type Gateway struct {
	hub       *Hub
	control   SessionControl
	formatter *format.Formatter
	sender    *outbox.Sender
	bus       *bus.Bus
	machine   *status.Machine
	cfg       *config.Config
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	pending map[string]string // tempId -> conn id
	cancel  context.CancelFunc
}

// NewGateway creates the gateway.
func NewGateway(hub *Hub, control SessionControl, formatter *format.Formatter, sender *outbox.Sender, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *Gateway {
	g := &Gateway{
		hub:       hub,
		control:   control,
		formatter: formatter,
		sender:    sender,
		bus:       b,
		machine:   machine,
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]string),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Hub exposes the connection hub, used by the health endpoint.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Start begins translating bus events into client broadcasts.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	ch, unsub := g.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				g.relayEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bus relay loop.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and serves it.
func (g *Gateway) HandleWS(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := newConn(ws)
	g.hub.Register(conn)
	g.pushInitial(conn)
	go g.readLoop(conn)
	return nil
}

// pushInitial brings a fresh connection up to date: current status, pending
// QR if pairing, and the chat list when the session is ready.
func (g *Gateway) pushInitial(conn *Conn) {
	state := g.machine.Current()
	conn.Send("status", status.WireStatus(state))

	if qr := g.control.LastQR(); qr != "" {
		conn.Send("qr", qr)
	}
	if g.machine.IsReady() {
		conn.Send("chats", g.formatter.ListChats(context.Background()))
	}
}

func (g *Gateway) readLoop(conn *Conn) {
	defer func() {
		g.hub.Unregister(conn)
		g.dropPendingFor(conn.ID)
	}()

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.logger.Debug("malformed frame", zap.String("conn_id", conn.ID), zap.Error(err))
			continue
		}
		g.dispatch(conn, env)
	}
}

// dispatch routes one client request. A panicking handler only affects this
// request; the connection stays up.
func (g *Gateway) dispatch(conn *Conn, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panic",
				zap.String("event", env.Event),
				zap.String("conn_id", conn.ID),
				zap.Any("panic", r))
			conn.Send("error-message", ErrorMessage{Message: "internal error"})
		}
	}()

	switch env.Event {
	case "request-initial-status":
		g.handleInitialStatus(conn)
	case "start-session":
		g.handleStartSession()
	case "get-chats":
		g.handleGetChats(conn)
	case "get-chat-messages":
		g.handleGetChatMessages(conn, env.Data)
	case "get-message-media":
		g.handleGetMedia(conn, env.Data)
	case "send-message":
		g.handleSendMessage(conn, env.Data)
	case "logout":
		g.handleLogout(conn)
	default:
		g.logger.Debug("unknown event", zap.String("event", env.Event))
	}
}

func (g *Gateway) handleInitialStatus(conn *Conn) {
	resp := InitialStatus{Ready: g.machine.IsReady()}
	if resp.Ready {
		resp.Chats = g.formatter.ListChats(context.Background())
	} else if qr := g.control.LastQR(); qr != "" {
		resp.QR = qr
	}
	conn.Send("initial-status", resp)
	// Ready clients also get the standalone chats event so they refresh
	// without special-casing the initial-status shape.
	if resp.Ready {
		conn.Send("chats", resp.Chats)
	}
}

func (g *Gateway) handleGetChats(conn *Conn) {
	if !g.machine.IsReady() {
		conn.Send("error-message", ErrorMessage{Message: "session is not ready"})
		return
	}
	conn.Send("chats", g.formatter.ListChats(context.Background()))
}

func (g *Gateway) handleStartSession() {
	go func() {
		// Failure surfaces as session.init_failed on the bus, which the
		// relay loop broadcasts as error-message.
		if err := g.control.EnsureInitialized(context.Background()); err != nil {
			g.logger.Error("session start failed", zap.Error(err))
		}
	}()
}

func (g *Gateway) handleGetChatMessages(conn *Conn, data json.RawMessage) {
	var req getChatMessagesReq
	if err := json.Unmarshal(data, &req); err != nil || req.ChatID == "" {
		conn.Send("error-message", ErrorMessage{Message: "invalid get-chat-messages request"})
		return
	}
	if !g.machine.IsReady() {
		conn.Send("error-message", ErrorMessage{Message: "session is not ready"})
		return
	}
	conn.Send("chat-messages", ChatMessages{
		ChatID:   req.ChatID,
		Messages: g.formatter.ListMessages(context.Background(), req.ChatID, req.Limit),
	})
}

func (g *Gateway) handleGetMedia(conn *Conn, data json.RawMessage) {
	var req getMediaReq
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" {
		conn.Send("error-message", ErrorMessage{Message: "invalid get-message-media request"})
		return
	}
	// Not ready means no adapter to download with; drop the request rather
	// than answering with a failure the client would treat as permanent.
	if !g.machine.IsReady() {
		g.logger.Debug("ignoring media request while not ready",
			zap.String("msg_id", req.MessageID))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		payload, err := g.control.FetchMedia(ctx, req.ChatID, req.MessageID)
		if err != nil {
			g.logger.Warn("media fetch failed",
				zap.Error(err), zap.String("msg_id", req.MessageID))
			conn.Send("message-media-failed", MediaFailed{MessageID: req.MessageID})
			return
		}
		conn.Send("message-media-data", MediaData{
			MessageID: req.MessageID,
			Media:     format.MediaToWire(payload),
		})
	}()
}

func (g *Gateway) handleSendMessage(conn *Conn, data json.RawMessage) {
	var req sendMessageReq
	if err := json.Unmarshal(data, &req); err != nil || req.TempID == "" || req.ChatID == "" {
		conn.Send("error-message", ErrorMessage{Message: "invalid send-message request"})
		return
	}
	if !g.machine.IsReady() {
		conn.Send("send_message_error", SendError{TempID: req.TempID, Error: "session is not ready"})
		return
	}

	job := outbox.Job{TempID: req.TempID, ChatJID: req.ChatID, Body: req.Message}
	if req.Media != nil {
		raw, err := base64.StdEncoding.DecodeString(req.Media.Data)
		if err != nil {
			conn.Send("send_message_error", SendError{TempID: req.TempID, Error: "invalid media encoding"})
			return
		}
		job.Media = &wa.MediaPayload{
			Mimetype: req.Media.Mimetype,
			Data:     raw,
			Filename: req.Media.Filename,
		}
	}

	g.mu.Lock()
	g.pending[req.TempID] = conn.ID
	g.mu.Unlock()

	if err := g.sender.Enqueue(job); err != nil {
		g.mu.Lock()
		delete(g.pending, req.TempID)
		g.mu.Unlock()
		conn.Send("send_message_error", SendError{TempID: req.TempID, Error: err.Error()})
	}
}

func (g *Gateway) handleLogout(conn *Conn) {
	go func() {
		if err := g.control.Logout(context.Background()); err != nil {
			conn.Send("error-message", ErrorMessage{Message: fmt.Sprintf("logout failed: %v", err)})
		}
	}()
}

// relayEvent translates one bus event into client traffic.
func (g *Gateway) relayEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "session.status_changed":
		sc, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		switch sc.To {
		case status.AwaitingPairing, status.Authenticated, status.Ready, status.Disconnected:
			g.hub.Broadcast("status", status.WireStatus(sc.To))
		}
		if sc.To == status.Ready {
			go g.broadcastChatsAfterSettle(ctx)
		}
	case "session.qr":
		if upd, ok := evt.Payload.(relay.QRUpdate); ok {
			g.hub.Broadcast("qr", upd.DataURL)
		}
	case "session.logged_out":
		g.hub.Broadcast("logged_out", nil)
	case "session.init_failed":
		reason, _ := evt.Payload.(string)
		g.hub.Broadcast("error-message", ErrorMessage{
			Message: fmt.Sprintf("failed to initialize WhatsApp session: %s", reason),
		})
	case "chat.message_added":
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		g.hub.Broadcast("new_message", NewMessage{
			ChatID:  msg.ChatJID,
			Message: format.MessageToWire(msg),
		})
		if msg.HasMedia {
			go g.enrichMedia(msg.ChatJID, msg.MsgID)
		}
	case "chat.ack":
		if upd, ok := evt.Payload.(hydrate.AckUpdate); ok {
			g.hub.Broadcast("message_ack_update", AckUpdate{MessageID: upd.MsgID, Ack: upd.Ack})
		}
	case "outbox.sent":
		res, ok := evt.Payload.(outbox.Result)
		if !ok {
			return
		}
		if conn := g.takePending(res.TempID); conn != nil {
			conn.Send("message_sent_confirmation", SentConfirmation{
				TempID:  res.TempID,
				Message: format.MessageToWire(res.Message),
			})
		}
	case "outbox.failed":
		fail, ok := evt.Payload.(outbox.Failure)
		if !ok {
			return
		}
		if conn := g.takePending(fail.TempID); conn != nil {
			conn.Send("send_message_error", SendError{TempID: fail.TempID, Error: fail.Error})
		}
	}
}

// enrichMedia downloads a fresh message's media in the background and
// broadcasts it separately, so new_message never waits on a download.
func (g *Gateway) enrichMedia(chatJID, msgID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := g.control.FetchMedia(ctx, chatJID, msgID)
	if err != nil {
		g.logger.Debug("media enrichment failed",
			zap.Error(err), zap.String("msg_id", msgID))
		return
	}
	g.hub.Broadcast("message-media-data", MediaData{
		MessageID: msgID,
		Media:     format.MediaToWire(payload),
	})
}

// broadcastChatsAfterSettle gives history sync a moment to land in the
// projection before pushing the chat list.
func (g *Gateway) broadcastChatsAfterSettle(ctx context.Context) {
	select {
	case <-time.After(g.cfg.ReadySettleDelay()):
	case <-ctx.Done():
		return
	}
	g.hub.Broadcast("chats", g.formatter.ListChats(ctx))
}

func (g *Gateway) takePending(tempID string) *Conn {
	g.mu.Lock()
	connID, ok := g.pending[tempID]
	if ok {
		delete(g.pending, tempID)
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return g.hub.Get(connID)
}

func (g *Gateway) dropPendingFor(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for tempID, id := range g.pending {
		if id == connID {
			delete(g.pending, tempID)
		}
	}
}
