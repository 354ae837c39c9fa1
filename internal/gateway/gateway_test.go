package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/format"
	"github.com/matheus3301/warelay/internal/hydrate"
	"github.com/matheus3301/warelay/internal/outbox"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/matheus3301/warelay/internal/wa"
	"go.uber.org/zap"
)

type fakeControl struct {
	qr      string
	media   map[string]*wa.MediaPayload
	initErr error
}

func (f *fakeControl) EnsureInitialized(ctx context.Context) error { return f.initErr }

func (f *fakeControl) Logout(ctx context.Context) error { return nil }

func (f *fakeControl) LastQR() string { return f.qr }

func (f *fakeControl) FetchMedia(ctx context.Context, chatJID, msgID string) (*wa.MediaPayload, error) {
	if p, ok := f.media[msgID]; ok {
		return p, nil
	}
	return nil, errors.New("not in recent window")
}

type fakeTransport struct {
	sendErr error
}

func (f *fakeTransport) SendText(ctx context.Context, jid string, text string) (string, int64, error) {
	if f.sendErr != nil {
		return "", 0, f.sendErr
	}
	return "SRV1", 1700000000000, nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, jid string, payload wa.MediaPayload, caption string) (string, int64, error) {
	return "SRV1", 1700000000000, nil
}

type harness struct {
	gateway   *Gateway
	machine   *status.Machine
	bus       *bus.Bus
	db        *store.DB
	control   *fakeControl
	transport *fakeTransport
	server    *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		ChatRetries:        1,
		ChatRetryDelayMs:   1,
		MessageLimit:       100,
		ReadySettleDelayMs: 1,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	cfg := testConfig()
	control := &fakeControl{media: map[string]*wa.MediaPayload{}}
	transport := &fakeTransport{}

	sender := outbox.NewSender(func() outbox.Transport { return transport }, b, zap.NewNop())
	sender.Start(context.Background())
	t.Cleanup(sender.Stop)

	formatter := format.NewFormatter(db, machine, cfg, control, zap.NewNop())
	hub := NewHub(zap.NewNop())
	g := NewGateway(hub, control, formatter, sender, b, machine, cfg, zap.NewNop())
	g.Start(context.Background())
	t.Cleanup(g.Stop)

	e := echo.New()
	e.GET("/ws", g.HandleWS)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &harness{
		gateway:   g,
		machine:   machine,
		bus:       b,
		db:        db,
		control:   control,
		transport: transport,
		server:    srv,
	}
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	for _, s := range []status.State{status.Initializing, status.Authenticated, status.Ready} {
		if err := h.machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// waitFrame reads until it sees the wanted event, skipping others.
func waitFrame(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f.Data
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	payload := map[string]any{"event": event}
	if data != nil {
		payload["data"] = data
	}
	if err := ws.WriteJSON(payload); err != nil {
		t.Fatal(err)
	}
}

func TestConnectPushesStatusAndQR(t *testing.T) {
	h := newHarness(t)
	h.control.qr = "data:image/png;base64,abc"

	ws := h.dial(t)

	var st string
	if err := json.Unmarshal(waitFrame(t, ws, "status"), &st); err != nil {
		t.Fatal(err)
	}
	if st != "disconnected" {
		t.Errorf("status = %q, want disconnected", st)
	}

	var qr string
	if err := json.Unmarshal(waitFrame(t, ws, "qr"), &qr); err != nil {
		t.Fatal(err)
	}
	if qr != h.control.qr {
		t.Errorf("qr = %q", qr)
	}
}

func TestConnectPushesChatsWhenReady(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	if err := h.db.UpsertChat(&store.Chat{JID: "a@s.whatsapp.net", LastMessageAt: 1}); err != nil {
		t.Fatal(err)
	}

	ws := h.dial(t)

	var chats []format.Chat
	if err := json.Unmarshal(waitFrame(t, ws, "chats"), &chats); err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "a@s.whatsapp.net" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestInitialStatusRequest(t *testing.T) {
	h := newHarness(t)
	h.control.qr = "data:image/png;base64,abc"
	ws := h.dial(t)

	send(t, ws, "request-initial-status", nil)

	var resp InitialStatus
	if err := json.Unmarshal(waitFrame(t, ws, "initial-status"), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ready {
		t.Error("session should not be ready")
	}
	if resp.QR != h.control.qr {
		t.Errorf("qr = %q", resp.QR)
	}
}

func TestGetChatsRequiresReady(t *testing.T) {
	h := newHarness(t)
	if err := h.db.UpsertChat(&store.Chat{JID: "a@s.whatsapp.net", LastMessageAt: 1}); err != nil {
		t.Fatal(err)
	}
	ws := h.dial(t)

	send(t, ws, "get-chats", nil)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatal(err)
		}
		switch f.Event {
		case "error-message":
			var e ErrorMessage
			if err := json.Unmarshal(f.Data, &e); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(e.Message, "not ready") {
				t.Errorf("message = %q", e.Message)
			}
			return
		case "chats":
			t.Fatal("got a chats event before the session is ready")
		}
	}
}

func TestInitialStatusWhenReadyAlsoEmitsChats(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	if err := h.db.UpsertChat(&store.Chat{JID: "a@s.whatsapp.net", LastMessageAt: 1}); err != nil {
		t.Fatal(err)
	}
	ws := h.dial(t)
	// Drain the on-connect chats push first.
	waitFrame(t, ws, "chats")

	send(t, ws, "request-initial-status", nil)

	var resp InitialStatus
	if err := json.Unmarshal(waitFrame(t, ws, "initial-status"), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Ready || len(resp.Chats) != 1 {
		t.Errorf("initial-status = %+v", resp)
	}

	var chats []format.Chat
	if err := json.Unmarshal(waitFrame(t, ws, "chats"), &chats); err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "a@s.whatsapp.net" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestGetChatMessagesRequiresReady(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, "get-chat-messages", map[string]any{"chatId": "a@s.whatsapp.net"})

	var e ErrorMessage
	if err := json.Unmarshal(waitFrame(t, ws, "error-message"), &e); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.Message, "not ready") {
		t.Errorf("message = %q", e.Message)
	}
}

func TestGetChatMessages(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	msgs := []*store.Message{
		{ChatJID: "a@s.whatsapp.net", MsgID: "M1", Body: "hi", Timestamp: 1},
		{ChatJID: "a@s.whatsapp.net", MsgID: "M2", Body: "gone", Timestamp: 2, Revoked: true},
	}
	for _, m := range msgs {
		if err := h.db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	ws := h.dial(t)
	send(t, ws, "get-chat-messages", map[string]any{"chatId": "a@s.whatsapp.net"})

	var resp ChatMessages
	if err := json.Unmarshal(waitFrame(t, ws, "chat-messages"), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ChatID != "a@s.whatsapp.net" {
		t.Errorf("chatId = %q", resp.ChatID)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != "M1" {
		t.Errorf("messages = %+v, revoked must be filtered", resp.Messages)
	}
}

func TestSendMessageConfirmationGoesToSenderOnly(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	sender := h.dial(t)
	other := h.dial(t)

	send(t, sender, "send-message", map[string]any{
		"chatId": "a@s.whatsapp.net", "message": "hello", "tempId": "tmp-1",
	})

	var conf SentConfirmation
	if err := json.Unmarshal(waitFrame(t, sender, "message_sent_confirmation"), &conf); err != nil {
		t.Fatal(err)
	}
	if conf.TempID != "tmp-1" || conf.Message.ID != "SRV1" {
		t.Errorf("confirmation = %+v", conf)
	}

	// The other connection must never see the per-sender confirmation.
	_ = other.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var f frame
		if err := other.ReadJSON(&f); err != nil {
			break
		}
		if f.Event == "message_sent_confirmation" {
			t.Fatal("confirmation leaked to another connection")
		}
	}
}

func TestSendMessageFailure(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.transport.sendErr = errors.New("socket closed")

	ws := h.dial(t)
	send(t, ws, "send-message", map[string]any{
		"chatId": "a@s.whatsapp.net", "message": "hello", "tempId": "tmp-2",
	})

	var fail SendError
	if err := json.Unmarshal(waitFrame(t, ws, "send_message_error"), &fail); err != nil {
		t.Fatal(err)
	}
	if fail.TempID != "tmp-2" || fail.Error != "socket closed" {
		t.Errorf("error = %+v", fail)
	}
}

func TestSendMessageNotReady(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, "send-message", map[string]any{
		"chatId": "a@s.whatsapp.net", "message": "hello", "tempId": "tmp-3",
	})

	var fail SendError
	if err := json.Unmarshal(waitFrame(t, ws, "send_message_error"), &fail); err != nil {
		t.Fatal(err)
	}
	if fail.TempID != "tmp-3" {
		t.Errorf("error = %+v", fail)
	}
}

func TestGetMediaIgnoredWhenNotReady(t *testing.T) {
	h := newHarness(t)
	h.control.media["PIC"] = &wa.MediaPayload{Mimetype: "image/jpeg", Data: []byte{1}}
	ws := h.dial(t)

	send(t, ws, "get-message-media", map[string]any{
		"chatId": "a@s.whatsapp.net", "messageId": "PIC",
	})

	_ = ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case "message-media-data", "message-media-failed", "error-message":
			t.Fatalf("got %s, media requests must be dropped before ready", f.Event)
		}
	}
}

func TestGetMediaUnknownMessageFails(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	ws := h.dial(t)

	send(t, ws, "get-message-media", map[string]any{
		"chatId": "a@s.whatsapp.net", "messageId": "NOPE",
	})

	var fail MediaFailed
	if err := json.Unmarshal(waitFrame(t, ws, "message-media-failed"), &fail); err != nil {
		t.Fatal(err)
	}
	if fail.MessageID != "NOPE" {
		t.Errorf("failed = %+v", fail)
	}
}

func TestGetMediaReturnsPayload(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.control.media["PIC"] = &wa.MediaPayload{Mimetype: "image/jpeg", Data: []byte{1, 2, 3}}
	ws := h.dial(t)

	send(t, ws, "get-message-media", map[string]any{
		"chatId": "a@s.whatsapp.net", "messageId": "PIC",
	})

	var resp MediaData
	if err := json.Unmarshal(waitFrame(t, ws, "message-media-data"), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.MessageID != "PIC" || resp.Media == nil || resp.Media.Mimetype != "image/jpeg" {
		t.Errorf("media = %+v", resp)
	}
}

func TestNewMessageBroadcastReachesAllConnections(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	first := h.dial(t)
	second := h.dial(t)

	h.bus.Publish(bus.T("chat.message_added", &store.Message{
		ChatJID: "a@s.whatsapp.net", MsgID: "M1", Body: "hi", Timestamp: 1,
	}))

	for _, ws := range []*websocket.Conn{first, second} {
		var nm NewMessage
		if err := json.Unmarshal(waitFrame(t, ws, "new_message"), &nm); err != nil {
			t.Fatal(err)
		}
		if nm.ChatID != "a@s.whatsapp.net" || nm.Message.ID != "M1" {
			t.Errorf("new_message = %+v", nm)
		}
	}
}

func TestAckBroadcast(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	h.bus.Publish(bus.T("chat.ack", hydrate.AckUpdate{MsgID: "M1", Ack: 3}))

	var upd AckUpdate
	if err := json.Unmarshal(waitFrame(t, ws, "message_ack_update"), &upd); err != nil {
		t.Fatal(err)
	}
	if upd.MessageID != "M1" || upd.Ack != 3 {
		t.Errorf("ack = %+v", upd)
	}
}

func TestClosedConnectionIsPruned(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	waitFrame(t, ws, "status")
	if h.gateway.Hub().Count() != 1 {
		t.Fatalf("connections = %d, want 1", h.gateway.Hub().Count())
	}

	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.gateway.Hub().Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("closed connection was not pruned")
}
