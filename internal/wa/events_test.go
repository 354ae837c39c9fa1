package wa

import (
	"testing"
	"time"

	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// walkTo transitions the machine through the given states sequentially.
func walkTo(t *testing.T, m *status.Machine, states ...status.State) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func liveMessage(id, body string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        id,
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "u", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String(body)},
	}
}

func TestHandleConnectedAfterInit(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing)

	h.Handle(&events.Connected{})

	if m.Current() != status.Authenticated {
		t.Errorf("state = %s, want AUTHENTICATED", m.Current())
	}
}

func TestHandleConnectedDuringPairing(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing, status.AwaitingPairing)

	h.Handle(&events.Connected{})

	if m.Current() != status.Authenticated {
		t.Errorf("state = %s, want AUTHENTICATED", m.Current())
	}
}

func TestHandleOfflineSyncCompleted(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing, status.Authenticated)

	h.Handle(&events.OfflineSyncCompleted{})

	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}
}

func TestHandleMessageTransitionsToReady(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing, status.Authenticated)

	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	h.Handle(liveMessage("m1", "hello"))

	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY (live message while syncing)", m.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != "wa.message" {
			t.Errorf("event kind = %q, want wa.message", evt.Kind)
		}
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			t.Fatalf("payload type = %T, want *store.Message", evt.Payload)
		}
		if msg.Body != "hello" {
			t.Errorf("body = %q, want hello", msg.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.message event")
	}
}

func TestHandleMessageCachesRaw(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	recent := NewRecentCache(10)
	h := NewEventHandler(b, m, recent, zap.NewNop())

	walkTo(t, m, status.Initializing, status.Authenticated, status.Ready)

	h.Handle(liveMessage("m1", "hi"))

	if recent.Get("c@s.whatsapp.net", "m1") == nil {
		t.Error("raw message not cached")
	}
}

func TestHandleRevoke(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing, status.Authenticated, status.Ready)

	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	evt := liveMessage("m2", "")
	evt.Message = revokeMessage("TARGET1")
	h.Handle(evt)

	select {
	case got := <-ch:
		if got.Kind != "wa.revoked" {
			t.Fatalf("event kind = %q, want wa.revoked", got.Kind)
		}
		rev := got.Payload.(Revocation)
		if rev.MsgID != "TARGET1" {
			t.Errorf("revoked id = %q, want TARGET1", rev.MsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.revoked event")
	}
}

func TestHandleReceipt(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	h.Handle(&events.Receipt{
		MessageSource: types.MessageSource{Chat: types.JID{User: "c", Server: "s.whatsapp.net"}},
		MessageIDs:    []string{"m1", "m2"},
		Type:          types.ReceiptTypeRead,
	})

	select {
	case evt := <-ch:
		if evt.Kind != "wa.receipt" {
			t.Fatalf("event kind = %q, want wa.receipt", evt.Kind)
		}
		r := evt.Payload.(Receipt)
		if r.Ack != AckRead {
			t.Errorf("ack = %d, want %d", r.Ack, AckRead)
		}
		if len(r.MsgIDs) != 2 {
			t.Errorf("msg ids = %v, want 2 entries", r.MsgIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.receipt event")
	}
}

func TestHandleLoggedOut(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing, status.Authenticated, status.Ready)

	ch, unsub := b.Subscribe("session.logged_out", 10)
	defer unsub()

	h.Handle(&events.LoggedOut{})

	if m.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.Current())
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session.logged_out event")
	}
}

func TestHandleSocketDisconnect(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Initializing, status.Authenticated, status.Ready)

	h.Handle(&events.Disconnected{})
	if m.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.Current())
	}

	// whatsmeow reconnects on its own: Connected brings the session back.
	h.Handle(&events.Connected{})
	if m.Current() != status.Authenticated {
		t.Errorf("state = %s, want AUTHENTICATED after auto-reconnect", m.Current())
	}
}
