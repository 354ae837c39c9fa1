package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/format"
	"github.com/matheus3301/warelay/internal/gateway"
	"github.com/matheus3301/warelay/internal/outbox"
	"github.com/matheus3301/warelay/internal/relay"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"go.uber.org/zap"
)

func testServer(t *testing.T) (*Server, *status.Machine) {
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

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	cfg := &config.Config{Port: 0, ChatRetries: 1, ChatRetryDelayMs: 1, MessageLimit: 100}

	controller := relay.NewController("daemon-test", machine, b, cfg, relay.DefaultFactory, logger)
	sender := outbox.NewSender(func() outbox.Transport { return nil }, b, logger)
	formatter := format.NewFormatter(db, machine, cfg, controller, logger)
	hub := gateway.NewHub(logger)
	gw := gateway.NewGateway(hub, controller, formatter, sender, b, machine, cfg, logger)

	srv := NewServer(Params{SessionName: "daemon-test", Config: cfg}, cfg, gw, machine, controller, logger)
	return srv, machine
}

func TestHealthEndpoint(t *testing.T) {
	srv, machine := testServer(t)

	for _, s := range []status.State{status.Initializing, status.Authenticated, status.Ready} {
		if err := machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.WhatsAppStatus != "ready" {
		t.Errorf("whatsappStatus = %q, want ready", body.WhatsAppStatus)
	}
	if body.SocketConnections != 0 {
		t.Errorf("socketConnections = %d, want 0", body.SocketConnections)
	}
}

func TestSocketInfoEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/socket-info")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body socketInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Path != "/ws" {
		t.Errorf("path = %q", body.Path)
	}
}
