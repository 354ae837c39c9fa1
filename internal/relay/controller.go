package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/session"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/matheus3301/warelay/internal/wa"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Adapter is the connection surface the controller manages. *wa.Adapter
// implements it; tests substitute a fake.
type Adapter interface {
	IsLoggedIn() bool
	IsConnected() bool
	Connect() error
	Destroy()
	Logout(ctx context.Context) error
	RegisterEventHandler(handler whatsmeow.EventHandler)
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	Recent() *wa.RecentCache
	GetContacts(ctx context.Context) []store.Contact
	PhoneNumber() string
	SendText(ctx context.Context, jid string, text string) (string, int64, error)
	SendMedia(ctx context.Context, jid string, payload wa.MediaPayload, caption string) (string, int64, error)
	DownloadMedia(ctx context.Context, msg *waE2E.Message) (*wa.MediaPayload, error)
}

// AdapterFactory builds a fresh adapter for the session. Controller calls it
// once per connection cycle.
type AdapterFactory func(ctx context.Context, sessionName string, logger *zap.Logger) (Adapter, error)

// DefaultFactory creates real whatsmeow-backed adapters.
func DefaultFactory(ctx context.Context, sessionName string, logger *zap.Logger) (Adapter, error) {
	return wa.NewAdapter(ctx, sessionName, logger)
}

// QRUpdate is the payload for session.qr events. DataURL is a PNG rendering
// of the pairing code, ready for an <img> tag.
type QRUpdate struct {
	Code    string
	DataURL string
}

// Controller owns the single WhatsApp connection for the daemon. It creates
// and recycles adapters, drives the pairing flow and heals the session after
// a remote logout.
type Controller struct {
	mu          sync.Mutex
	adapter     Adapter
	machine     *status.Machine
	bus         *bus.Bus
	cfg         *config.Config
	logger      *zap.Logger
	sessionName string
	factory     AdapterFactory

	sf     singleflight.Group
	lastQR string

	reconnects int
	cancel     context.CancelFunc
}

// NewController creates a controller. Pass DefaultFactory outside of tests.
func NewController(sessionName string, machine *status.Machine, b *bus.Bus, cfg *config.Config, factory AdapterFactory, logger *zap.Logger) *Controller {
	return &Controller{
		machine:     machine,
		bus:         b,
		cfg:         cfg,
		logger:      logger,
		sessionName: sessionName,
		factory:     factory,
	}
}

// Start begins watching for remote logouts so the session can heal itself.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("session.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case "session.logged_out":
					c.healAfterLogout(ctx)
				case "session.authenticated":
					c.mu.Lock()
					c.reconnects = 0
					c.mu.Unlock()
				case "session.connected":
					go c.PublishContacts(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down the watcher and the current adapter.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter != nil {
		c.adapter.Destroy()
		c.adapter = nil
	}
}

// Adapter returns the current adapter, or nil before initialization.
func (c *Controller) Adapter() Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapter
}

// LastQR returns the most recent pairing QR data URL, or empty string when
// no pairing is in progress.
func (c *Controller) LastQR() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQR
}

// EnsureInitialized brings the session up if it is not already. Concurrent
// callers share one initialization; later calls while the session is live
// are no-ops.
func (c *Controller) EnsureInitialized(ctx context.Context) error {
	_, err, _ := c.sf.Do("init", func() (any, error) {
		return nil, c.initialize(ctx)
	})
	return err
}

func (c *Controller) initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.adapter != nil {
		switch c.machine.Current() {
		case status.Initializing, status.AwaitingPairing, status.Authenticated, status.Ready:
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	if err := c.machine.Transition(status.Initializing); err != nil {
		return fmt.Errorf("start initialization: %w", err)
	}

	adapter, err := c.createInstance(ctx)
	if err != nil {
		c.failInit(err)
		return err
	}

	if !adapter.IsLoggedIn() {
		return c.startPairing(ctx, adapter)
	}

	if err := adapter.Connect(); err != nil {
		c.failInit(err)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// createInstance replaces the current adapter with a fresh one. The old
// adapter is destroyed first so its handlers stop firing before the new one
// registers.
func (c *Controller) createInstance(ctx context.Context) (Adapter, error) {
	c.mu.Lock()
	old := c.adapter
	c.adapter = nil
	c.mu.Unlock()
	if old != nil {
		old.Destroy()
	}

	adapter, err := c.factory(ctx, c.sessionName, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	handler := wa.NewEventHandler(c.bus, c.machine, adapter.Recent(), c.logger)
	adapter.RegisterEventHandler(handler.Handle)

	c.mu.Lock()
	c.adapter = adapter
	c.mu.Unlock()
	return adapter, nil
}

func (c *Controller) startPairing(ctx context.Context, adapter Adapter) error {
	qrChan, err := adapter.GetQRChannel(ctx)
	if err != nil {
		c.failInit(err)
		return fmt.Errorf("get QR channel: %w", err)
	}

	// Connect must come after GetQRChannel or whatsmeow refuses the stream.
	if err := adapter.Connect(); err != nil {
		c.failInit(err)
		return fmt.Errorf("connect: %w", err)
	}

	go c.consumeQR(qrChan)
	return nil
}

func (c *Controller) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			dataURL, err := renderQR(item.Code)
			if err != nil {
				c.logger.Error("failed to render QR code", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.lastQR = dataURL
			c.mu.Unlock()
			if c.machine.Current() == status.Initializing {
				_ = c.machine.Transition(status.AwaitingPairing)
			}
			c.bus.Publish(bus.T("session.qr", QRUpdate{Code: item.Code, DataURL: dataURL}))
		case "success":
			c.clearQR()
			return
		case "timeout":
			c.logger.Warn("QR pairing timed out")
			c.clearQR()
			_ = c.machine.Transition(status.Disconnected)
			c.bus.Publish(bus.T("session.init_failed", "pairing timed out"))
			return
		default:
			if item.Error != nil {
				c.logger.Error("QR channel error", zap.Error(item.Error))
				c.clearQR()
				_ = c.machine.Transition(status.Disconnected)
				c.bus.Publish(bus.T("session.init_failed", item.Error.Error()))
				return
			}
		}
	}
	c.clearQR()
}

func (c *Controller) clearQR() {
	c.mu.Lock()
	c.lastQR = ""
	c.mu.Unlock()
}

func (c *Controller) failInit(err error) {
	c.logger.Error("session initialization failed", zap.Error(err))
	_ = c.machine.Transition(status.Disconnected)
	c.bus.Publish(bus.T("session.init_failed", err.Error()))
}

// Logout ends the session on the server, wipes local credentials and starts
// a fresh pairing cycle.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	if adapter == nil {
		return fmt.Errorf("session not initialized")
	}

	if err := adapter.Logout(ctx); err != nil {
		c.logger.Warn("server logout failed, wiping local credentials anyway", zap.Error(err))
	}
	c.bus.Publish(bus.T("session.logged_out", "user request"))
	return nil
}

// healAfterLogout tears the session down after a logout (remote or local),
// wipes credentials and schedules a re-initialization so the frontend gets a
// fresh QR. Attempts are bounded so a failing backend does not loop forever.
func (c *Controller) healAfterLogout(ctx context.Context) {
	c.mu.Lock()
	adapter := c.adapter
	c.adapter = nil
	c.lastQR = ""
	attempts := c.reconnects
	c.reconnects++
	c.mu.Unlock()

	if adapter != nil {
		adapter.Destroy()
	}
	if err := session.WipeCredentials(c.sessionName); err != nil {
		c.logger.Error("failed to wipe credentials", zap.Error(err))
	}
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}

	if attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Error("giving up on session recovery",
			zap.Int("attempts", attempts))
		return
	}

	c.logger.Info("scheduling session recovery",
		zap.Int("attempt", attempts+1),
		zap.Duration("delay", c.cfg.ReconnectDelay()))

	go func() {
		select {
		case <-time.After(c.cfg.ReconnectDelay()):
		case <-ctx.Done():
			return
		}
		if err := c.EnsureInitialized(ctx); err != nil {
			c.logger.Error("session recovery failed", zap.Error(err))
		}
	}()
}

// FetchMedia downloads the media payload for a recently seen message. Only
// messages still inside the recent window can be fetched; older ids fail.
func (c *Controller) FetchMedia(ctx context.Context, chatJID, msgID string) (*wa.MediaPayload, error) {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	if adapter == nil {
		return nil, fmt.Errorf("session not initialized")
	}
	raw := adapter.Recent().Get(chatJID, msgID)
	if raw == nil {
		return nil, fmt.Errorf("message %s not in recent window", msgID)
	}
	return adapter.DownloadMedia(ctx, raw)
}

// PublishContacts pushes the device store contact list onto the bus for the
// projection to ingest.
func (c *Controller) PublishContacts(ctx context.Context) {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	if adapter == nil {
		return
	}
	contacts := adapter.GetContacts(ctx)
	if len(contacts) > 0 {
		c.bus.Publish(bus.T("wa.contacts", contacts))
	}
}

func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
