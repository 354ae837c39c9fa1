package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/warelay/internal/session"
	"github.com/matheus3301/warelay/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and owns the WhatsApp connection for
// one session. Create one per pairing attempt; after Destroy the adapter
// must not be reused.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
	session   string
	recent    *RecentCache
}

// NewAdapter creates a new WhatsApp adapter bound to the session's
// credentials directory.
func NewAdapter(ctx context.Context, sessionName string, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WARelay", [3]uint32{0, 1, 0})

	if err := session.EnsureDir(sessionName); err != nil {
		return nil, fmt.Errorf("ensure session dir: %w", err)
	}

	dbPath := session.CredentialsDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credentials store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:    client,
		container: container,
		logger:    logger,
		session:   sessionName,
		recent:    NewRecentCache(DefaultRecentWindow),
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// Recent returns the in-memory window of recent raw messages, used for
// media re-download by message id.
func (a *Adapter) Recent() *RecentCache {
	return a.recent
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// IsConnected reports whether the underlying socket is up.
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Destroy detaches all event handlers, drops the connection and releases the
// credentials store. Must complete before a replacement adapter is wired up
// so events are never delivered twice.
func (a *Adapter) Destroy() {
	a.logger.Info("destroying adapter")
	a.client.RemoveEventHandlers()
	a.client.Disconnect()
	if err := a.container.Close(); err != nil {
		a.logger.Warn("error closing credentials store", zap.Error(err))
	}
}

// Logout invalidates the session on the server and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// SendText sends a text message to the given JID. Returns the server message
// ID and the server timestamp in unix millis.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, int64, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", 0, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", 0, fmt.Errorf("send message: %w", err)
	}
	return resp.ID, resp.Timestamp.UnixMilli(), nil
}

// GetContacts returns all contacts from the whatsmeow device store.
func (a *Adapter) GetContacts(ctx context.Context) []store.Contact {
	allContacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return nil
	}
	var contacts []store.Contact
	for jid, info := range allContacts {
		contacts = append(contacts, store.Contact{
			JID:      jid.ToNonAD().String(),
			Name:     info.FullName,
			PushName: info.PushName,
		})
	}
	return contacts
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}
