package store

// Chat is a projected chat row.
type Chat struct {
	JID                string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Contact is a projected contact row used for chat name resolution.
type Contact struct {
	JID      string
	Name     string
	PushName string
}

// Message is a projected message row.
type Message struct {
	ID          int64
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	HasMedia    bool
	Ack         int
	Revoked     bool
	Timestamp   int64
}
