package wa

import (
	"sync"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// DefaultRecentWindow is how many raw messages are kept per chat for media
// re-download by message id.
const DefaultRecentWindow = 200

// RecentCache keeps a bounded per-chat window of raw message protos so media
// can be downloaded after the fact. Media keys live inside the raw proto and
// are not persisted to the projection db.
type RecentCache struct {
	mu     sync.RWMutex
	limit  int
	chats  map[string][]recentEntry
	byID   map[string]*waE2E.Message
}

type recentEntry struct {
	msgID string
	msg   *waE2E.Message
}

// NewRecentCache creates a cache holding up to limit messages per chat.
func NewRecentCache(limit int) *RecentCache {
	if limit <= 0 {
		limit = DefaultRecentWindow
	}
	return &RecentCache{
		limit: limit,
		chats: make(map[string][]recentEntry),
		byID:  make(map[string]*waE2E.Message),
	}
}

// Add records a raw message. When the chat window exceeds the limit, the
// oldest entry is evicted. Re-adding a known id refreshes it in place, so a
// message seen both live and in a history batch occupies one slot.
func (c *RecentCache) Add(chatJID, msgID string, msg *waE2E.Message) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(chatJID, msgID)
	if _, known := c.byID[key]; known {
		c.byID[key] = msg
		window := c.chats[chatJID]
		for i := range window {
			if window[i].msgID == msgID {
				window[i].msg = msg
				break
			}
		}
		return
	}

	window := append(c.chats[chatJID], recentEntry{msgID: msgID, msg: msg})
	if len(window) > c.limit {
		evicted := window[0]
		window = window[1:]
		delete(c.byID, cacheKey(chatJID, evicted.msgID))
	}
	c.chats[chatJID] = window
	c.byID[key] = msg
}

// Get returns the raw message for a chat/message id pair, or nil.
func (c *RecentCache) Get(chatJID, msgID string) *waE2E.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[cacheKey(chatJID, msgID)]
}

// Len returns how many messages are cached for a chat.
func (c *RecentCache) Len(chatJID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chats[chatJID])
}

func cacheKey(chatJID, msgID string) string {
	return chatJID + "\x00" + msgID
}
