package slack

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// ThreadSessions maps Slack threads to analytics sessions so follow-up
// replies in a thread continue the same conversation. Idle threads expire.
type ThreadSessions struct {
	mu    sync.Mutex
	items *ttlcache.Cache[string, uuid.UUID]
}

func NewThreadSessions(ttl time.Duration) *ThreadSessions {
	items := ttlcache.New(
		ttlcache.WithTTL[string, uuid.UUID](ttl),
	)
	go items.Start()
	return &ThreadSessions{items: items}
}

// ThreadKey identifies a thread by channel and root timestamp.
func ThreadKey(channel, threadTS string) string {
	return channel + ":" + threadTS
}

// Get returns the session for key, extending its lifetime.
func (t *ThreadSessions) Get(key string) (uuid.UUID, bool) {
	item := t.items.Get(key)
	if item == nil {
		return uuid.Nil, false
	}
	return item.Value(), true
}

// Bind records the session the API assigned to a thread. An existing
// binding is kept.
func (t *ThreadSessions) Bind(key string, sessionID uuid.UUID) uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item := t.items.Get(key); item != nil {
		return item.Value()
	}
	t.items.Set(key, sessionID, ttlcache.DefaultTTL)
	return sessionID
}

func (t *ThreadSessions) Len() int {
	return t.items.Len()
}

func (t *ThreadSessions) Close() {
	t.items.Stop()
}
