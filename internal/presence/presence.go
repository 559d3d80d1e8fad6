// Package presence remembers when usernames were last connected to the relay.
package presence

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/unicode/norm"
)

// Tracker records the time each username disconnected. Entries expire after
// the TTL the Tracker was created with. Usernames are compared in NFC form.
type Tracker struct {
	cacheInstance *gocache.Cache
	now           func() time.Time
}

// NewTracker returns a Tracker whose entries expire after ttl. A ttl <= 0
// keeps entries until they're overwritten.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Tracker{
		cacheInstance: gocache.New(ttl, 10*time.Minute),
		now:           time.Now,
	}
}

// Record marks username as having left at the current time.
func (t *Tracker) Record(username string) {
	t.cacheInstance.SetDefault(norm.NFC.String(username), t.now())
}

// Forget removes username, e.g. because it has reconnected.
func (t *Tracker) Forget(username string) {
	t.cacheInstance.Delete(norm.NFC.String(username))
}

// LastSeen returns when username last disconnected, and whether it's known.
func (t *Tracker) LastSeen(username string) (time.Time, bool) {
	v, ok := t.cacheInstance.Get(norm.NFC.String(username))
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}
