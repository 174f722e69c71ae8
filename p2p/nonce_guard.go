package p2p

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultNonceGuardMaxEntries = 16_384
	defaultNonceGuardTTL        = 15 * time.Minute
)

// nonceGuard remembers the hello nonces seen from each node so a captured
// hello cannot be replayed within the TTL. Expired entries are swept lazily.
type nonceGuard struct {
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceRecord struct {
	key    string
	expiry time.Time
}

func newNonceGuard(ttl time.Duration, clk clock.Clock) *nonceGuard {
	if ttl <= 0 {
		ttl = defaultNonceGuardTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &nonceGuard{
		ttl:        ttl,
		maxEntries: defaultNonceGuardMaxEntries,
		clock:      clk,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Remember records nonce for nodeID and reports whether it was fresh.
func (g *nonceGuard) Remember(nodeID, nonce string) bool {
	key := g.fingerprint(nodeID, nonce)
	if key == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeExpiredLocked(now)
	if _, ok := g.entries[key]; ok {
		return false
	}
	g.entries[key] = g.order.PushFront(&nonceRecord{key: key, expiry: now.Add(g.ttl)})
	for len(g.entries) > g.maxEntries {
		g.removeElementLocked(g.order.Back())
	}
	return true
}

// Size is the number of live entries.
func (g *nonceGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *nonceGuard) removeExpiredLocked(now time.Time) {
	for elem := g.order.Back(); elem != nil; elem = g.order.Back() {
		if now.Before(elem.Value.(*nonceRecord).expiry) {
			return
		}
		g.removeElementLocked(elem)
	}
}

func (g *nonceGuard) removeElementLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	g.order.Remove(elem)
	delete(g.entries, elem.Value.(*nonceRecord).key)
}

func (g *nonceGuard) fingerprint(nodeID, nonce string) string {
	nodeID = strings.ToLower(strings.TrimSpace(nodeID))
	nonce = strings.ToLower(strings.TrimSpace(nonce))
	if nodeID == "" || nonce == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(nodeID + ":" + nonce))
	return hex.EncodeToString(sum[:])
}
