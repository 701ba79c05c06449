// Package replay holds the process-wide registry that enforces at most one
// settlement attempt per authorization nonce and caches recent verification
// outcomes so a polling client can retry the same proof without triggering
// a second on-chain settlement.
package replay

import (
	"sync"
	"time"

	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// CacheState describes what the guard knows about a nonce's cache entry.
type CacheState int

const (
	// CacheMiss: no live cache entry for the nonce.
	CacheMiss CacheState = iota
	// CachePending: the nonce is consumed and settlement is in flight; the
	// caller should report payment_not_yet_confirmed.
	CachePending
	// CacheHit: a settlement outcome is recorded; the caller must reuse it
	// instead of dispatching again.
	CacheHit
)

type cacheEntry struct {
	payer     string
	expiresAt time.Time
	settled   bool
	outcome   x402types.SettleResponse
}

// Guard tracks consumed nonces and cached verification outcomes.
//
// The consumed set is one-way: a nonce stays consumed after its cache entry
// expires, so an authorization can never be replayed past its original
// intent. All state is behind a single mutex; callers must not hold network
// I/O between guard calls expecting atomicity across them — the only
// atomic step is each individual operation.
type Guard struct {
	mu       sync.Mutex
	consumed map[string]struct{}
	cache    map[string]*cacheEntry

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewGuard creates a guard with a background sweep every five minutes.
func NewGuard() *Guard {
	g := &Guard{
		consumed:    make(map[string]struct{}),
		cache:       make(map[string]*cacheEntry),
		stopCleanup: make(chan struct{}),
	}

	g.cleanupTicker = time.NewTicker(5 * time.Minute)
	go g.sweepLoop()

	return g
}

// CheckConsumed reports whether the nonce was ever marked used, regardless
// of cache expiry.
func (g *Guard) CheckConsumed(nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, used := g.consumed[nonce]
	return used
}

// CheckCached returns the cached settlement outcome for a nonce, purging
// the entry lazily if it has expired. An expired entry's nonce remains
// consumed.
func (g *Guard) CheckCached(nonce string, now time.Time) (x402types.SettleResponse, CacheState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.cache[nonce]
	if !ok {
		return x402types.SettleResponse{}, CacheMiss
	}
	if now.After(entry.expiresAt) {
		delete(g.cache, nonce)
		return x402types.SettleResponse{}, CacheMiss
	}
	if !entry.settled {
		return x402types.SettleResponse{}, CachePending
	}
	return entry.outcome, CacheHit
}

// MarkVerified marks the nonce consumed and inserts a pending cache entry.
// It reports whether this call was the first consumption: of any number of
// concurrent callers carrying the same nonce, exactly one sees true and
// proceeds to settlement.
func (g *Guard) MarkVerified(nonce, payer string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, used := g.consumed[nonce]; used {
		return false
	}
	g.consumed[nonce] = struct{}{}
	g.cache[nonce] = &cacheEntry{
		payer:     payer,
		expiresAt: time.Now().Add(ttl),
	}
	return true
}

// RecordSettlement attaches the settlement outcome to the nonce's cache
// entry so retries within the TTL observe the identical result. A no-op if
// the entry already expired.
func (g *Guard) RecordSettlement(nonce string, outcome x402types.SettleResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.cache[nonce]
	if !ok {
		return
	}
	entry.settled = true
	entry.outcome = outcome
}

// Sweep removes cache entries whose expiry has passed. Consumed nonces are
// never removed.
func (g *Guard) Sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for nonce, entry := range g.cache {
		if now.After(entry.expiresAt) {
			delete(g.cache, nonce)
		}
	}
}

func (g *Guard) sweepLoop() {
	for {
		select {
		case <-g.cleanupTicker.C:
			g.Sweep(time.Now())
		case <-g.stopCleanup:
			return
		}
	}
}

// Stop halts the background sweep goroutine.
func (g *Guard) Stop() {
	g.cleanupTicker.Stop()
	close(g.stopCleanup)
}

// Stats returns registry sizes for monitoring.
func (g *Guard) Stats() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]int{
		"consumed_nonces": len(g.consumed),
		"cached_entries":  len(g.cache),
	}
}
