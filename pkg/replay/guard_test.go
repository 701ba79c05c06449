package replay

import (
	"sync"
	"testing"
	"time"

	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

func TestMarkVerifiedFirstConsumptionWins(t *testing.T) {
	g := NewGuard()
	defer g.Stop()

	if !g.MarkVerified("n1", "0xabc", time.Minute) {
		t.Fatal("first mark must report first consumption")
	}
	if g.MarkVerified("n1", "0xabc", time.Minute) {
		t.Fatal("second mark must not report first consumption")
	}
	if !g.CheckConsumed("n1") {
		t.Fatal("nonce must be consumed after mark")
	}
}

func TestConcurrentMarkExactlyOneWinner(t *testing.T) {
	g := NewGuard()
	defer g.Stop()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- g.MarkVerified("contested", "0xabc", time.Minute)
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCacheLifecycle(t *testing.T) {
	g := NewGuard()
	defer g.Stop()

	now := time.Now()

	if _, state := g.CheckCached("n1", now); state != CacheMiss {
		t.Fatalf("expected miss before mark, got %d", state)
	}

	g.MarkVerified("n1", "0xabc", time.Minute)

	if _, state := g.CheckCached("n1", now); state != CachePending {
		t.Fatalf("expected pending after mark, got %d", state)
	}

	outcome := x402types.SettleResponse{
		Success:     true,
		Payer:       "0xabc",
		Network:     x402types.NetworkBaseSepolia,
		Transaction: "0xtx1",
	}
	g.RecordSettlement("n1", outcome)

	cached, state := g.CheckCached("n1", now)
	if state != CacheHit {
		t.Fatalf("expected hit after settlement, got %d", state)
	}
	if cached.Transaction != "0xtx1" {
		t.Errorf("cached transaction = %s, want 0xtx1", cached.Transaction)
	}
}

func TestExpiredEntryStaysConsumed(t *testing.T) {
	g := NewGuard()
	defer g.Stop()

	g.MarkVerified("n1", "0xabc", time.Minute)
	g.RecordSettlement("n1", x402types.SettleResponse{Success: true, Transaction: "0xtx1"})

	later := time.Now().Add(2 * time.Minute)

	if _, state := g.CheckCached("n1", later); state != CacheMiss {
		t.Fatal("expired entry must read as a miss")
	}
	if !g.CheckConsumed("n1") {
		t.Fatal("nonce must stay consumed after cache expiry")
	}

	// The lazy purge is one-way too: re-reading still misses.
	if _, state := g.CheckCached("n1", later); state != CacheMiss {
		t.Fatal("purged entry must not reappear")
	}
}

func TestSweepPurgesOnlyExpired(t *testing.T) {
	g := NewGuard()
	defer g.Stop()

	g.MarkVerified("short", "0xabc", time.Millisecond)
	g.MarkVerified("long", "0xdef", time.Hour)

	g.Sweep(time.Now().Add(time.Second))

	stats := g.Stats()
	if stats["cached_entries"] != 1 {
		t.Errorf("cached_entries = %d, want 1", stats["cached_entries"])
	}
	if stats["consumed_nonces"] != 2 {
		t.Errorf("consumed_nonces = %d, want 2", stats["consumed_nonces"])
	}
}

func TestRecordSettlementAfterExpiryIsNoop(t *testing.T) {
	g := NewGuard()
	defer g.Stop()

	g.MarkVerified("n1", "0xabc", time.Millisecond)
	g.Sweep(time.Now().Add(time.Second))
	g.RecordSettlement("n1", x402types.SettleResponse{Success: true})

	if _, state := g.CheckCached("n1", time.Now()); state != CacheMiss {
		t.Fatal("settlement recorded after expiry must not resurrect the entry")
	}
}
