package consensus

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/solfollow/engine/internal/storage"
)

var (
	mintA = strings.Repeat("3", 44)
	mintB = strings.Repeat("4", 44)
	w1    = strings.Repeat("5", 43) + "a"
	w2    = strings.Repeat("5", 43) + "b"
	w3    = strings.Repeat("5", 43) + "c"
)

func newTestAggregator(t *testing.T, cfg Config, hasPosition func(string) bool) (*Aggregator, *storage.Storage) {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "consensus.db"), 100)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, cfg, hasPosition), s
}

func TestSingleWalletNeverTriggers(t *testing.T) {
	a, _ := newTestAggregator(t, Config{MinWallets: 2, Debounce: 90 * time.Second}, nil)

	now := time.Now()
	for i := 0; i < 10; i++ {
		if trig := a.Observe(mintA, w1, now.Add(time.Duration(i)*time.Second)); trig != nil {
			t.Fatalf("single wallet must never trigger, got %+v", trig)
		}
	}
	if a.WindowCount() != 1 {
		t.Errorf("expected 1 live window, got %d", a.WindowCount())
	}
}

func TestTwoWalletsTriggerExactlyOnce(t *testing.T) {
	a, _ := newTestAggregator(t, Config{MinWallets: 2, Debounce: 90 * time.Second}, nil)

	now := time.Now()
	if trig := a.Observe(mintA, w1, now); trig != nil {
		t.Fatalf("unexpected trigger on first wallet: %+v", trig)
	}
	trig := a.Observe(mintA, w2, now.Add(10*time.Second))
	if trig == nil {
		t.Fatal("expected trigger at second distinct wallet")
	}
	if trig.Mint != mintA || trig.AlphaCount != 2 {
		t.Errorf("unexpected trigger %+v", trig)
	}
	if a.WindowCount() != 0 {
		t.Errorf("window must be consumed by trigger, got %d live", a.WindowCount())
	}
}

func TestRepeatObservationsRefreshLiveness(t *testing.T) {
	a, _ := newTestAggregator(t, Config{MinWallets: 2, Debounce: 90 * time.Second}, nil)

	now := time.Now()
	a.Observe(mintA, w1, now)
	// The same wallet keeps the window alive past the original deadline.
	a.Observe(mintA, w1, now.Add(80*time.Second))
	a.Observe(mintA, w1, now.Add(160*time.Second))

	// A second wallet inside the refreshed window still triggers.
	trig := a.Observe(mintA, w2, now.Add(200*time.Second))
	if trig == nil {
		t.Fatal("expected trigger: repeats must refresh the liveness clock")
	}
	if trig.AlphaCount != 2 {
		t.Errorf("expected 2 distinct alphas, got %d", trig.AlphaCount)
	}
}

func TestExpiredWindowDoesNotCombine(t *testing.T) {
	a, _ := newTestAggregator(t, Config{MinWallets: 2, Debounce: 90 * time.Second}, nil)

	now := time.Now()
	a.Observe(mintA, w1, now)

	// 100s later the window is stale; W2 starts a fresh window.
	if trig := a.Observe(mintA, w2, now.Add(100*time.Second)); trig != nil {
		t.Fatalf("stale window must not combine with fresh signal, got %+v", trig)
	}
	if a.WindowCount() != 1 {
		t.Errorf("expected exactly the fresh window, got %d", a.WindowCount())
	}

	// W3 joins the fresh window and triggers with count 2, not 3.
	trig := a.Observe(mintA, w3, now.Add(110*time.Second))
	if trig == nil {
		t.Fatal("expected fresh window to trigger")
	}
	if trig.AlphaCount != 2 {
		t.Errorf("expected 2 alphas in fresh window, got %d", trig.AlphaCount)
	}
}

func TestSweepExpiresSilentWindows(t *testing.T) {
	a, _ := newTestAggregator(t, Config{MinWallets: 2, Debounce: 90 * time.Second}, nil)

	now := time.Now()
	a.Observe(mintA, w1, now)
	a.Observe(mintB, w1, now.Add(60*time.Second))

	if n := a.Sweep(now.Add(95 * time.Second)); n != 1 {
		t.Errorf("expected 1 expired window, got %d", n)
	}
	if a.WindowCount() != 1 {
		t.Errorf("expected mintB window to survive, got %d live", a.WindowCount())
	}
}

func TestNoTriggerWhilePositionLive(t *testing.T) {
	live := true
	a, _ := newTestAggregator(t, Config{MinWallets: 2, Debounce: 90 * time.Second}, func(string) bool { return live })

	now := time.Now()
	a.Observe(mintA, w1, now)
	if trig := a.Observe(mintA, w2, now.Add(time.Second)); trig != nil {
		t.Fatalf("must not trigger while a position is live, got %+v", trig)
	}
	if a.WindowCount() != 1 {
		t.Error("suppressed window must stay alive")
	}

	// Once the position is gone, continued activity can trigger.
	live = false
	trig := a.Observe(mintA, w3, now.Add(2*time.Second))
	if trig == nil {
		t.Fatal("expected trigger after position closed")
	}
	if trig.AlphaCount != 3 {
		t.Errorf("expected 3 distinct alphas, got %d", trig.AlphaCount)
	}
}

func TestWindowsSurviveRestart(t *testing.T) {
	cfg := Config{MinWallets: 2, Debounce: 90 * time.Second}
	a, s := newTestAggregator(t, cfg, nil)

	now := time.Now()
	a.Observe(mintA, w1, now)

	// A fresh aggregator over the same database sees the window: W2 completes
	// the consensus started before the restart.
	reloaded := New(s, cfg, nil)
	trig := reloaded.Observe(mintA, w2, now.Add(5*time.Second))
	if trig == nil {
		t.Fatal("expected persisted window to complete consensus after restart")
	}
	if trig.AlphaCount != 2 {
		t.Errorf("expected 2 alphas, got %d", trig.AlphaCount)
	}
}
