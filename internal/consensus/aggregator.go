// Package consensus implements the per-mint debounce window that turns
// asynchronous wallet-buy observations into multi-alpha consensus triggers.
package consensus

import (
	"sync"
	"time"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/storage"
)

// Config holds the consensus policy.
type Config struct {
	MinWallets int
	Debounce   time.Duration
}

// Trigger is emitted when enough distinct alphas converge on one mint.
type Trigger struct {
	Mint       string
	AlphaCount uint
}

// Aggregator tracks one debounce window per mint. Windows are persisted
// write-through so an engine restart inside a window does not lose the
// accumulated wallets.
type Aggregator struct {
	mu          sync.Mutex
	cfg         Config
	storage     *storage.Storage
	windows     map[string]*models.ConsensusWindow
	hasPosition func(mint string) bool
}

// New builds an aggregator backed by s. hasPosition gates triggers: a mint
// with a live position never re-triggers while that position is open.
func New(s *storage.Storage, cfg Config, hasPosition func(string) bool) *Aggregator {
	a := &Aggregator{
		cfg:         cfg,
		storage:     s,
		windows:     make(map[string]*models.ConsensusWindow),
		hasPosition: hasPosition,
	}

	persisted, err := s.LoadAllWindows()
	if err != nil {
		logger.Warn("Failed to load persisted consensus windows: %v", err)
	} else {
		a.windows = persisted
		if len(persisted) > 0 {
			logger.Info("Loaded %d persisted consensus windows", len(persisted))
		}
	}

	return a
}

// Observe records one wallet-buy observation against the mint's window,
// returning a non-nil Trigger when the window crosses the consensus threshold.
//
// Every observation refreshes the window's liveness clock, repeats of an
// already-seen wallet included: a window only expires after total silence for
// the debounce period, so sustained single-wallet activity keeps it alive.
func (a *Aggregator) Observe(mint, wallet string, now time.Time) *Trigger {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windows[mint]
	if w != nil && now.Sub(w.LastObservedAt) > a.cfg.Debounce {
		a.discard(mint)
		logger.Debug("Window for %s expired after %v of silence", models.ShortAddress(mint), now.Sub(w.LastObservedAt))
		w = nil
	}

	if w == nil {
		w = &models.ConsensusWindow{
			Mint:            mint,
			Wallets:         []string{wallet},
			FirstObservedAt: now,
			LastObservedAt:  now,
		}
		a.windows[mint] = w
	} else {
		if !w.Has(wallet) {
			w.Wallets = append(w.Wallets, wallet)
		}
		w.LastObservedAt = now
	}

	if len(w.Wallets) < a.cfg.MinWallets {
		a.persist(w)
		return nil
	}

	if a.hasPosition != nil && a.hasPosition(mint) {
		// At-most-one-position-per-mint is enforced here: the window stays
		// and will expire on its own once the activity dies down.
		a.persist(w)
		logger.Debug("Consensus on %s suppressed: position already live", models.ShortAddress(mint))
		return nil
	}

	a.discard(mint)
	logger.Info("Consensus reached on %s: %d distinct alphas", models.ShortAddress(mint), len(w.Wallets))
	return &Trigger{Mint: mint, AlphaCount: uint(len(w.Wallets))}
}

// Sweep expires every window silent for longer than the debounce timeout and
// returns how many were discarded.
func (a *Aggregator) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	expired := 0
	for mint, w := range a.windows {
		if now.Sub(w.LastObservedAt) > a.cfg.Debounce {
			a.discard(mint)
			expired++
		}
	}
	if expired > 0 {
		logger.Debug("Swept %d expired consensus windows", expired)
	}
	return expired
}

// WindowCount returns the number of live windows.
func (a *Aggregator) WindowCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}

// persist and discard assume a.mu is held.

func (a *Aggregator) persist(w *models.ConsensusWindow) {
	if err := a.storage.SaveWindow(w); err != nil {
		logger.Warn("Failed to persist window for %s: %v", models.ShortAddress(w.Mint), err)
	}
}

func (a *Aggregator) discard(mint string) {
	delete(a.windows, mint)
	if err := a.storage.DeleteWindow(mint); err != nil {
		logger.Warn("Failed to delete window for %s: %v", models.ShortAddress(mint), err)
	}
}
