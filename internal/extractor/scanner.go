// Package extractor mines a token's historical transaction trail to backfill
// alpha-wallet reputation: the earliest buyers of a token that later performed
// well are the wallets worth following.
package extractor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/storage"
)

var (
	// ErrAlreadyProcessed is returned for a mint whose history was mined before.
	ErrAlreadyProcessed = errors.New("mint already processed")
	// ErrCoolingDown is returned while the global extraction cooldown is active.
	ErrCoolingDown = errors.New("extraction cooldown active")
)

// HistoryClient is the transaction-history port. Implemented by the Solana
// RPC client.
type HistoryClient interface {
	Signatures(ctx context.Context, address string, limit int) ([]string, error)
	Transfers(ctx context.Context, signature string) ([]models.Transfer, error)
}

// ReputationSink receives the ranked buyers an extraction discovers.
type ReputationSink interface {
	RecordObservation(wallet string, rank uint, volume float64)
}

// Notifier announces extraction progress. Best effort, may be nil.
type Notifier interface {
	ExtractionStarted(mint string) error
	ExtractionCompleted(mint string, buyers int) error
}

// Config holds the extraction policy.
type Config struct {
	Cooldown       time.Duration
	MaxBuyers      int
	SignatureLimit int
	MinTransferSOL float64
}

// Scanner walks a mint's transaction history once, ranks its buyers by first
// appearance and feeds the top ones into the reputation store. A single
// cooldown gate is shared across all calls so at most one extraction runs at
// a time.
type Scanner struct {
	cfg        Config
	storage    *storage.Storage
	history    HistoryClient
	reputation ReputationSink
	notifier   Notifier

	// volume to attribute to each discovered observation, normally the
	// engine's current buy size.
	volumeFn func() float64

	mu          sync.Mutex
	processed   map[string]bool
	lastStarted time.Time
}

// New builds a scanner, reloading the processed-mint ledger and the cooldown
// stamp from storage.
func New(s *storage.Storage, cfg Config, history HistoryClient, reputation ReputationSink, notifier Notifier, volumeFn func() float64) *Scanner {
	sc := &Scanner{
		cfg:        cfg,
		storage:    s,
		history:    history,
		reputation: reputation,
		notifier:   notifier,
		volumeFn:   volumeFn,
		processed:  make(map[string]bool),
	}

	processed, err := s.LoadProcessedMints()
	if err != nil {
		logger.Warn("Failed to load processed-mint ledger: %v", err)
	} else {
		sc.processed = processed
		if len(processed) > 0 {
			logger.Info("Extraction ledger holds %d processed mints", len(processed))
		}
	}

	last, err := s.LoadLastExtraction()
	if err != nil {
		logger.Warn("Failed to load extraction cooldown stamp: %v", err)
	} else {
		sc.lastStarted = last
	}

	return sc
}

// Processed reports whether mint has already been mined.
func (sc *Scanner) Processed(mint string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.processed[mint]
}

// Extract mines the buyer history of mint. It is idempotent per mint and
// globally rate limited: the cooldown stamp is written before any history
// work starts, so a concurrent call observes it and backs off. The mint is
// marked processed even when every history call fails; a failed scan is never
// retried automatically.
func (sc *Scanner) Extract(ctx context.Context, mint string, now time.Time) error {
	if err := models.ValidateAddress(mint); err != nil {
		return err
	}
	if mint == models.NativeMint {
		return errors.New("refusing to extract the native mint")
	}

	sc.mu.Lock()
	if sc.processed[mint] {
		sc.mu.Unlock()
		return ErrAlreadyProcessed
	}
	if wait := sc.cfg.Cooldown - now.Sub(sc.lastStarted); wait > 0 {
		sc.mu.Unlock()
		logger.Debug("Extraction for %s deferred, cooldown has %s left", models.ShortAddress(mint), wait)
		return ErrCoolingDown
	}
	sc.lastStarted = now
	sc.mu.Unlock()

	if err := sc.storage.SaveLastExtraction(now); err != nil {
		logger.Warn("Failed to persist extraction cooldown stamp: %v", err)
	}
	if sc.notifier != nil {
		if err := sc.notifier.ExtractionStarted(mint); err != nil {
			logger.Warn("Extraction-start notification failed: %v", err)
		}
	}

	logger.Info("EXTRACTION %s: scanning up to %d signatures", models.ShortAddress(mint), sc.cfg.SignatureLimit)

	buyers, err := sc.scanBuyers(ctx, mint)
	if err != nil {
		logger.Error("Extraction for %s failed entirely: %v", models.ShortAddress(mint), err)
	}

	volume := sc.volumeFn()
	recorded := 0
	for rank, wallet := range buyers {
		if recorded >= sc.cfg.MaxBuyers {
			break
		}
		sc.reputation.RecordObservation(wallet, uint(rank+1), volume)
		if err := sc.storage.AddWatchedWallet(wallet, now); err != nil {
			logger.Warn("Failed to watch extracted wallet %s: %v", models.ShortAddress(wallet), err)
		}
		recorded++
	}

	sc.markProcessed(mint, now)

	logger.Info("EXTRACTION %s: complete, %d buyers recorded", models.ShortAddress(mint), recorded)
	if sc.notifier != nil {
		if err := sc.notifier.ExtractionCompleted(mint, recorded); err != nil {
			logger.Warn("Extraction-complete notification failed: %v", err)
		}
	}
	return err
}

// scanBuyers returns the mint's buyer wallets ordered by first appearance,
// oldest first. Per-transaction failures are skipped; only a failed signature
// listing is a total failure.
func (sc *Scanner) scanBuyers(ctx context.Context, mint string) ([]string, error) {
	sigs, err := sc.history.Signatures(ctx, mint, sc.cfg.SignatureLimit)
	if err != nil {
		return nil, err
	}

	// The RPC returns newest first; ranking needs chronological order.
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}

	seen := make(map[string]bool)
	var buyers []string
	for _, sig := range sigs {
		transfers, err := sc.history.Transfers(ctx, sig)
		if err != nil {
			logger.Debug("Skipping signature %s: %v", models.ShortAddress(sig), err)
			continue
		}
		for _, tr := range transfers {
			if tr.Source != models.NativeMint {
				continue
			}
			if tr.SOL() < sc.cfg.MinTransferSOL {
				continue
			}
			if tr.Destination == "" || seen[tr.Destination] {
				continue
			}
			if err := models.ValidateAddress(tr.Destination); err != nil {
				continue
			}
			seen[tr.Destination] = true
			buyers = append(buyers, tr.Destination)
		}
	}
	return buyers, nil
}

func (sc *Scanner) markProcessed(mint string, at time.Time) {
	sc.mu.Lock()
	sc.processed[mint] = true
	sc.mu.Unlock()
	if err := sc.storage.MarkMintProcessed(mint, at); err != nil {
		logger.Warn("Failed to persist processed mint %s: %v", models.ShortAddress(mint), err)
	}
}
