// Package models defines the core domain entities: wallet reputation, consensus
// windows, positions, and trade records.
package models

import (
	"errors"
	"time"
)

// NativeMint is the wrapped SOL mint. Transfers sourced from it mark the
// receiving wallet as a buyer; it is never a tradeable target itself.
const NativeMint = "So11111111111111111111111111111111111111112"

// LamportsPerSOL converts between lamports and SOL.
const LamportsPerSOL = 1_000_000_000

// WalletStats holds the per-wallet reputation counters. Created on first
// observation of a wallet and never deleted.
type WalletStats struct {
	Wallet       string
	Wins         uint
	Total        uint
	AvgEntryRank float64
	Volume       float64 // cumulative attributed size in SOL
	UpdatedAt    time.Time
}

// Record folds one observation into the stats. AvgEntryRank stays the exact
// arithmetic mean of every rank recorded so far; a rank of 5 or better counts
// as a win.
func (s *WalletStats) Record(rank uint, volume float64) {
	s.Total++
	s.AvgEntryRank = (s.AvgEntryRank*float64(s.Total-1) + float64(rank)) / float64(s.Total)
	s.Volume += volume
	if rank <= 5 {
		s.Wins++
	}
	s.UpdatedAt = time.Now()
}

// WinRate returns wins/total, or 0 before any observation.
func (s *WalletStats) WinRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Total)
}

// Validate checks stats field constraints.
func (s *WalletStats) Validate() error {
	if err := ValidateAddress(s.Wallet); err != nil {
		return err
	}
	if s.Wins > s.Total {
		return errors.New("wins must not exceed total observations")
	}
	if s.Total > 0 && s.AvgEntryRank < 1 {
		return errors.New("average entry rank must be at least 1")
	}
	if s.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	return nil
}

// LeaderboardEntry is a read-only projection of WalletStats plus the computed
// score, as shown on the golden alpha board.
type LeaderboardEntry struct {
	Wallet       string
	Score        float64
	AvgEntryRank float64
	WinRate      float64
	Volume       float64
}

// ShortAddress renders a wallet or mint address in the abbreviated
// "AbCdEfGh...WxYz" display form.
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-4:]
}
