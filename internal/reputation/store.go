// Package reputation maintains per-wallet statistics and the bounded golden
// alpha leaderboard.
package reputation

import (
	"math"
	"sort"
	"sync"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/storage"
)

// Score weights. Tunable policy carried over from the system's live tuning,
// not a structural contract.
const (
	rankWeight    = 1.5
	winWeight     = 0.8
	volumeWeight  = 0.5
	volumeDivisor = 30.0
	volumeCap     = 10.0
	maxScore      = 10.0
)

// Store owns the wallet reputation table. Observations arrive from the
// historical extractor and from administrative seeding; entries are created on
// first sight and never deleted.
type Store struct {
	mu        sync.Mutex
	storage   *storage.Storage
	stats     map[string]*models.WalletStats
	board     []models.LeaderboardEntry
	boardSize int
}

// New builds a store backed by s, reloading any persisted wallet stats.
func New(s *storage.Storage, boardSize int) *Store {
	r := &Store{
		storage:   s,
		stats:     make(map[string]*models.WalletStats),
		boardSize: boardSize,
	}

	persisted, err := s.LoadAllWalletStats()
	if err != nil {
		logger.Warn("Failed to load persisted wallet stats: %v", err)
	} else {
		r.stats = persisted
		for wallet := range persisted {
			r.upsertBoardEntry(wallet)
		}
		r.sortAndTruncateBoard()
		logger.Info("Loaded %d persisted wallet stats", len(persisted))
	}

	return r
}

// Score computes the golden alpha score for one wallet's stats, clamped to 10.
func Score(s *models.WalletStats) float64 {
	raw := (10-s.AvgEntryRank)*rankWeight +
		s.WinRate()*100*winWeight +
		math.Min(s.Volume/volumeDivisor, volumeCap)*volumeWeight
	return math.Min(maxScore, raw)
}

// RecordObservation folds one ranked buy observation into the wallet's stats
// and refreshes the leaderboard. Rank is the wallet's 1-based order of first
// appearance among the asset's buyers; volume is the trade size attributed to
// the observation.
func (r *Store) RecordObservation(wallet string, rank uint, volume float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.stats[wallet]
	if !ok {
		entry = &models.WalletStats{Wallet: wallet}
		r.stats[wallet] = entry
	}
	entry.Record(rank, volume)

	if err := r.storage.SaveWalletStats(entry); err != nil {
		logger.Warn("Failed to persist stats for %s: %v", models.ShortAddress(wallet), err)
	}

	r.upsertBoardEntry(wallet)
	r.sortAndTruncateBoard()

	logger.Debug("Golden alpha %s: score=%.1f rank_avg=%.1f wins=%d/%d vol=%.1f SOL",
		models.ShortAddress(wallet), Score(entry), entry.AvgEntryRank, entry.Wins, entry.Total, entry.Volume)
}

// Stats returns a copy of one wallet's counters.
func (r *Store) Stats(wallet string) (models.WalletStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[wallet]
	if !ok {
		return models.WalletStats{}, false
	}
	return *s, true
}

// Leaderboard returns the current board, highest score first.
func (r *Store) Leaderboard() []models.LeaderboardEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	board := make([]models.LeaderboardEntry, len(r.board))
	copy(board, r.board)
	return board
}

// upsertBoardEntry refreshes the board entry for wallet in place, appending
// when the wallet is not yet a member. Callers hold r.mu.
func (r *Store) upsertBoardEntry(wallet string) {
	s, ok := r.stats[wallet]
	if !ok {
		return
	}
	entry := models.LeaderboardEntry{
		Wallet:       wallet,
		Score:        Score(s),
		AvgEntryRank: s.AvgEntryRank,
		WinRate:      s.WinRate(),
		Volume:       s.Volume,
	}
	for i := range r.board {
		if r.board[i].Wallet == wallet {
			r.board[i] = entry
			return
		}
	}
	r.board = append(r.board, entry)
}

// sortAndTruncateBoard re-sorts descending by score and enforces the bound.
// Callers hold r.mu.
func (r *Store) sortAndTruncateBoard() {
	sort.SliceStable(r.board, func(i, j int) bool {
		return r.board[i].Score > r.board[j].Score
	})
	if len(r.board) > r.boardSize {
		r.board = r.board[:r.boardSize]
	}
}
