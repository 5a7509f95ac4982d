// Package storage provides SQLite-backed persistence for wallet reputation,
// consensus windows, positions, trades, and the extraction ledger.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/solfollow/engine/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations. Every write
// is durable on return; the engine reloads the full state on startup and must
// tolerate an empty database.
type Storage struct {
	db        *sql.DB
	maxTrades int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/solfollow/data.db.
func New(dbPath string, maxTrades int) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "solfollow", "data.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxTrades: maxTrades}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallet_stats (
			wallet      TEXT PRIMARY KEY,
			wins        INTEGER NOT NULL DEFAULT 0,
			total       INTEGER NOT NULL DEFAULT 0,
			avg_rank    REAL NOT NULL DEFAULT 0,
			volume      REAL NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			mint            TEXT PRIMARY KEY,
			size_sol        REAL NOT NULL,
			units           REAL NOT NULL,
			avg_entry_price REAL NOT NULL,
			alpha_count     INTEGER NOT NULL,
			target_pct      REAL NOT NULL,
			opened_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			mint        TEXT NOT NULL,
			side        TEXT NOT NULL,
			size_sol    REAL NOT NULL,
			alpha_count INTEGER NOT NULL,
			target_pct  REAL NOT NULL,
			profit_sol  REAL NOT NULL DEFAULT 0,
			executed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consensus_windows (
			mint     TEXT PRIMARY KEY,
			wallets  TEXT NOT NULL DEFAULT '[]',
			first_at INTEGER NOT NULL,
			last_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_mints (
			mint         TEXT PRIMARY KEY,
			extracted_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS watched_wallets (
			wallet   TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveWalletStats upserts one wallet's reputation counters.
func (s *Storage) SaveWalletStats(stats *models.WalletStats) error {
	if err := stats.Validate(); err != nil {
		return fmt.Errorf("invalid wallet stats: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO wallet_stats
			(wallet, wins, total, avg_rank, volume, updated_at)
		VALUES (?,?,?,?,?,?)`,
		stats.Wallet, stats.Wins, stats.Total, stats.AvgEntryRank, stats.Volume,
		stats.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet stats: %w", err)
	}
	return nil
}

// LoadAllWalletStats returns every wallet's reputation counters keyed by wallet.
func (s *Storage) LoadAllWalletStats() (map[string]*models.WalletStats, error) {
	rows, err := s.db.Query(`SELECT wallet, wins, total, avg_rank, volume, updated_at FROM wallet_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]*models.WalletStats)
	for rows.Next() {
		var st models.WalletStats
		var updatedAtNano int64
		if err := rows.Scan(&st.Wallet, &st.Wins, &st.Total, &st.AvgEntryRank, &st.Volume, &updatedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan wallet stats: %w", err)
		}
		st.UpdatedAt = time.Unix(0, updatedAtNano)
		stats[st.Wallet] = &st
	}
	return stats, rows.Err()
}

// SavePosition upserts a live position.
func (s *Storage) SavePosition(p *models.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO positions
			(mint, size_sol, units, avg_entry_price, alpha_count, target_pct, opened_at)
		VALUES (?,?,?,?,?,?,?)`,
		p.Mint, p.SizeSOL, p.Units, p.AvgEntryPrice, p.AlphaCount, p.TargetPct,
		p.OpenedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// DeletePosition removes the position for mint, if any.
func (s *Storage) DeletePosition(mint string) error {
	if _, err := s.db.Exec(`DELETE FROM positions WHERE mint = ?`, mint); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// LoadAllPositions returns every live position keyed by mint.
func (s *Storage) LoadAllPositions() (map[string]*models.Position, error) {
	rows, err := s.db.Query(`
		SELECT mint, size_sol, units, avg_entry_price, alpha_count, target_pct, opened_at
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]*models.Position)
	for rows.Next() {
		var p models.Position
		var openedAtNano int64
		if err := rows.Scan(&p.Mint, &p.SizeSOL, &p.Units, &p.AvgEntryPrice, &p.AlphaCount, &p.TargetPct, &openedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.OpenedAt = time.Unix(0, openedAtNano)
		positions[p.Mint] = &p
	}
	return positions, rows.Err()
}

// AddTrade appends to the trade log and rotates it down to maxTrades newest
// entries. Trade records are never updated.
func (s *Storage) AddTrade(tr *models.Trade) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO trades (id, mint, side, size_sol, alpha_count, target_pct, profit_sol, executed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		tr.ID, tr.Mint, tr.Side, tr.SizeSOL, tr.AlphaCount, tr.TargetPct, tr.ProfitSOL,
		tr.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	if _, err = tx.Exec(`
		DELETE FROM trades WHERE id NOT IN (
			SELECT id FROM trades ORDER BY executed_at DESC LIMIT ?
		)`, s.maxTrades); err != nil {
		return fmt.Errorf("failed to rotate trades: %w", err)
	}

	return tx.Commit()
}

// RecentTrades returns up to n newest trade records.
func (s *Storage) RecentTrades(n int) ([]models.Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, mint, side, size_sol, alpha_count, target_pct, profit_sol, executed_at
		FROM trades ORDER BY executed_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var tr models.Trade
		var executedAtNano int64
		if err := rows.Scan(&tr.ID, &tr.Mint, &tr.Side, &tr.SizeSOL, &tr.AlphaCount, &tr.TargetPct, &tr.ProfitSOL, &executedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		tr.ExecutedAt = time.Unix(0, executedAtNano)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// SaveWindow upserts a consensus window. Wallet order is preserved.
func (s *Storage) SaveWindow(w *models.ConsensusWindow) error {
	walletsJSON, err := json.Marshal(w.Wallets)
	if err != nil {
		return fmt.Errorf("failed to marshal window wallets: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO consensus_windows (mint, wallets, first_at, last_at)
		VALUES (?,?,?,?)`,
		w.Mint, string(walletsJSON), w.FirstObservedAt.UnixNano(), w.LastObservedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save window: %w", err)
	}
	return nil
}

// DeleteWindow removes the consensus window for mint, if any.
func (s *Storage) DeleteWindow(mint string) error {
	if _, err := s.db.Exec(`DELETE FROM consensus_windows WHERE mint = ?`, mint); err != nil {
		return fmt.Errorf("failed to delete window: %w", err)
	}
	return nil
}

// LoadAllWindows returns every persisted consensus window keyed by mint.
func (s *Storage) LoadAllWindows() (map[string]*models.ConsensusWindow, error) {
	rows, err := s.db.Query(`SELECT mint, wallets, first_at, last_at FROM consensus_windows`)
	if err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}
	defer rows.Close()

	windows := make(map[string]*models.ConsensusWindow)
	for rows.Next() {
		var w models.ConsensusWindow
		var walletsJSON string
		var firstNano, lastNano int64
		if err := rows.Scan(&w.Mint, &walletsJSON, &firstNano, &lastNano); err != nil {
			return nil, fmt.Errorf("failed to scan window: %w", err)
		}
		if err := json.Unmarshal([]byte(walletsJSON), &w.Wallets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal window wallets: %w", err)
		}
		w.FirstObservedAt = time.Unix(0, firstNano)
		w.LastObservedAt = time.Unix(0, lastNano)
		windows[w.Mint] = &w
	}
	return windows, rows.Err()
}

// MarkMintProcessed records that a mint's history has been extracted.
func (s *Storage) MarkMintProcessed(mint string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO processed_mints (mint, extracted_at) VALUES (?,?)`,
		mint, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark mint processed: %w", err)
	}
	return nil
}

// LoadProcessedMints returns the set of mints already extracted.
func (s *Storage) LoadProcessedMints() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT mint FROM processed_mints`)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed mints: %w", err)
	}
	defer rows.Close()

	mints := make(map[string]bool)
	for rows.Next() {
		var mint string
		if err := rows.Scan(&mint); err != nil {
			return nil, fmt.Errorf("failed to scan processed mint: %w", err)
		}
		mints[mint] = true
	}
	return mints, rows.Err()
}

// AddWatchedWallet adds a wallet to the tracked alpha set.
func (s *Storage) AddWatchedWallet(wallet string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO watched_wallets (wallet, added_at) VALUES (?,?)`,
		wallet, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to add watched wallet: %w", err)
	}
	return nil
}

// LoadWatchedWallets returns the tracked alpha set in insertion order.
func (s *Storage) LoadWatchedWallets() ([]string, error) {
	rows, err := s.db.Query(`SELECT wallet FROM watched_wallets ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watched wallets: %w", err)
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan watched wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Setting keys.
const (
	SettingCurrentBuySOL    = "current_buy_sol"
	SettingTotalProfitSOL   = "total_profit_sol"
	SettingLastExtractionAt = "last_extraction_at"
)

// SetSetting stores one settings value.
func (s *Storage) SetSetting(key, value string) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?,?)`, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetSetting returns a settings value, or ok=false when unset.
func (s *Storage) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// SaveSizing persists the global compounding state.
func (s *Storage) SaveSizing(sz models.Sizing) error {
	if err := s.SetSetting(SettingCurrentBuySOL, formatFloat(sz.CurrentBuySOL)); err != nil {
		return err
	}
	return s.SetSetting(SettingTotalProfitSOL, formatFloat(sz.TotalProfitSOL))
}

// LoadSizing returns the persisted compounding state; ok is false on a cold
// start with no prior state.
func (s *Storage) LoadSizing() (models.Sizing, bool, error) {
	var sz models.Sizing
	cur, ok, err := s.GetSetting(SettingCurrentBuySOL)
	if err != nil || !ok {
		return sz, false, err
	}
	if sz.CurrentBuySOL, err = strconv.ParseFloat(cur, 64); err != nil {
		return sz, false, fmt.Errorf("corrupt %s: %w", SettingCurrentBuySOL, err)
	}
	if total, found, err := s.GetSetting(SettingTotalProfitSOL); err != nil {
		return sz, false, err
	} else if found {
		if sz.TotalProfitSOL, err = strconv.ParseFloat(total, 64); err != nil {
			return sz, false, fmt.Errorf("corrupt %s: %w", SettingTotalProfitSOL, err)
		}
	}
	return sz, true, nil
}

// SaveLastExtraction persists the global extraction-cooldown stamp.
func (s *Storage) SaveLastExtraction(at time.Time) error {
	return s.SetSetting(SettingLastExtractionAt, strconv.FormatInt(at.UnixNano(), 10))
}

// LoadLastExtraction returns the persisted cooldown stamp, zero when unset.
func (s *Storage) LoadLastExtraction() (time.Time, error) {
	value, ok, err := s.GetSetting(SettingLastExtractionAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	nano, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt %s: %w", SettingLastExtractionAt, err)
	}
	return time.Unix(0, nano), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
