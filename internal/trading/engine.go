// Package trading implements the position lifecycle: consensus-triggered
// opens, the periodic profit-target monitor, and compounding position sizing.
package trading

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/storage"
)

// Quoter prices a swap route. Implemented by the Jupiter client.
type Quoter interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*models.Quote, error)
}

// Executor performs a quoted swap and reports the actual fill amounts, never
// the requested ones.
type Executor interface {
	Execute(ctx context.Context, q *models.Quote) (*models.Fill, error)
}

// BalanceReader reports the trading wallet's spendable SOL balance.
type BalanceReader interface {
	Balance(ctx context.Context) (float64, error)
}

// Notifier is the best-effort notification sink. Failures never affect engine
// state; the engine just logs them.
type Notifier interface {
	BuyFired(mint string, alphaCount uint, targetPct, sizeSOL float64) error
	Sold(mint string, profitPct, profitSOL, newBuySOL float64) error
	LowBalance(requiredSOL float64) error
}

// Config holds the sizing and exit policy.
type Config struct {
	BaseBuySOL       float64
	MaxBuySOL        float64
	SlippageBps      int
	SellSlippageBps  int
	GasReserveSOL    float64
	CompoundFraction float64
	Targets          map[uint]float64
	TargetCeilingPct float64
}

// Engine owns all live positions and the global sizing state under one lock.
// The lock is never held across an external quote, execution, or balance
// call; preconditions are re-validated when committing results.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	storage   *storage.Storage
	quoter    Quoter
	executor  Executor
	balance   BalanceReader
	notifier  Notifier
	positions map[string]*models.Position
	sizing    models.Sizing
}

// New builds an engine backed by s, reloading persisted positions and sizing
// state. A cold start begins at the base buy size with no positions.
func New(s *storage.Storage, cfg Config, quoter Quoter, executor Executor, balance BalanceReader, notifier Notifier) *Engine {
	e := &Engine{
		cfg:       cfg,
		storage:   s,
		quoter:    quoter,
		executor:  executor,
		balance:   balance,
		notifier:  notifier,
		positions: make(map[string]*models.Position),
		sizing:    models.Sizing{CurrentBuySOL: cfg.BaseBuySOL},
	}

	positions, err := s.LoadAllPositions()
	if err != nil {
		logger.Warn("Failed to load persisted positions: %v", err)
	} else {
		e.positions = positions
		if len(positions) > 0 {
			logger.Info("Resumed monitoring %d open positions", len(positions))
		}
	}

	sizing, ok, err := s.LoadSizing()
	if err != nil {
		logger.Warn("Failed to load persisted sizing: %v", err)
	} else if ok {
		// The configured bounds win over stale persisted state.
		sizing.CurrentBuySOL = clamp(sizing.CurrentBuySOL, cfg.BaseBuySOL, cfg.MaxBuySOL)
		e.sizing = sizing
		logger.Info("Resumed sizing: buy %.3f SOL, total profit %.3f SOL",
			sizing.CurrentBuySOL, sizing.TotalProfitSOL)
	}

	return e
}

// HasPosition reports whether a live position exists for mint.
func (e *Engine) HasPosition(mint string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[mint]
	return ok
}

// CurrentBuySOL returns the buy size the next trigger would use.
func (e *Engine) CurrentBuySOL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sizing.CurrentBuySOL
}

// Sizing returns a copy of the compounding state.
func (e *Engine) Sizing() models.Sizing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sizing
}

// OpenPositions returns copies of every live position.
func (e *Engine) OpenPositions() []models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// OnTrigger opens a position for a consensus trigger. Execution failures and
// balance shortfalls drop the trigger; the next qualifying observation starts
// a fresh window.
func (e *Engine) OnTrigger(ctx context.Context, mint string, alphaCount uint) {
	if mint == models.NativeMint {
		return
	}

	e.mu.Lock()
	if _, exists := e.positions[mint]; exists {
		e.mu.Unlock()
		logger.Warn("Open rejected for %s: position already live", models.ShortAddress(mint))
		return
	}
	buySOL := e.sizing.CurrentBuySOL
	e.mu.Unlock()

	targetPct := TargetFor(alphaCount, e.cfg.Targets, e.cfg.TargetCeilingPct)

	bal, err := e.balance.Balance(ctx)
	if err != nil {
		logger.Error("Balance check failed for %s: %v", models.ShortAddress(mint), err)
		return
	}
	required := buySOL + e.cfg.GasReserveSOL
	if bal < required {
		logger.Warn("Buy skipped for %s: balance %.4f SOL below required %.4f SOL",
			models.ShortAddress(mint), bal, required)
		e.notify(func(n Notifier) error { return n.LowBalance(required) })
		return
	}

	logger.Info("CONSENSUS BUY %s: %d alphas, %.3f SOL, target +%.0f%%",
		models.ShortAddress(mint), alphaCount, buySOL, targetPct)

	quote, err := e.quoter.Quote(ctx, models.NativeMint, mint, lamports(buySOL), e.cfg.SlippageBps)
	if err != nil {
		logger.Error("Buy quote failed for %s: %v", models.ShortAddress(mint), err)
		return
	}
	fill, err := e.executor.Execute(ctx, quote)
	if err != nil {
		logger.Error("Buy failed for %s: %v", models.ShortAddress(mint), err)
		return
	}

	units := float64(fill.UnitsReceived) / models.LamportsPerSOL
	spentSOL := float64(fill.UnitsSpent) / models.LamportsPerSOL
	if units <= 0 || spentSOL <= 0 {
		logger.Error("Buy fill for %s reported zero amounts, dropping", models.ShortAddress(mint))
		return
	}

	pos := &models.Position{
		Mint:          mint,
		SizeSOL:       spentSOL,
		Units:         units,
		AvgEntryPrice: spentSOL / units,
		AlphaCount:    alphaCount,
		TargetPct:     targetPct,
		OpenedAt:      time.Now(),
	}

	e.mu.Lock()
	if _, exists := e.positions[mint]; exists {
		// A concurrent trigger won the race while we were executing.
		e.mu.Unlock()
		logger.Warn("Concurrent open for %s beat this trigger, dropping fill record", models.ShortAddress(mint))
		return
	}
	e.positions[mint] = pos
	e.mu.Unlock()

	if err := e.storage.SavePosition(pos); err != nil {
		logger.Error("Failed to persist position for %s: %v", models.ShortAddress(mint), err)
	}
	e.appendTrade(&models.Trade{
		ID:         uuid.New().String(),
		Mint:       mint,
		Side:       models.TradeSideBuy,
		SizeSOL:    spentSOL,
		AlphaCount: alphaCount,
		TargetPct:  targetPct,
		ExecutedAt: pos.OpenedAt,
	})
	e.notify(func(n Notifier) error { return n.BuyFired(mint, alphaCount, targetPct, spentSOL) })
}

// EvaluateOpenPositions checks every live position against its profit target,
// closing the ones at or above it. Quote and execution failures leave the
// position open for the next tick.
func (e *Engine) EvaluateOpenPositions(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		snapshot = append(snapshot, *p)
	}
	e.mu.Unlock()

	for i := range snapshot {
		e.evaluate(ctx, &snapshot[i])
	}
}

func (e *Engine) evaluate(ctx context.Context, p *models.Position) {
	quote, err := e.quoter.Quote(ctx, p.Mint, models.NativeMint, lamports(p.Units), e.cfg.SellSlippageBps)
	if err != nil {
		logger.Debug("Sell quote failed for %s: %v (retrying next tick)", models.ShortAddress(p.Mint), err)
		return
	}

	currentPrice := float64(quote.OutAmount) / models.LamportsPerSOL / p.Units
	profitPct := p.ProfitPct(currentPrice)
	if profitPct < p.TargetPct {
		return
	}

	if _, err := e.executor.Execute(ctx, quote); err != nil {
		logger.Warn("Sell failed for %s at +%.1f%%: %v (retrying next tick)",
			models.ShortAddress(p.Mint), profitPct, err)
		return
	}

	e.mu.Lock()
	live, ok := e.positions[p.Mint]
	if !ok {
		e.mu.Unlock()
		logger.Warn("Position for %s vanished during sell, skipping commit", models.ShortAddress(p.Mint))
		return
	}
	profitSOL := (currentPrice - live.AvgEntryPrice) * live.Units
	newBuy := clamp(e.sizing.CurrentBuySOL+profitSOL*e.cfg.CompoundFraction,
		e.cfg.BaseBuySOL, e.cfg.MaxBuySOL)
	e.sizing.CurrentBuySOL = newBuy
	e.sizing.TotalProfitSOL += profitSOL
	sizing := e.sizing
	alphaCount := live.AlphaCount
	targetPct := live.TargetPct
	delete(e.positions, p.Mint)
	e.mu.Unlock()

	logger.Info("SOLD %s: +%.1f%% (%.3f SOL), next buy %.3f SOL",
		models.ShortAddress(p.Mint), profitPct, profitSOL, newBuy)

	if err := e.storage.DeletePosition(p.Mint); err != nil {
		logger.Error("Failed to delete position for %s: %v", models.ShortAddress(p.Mint), err)
	}
	if err := e.storage.SaveSizing(sizing); err != nil {
		logger.Error("Failed to persist sizing: %v", err)
	}
	e.appendTrade(&models.Trade{
		ID:         uuid.New().String(),
		Mint:       p.Mint,
		Side:       models.TradeSideSell,
		SizeSOL:    float64(quote.OutAmount) / models.LamportsPerSOL,
		AlphaCount: alphaCount,
		TargetPct:  targetPct,
		ProfitSOL:  profitSOL,
		ExecutedAt: time.Now(),
	})
	e.notify(func(n Notifier) error { return n.Sold(p.Mint, profitPct, profitSOL, newBuy) })
}

func (e *Engine) appendTrade(tr *models.Trade) {
	if err := e.storage.AddTrade(tr); err != nil {
		logger.Error("Failed to append %s trade for %s: %v", tr.Side, models.ShortAddress(tr.Mint), err)
	}
}

func (e *Engine) notify(send func(Notifier) error) {
	if e.notifier == nil {
		return
	}
	if err := send(e.notifier); err != nil {
		logger.Warn("Notification failed: %v", err)
	}
}

func lamports(sol float64) uint64 {
	return uint64(sol * models.LamportsPerSOL)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
