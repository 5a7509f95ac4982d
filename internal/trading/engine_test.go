package trading

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/solfollow/engine/internal/consensus"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/storage"
)

var testMint = strings.Repeat("6", 44)

type quoterFunc func(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*models.Quote, error)

func (f quoterFunc) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*models.Quote, error) {
	return f(ctx, inputMint, outputMint, amount, slippageBps)
}

type executorFunc func(ctx context.Context, q *models.Quote) (*models.Fill, error)

func (f executorFunc) Execute(ctx context.Context, q *models.Quote) (*models.Fill, error) {
	return f(ctx, q)
}

type balanceFunc func(ctx context.Context) (float64, error)

func (f balanceFunc) Balance(ctx context.Context) (float64, error) {
	return f(ctx)
}

type recordingNotifier struct {
	buys        int
	sells       int
	lowBalances int
}

func (n *recordingNotifier) BuyFired(string, uint, float64, float64) error {
	n.buys++
	return nil
}
func (n *recordingNotifier) Sold(string, float64, float64, float64) error {
	n.sells++
	return nil
}
func (n *recordingNotifier) LowBalance(float64) error {
	n.lowBalances++
	return nil
}

func testConfig() Config {
	return Config{
		BaseBuySOL:       0.5,
		MaxBuySOL:        5.0,
		SlippageBps:      1500,
		SellSlippageBps:  10000,
		GasReserveSOL:    0.003,
		CompoundFraction: 0.5,
		Targets:          map[uint]float64{2: 300, 3: 600, 4: 1000},
		TargetCeilingPct: 5500,
	}
}

// passQuoter fills buys at 32 units per SOL, so a 0.5 SOL buy yields 16 units
// at an entry rate of 0.03125 SOL per unit. Sells price at sellRate SOL per
// unit; the power-of-two entry keeps target arithmetic exact.
const entryRate = 1.0 / 32

func passQuoter(sellRate float64) quoterFunc {
	return func(_ context.Context, inputMint, outputMint string, amount uint64, _ int) (*models.Quote, error) {
		q := &models.Quote{InputMint: inputMint, OutputMint: outputMint, InAmount: amount}
		if inputMint == models.NativeMint {
			q.OutAmount = amount * 32
		} else {
			units := float64(amount) / models.LamportsPerSOL
			q.OutAmount = uint64(units * sellRate * models.LamportsPerSOL)
		}
		return q, nil
	}
}

func passExecutor() executorFunc {
	return func(_ context.Context, q *models.Quote) (*models.Fill, error) {
		return &models.Fill{UnitsSpent: q.InAmount, UnitsReceived: q.OutAmount}, nil
	}
}

func richBalance() balanceFunc {
	return func(context.Context) (float64, error) { return 100, nil }
}

func newTestEngine(t *testing.T, cfg Config, q Quoter, x Executor, b BalanceReader, n Notifier) (*Engine, *storage.Storage) {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "trading.db"), 100)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, cfg, q, x, b, n), s
}

func TestOnTriggerOpensPosition(t *testing.T) {
	notifier := &recordingNotifier{}
	e, s := newTestEngine(t, testConfig(), passQuoter(0), passExecutor(), richBalance(), notifier)

	e.OnTrigger(context.Background(), testMint, 2)

	if !e.HasPosition(testMint) {
		t.Fatal("expected a live position")
	}
	positions := e.OpenPositions()
	p := positions[0]
	if p.SizeSOL != 0.5 {
		t.Errorf("expected size 0.5 SOL, got %f", p.SizeSOL)
	}
	if p.Units != 16 {
		t.Errorf("expected 16 units, got %f", p.Units)
	}
	wantEntry := 0.5 / 16
	if diff := p.AvgEntryPrice - wantEntry; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("entry price must come from the fill ratio: got %g want %g", p.AvgEntryPrice, wantEntry)
	}
	if p.TargetPct != 300 {
		t.Errorf("expected 2-alpha target 300%%, got %f", p.TargetPct)
	}
	if notifier.buys != 1 {
		t.Errorf("expected 1 buy notification, got %d", notifier.buys)
	}

	// Position and trade record are durable.
	persisted, err := s.LoadAllPositions()
	if err != nil || len(persisted) != 1 {
		t.Fatalf("expected 1 persisted position, got %d (err=%v)", len(persisted), err)
	}
	trades, _ := s.RecentTrades(10)
	if len(trades) != 1 || trades[0].Side != models.TradeSideBuy {
		t.Errorf("expected one BUY trade record, got %+v", trades)
	}
}

func TestOnTriggerRejectsSecondPosition(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), passQuoter(0), passExecutor(), richBalance(), nil)

	e.OnTrigger(context.Background(), testMint, 2)
	e.OnTrigger(context.Background(), testMint, 3)

	positions := e.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected exactly 1 position, got %d", len(positions))
	}
	if positions[0].TargetPct != 300 {
		t.Errorf("second trigger must not replace the first position, target=%f", positions[0].TargetPct)
	}
}

func TestOnTriggerAbortsOnLowBalance(t *testing.T) {
	notifier := &recordingNotifier{}
	broke := balanceFunc(func(context.Context) (float64, error) { return 0.4, nil })
	e, _ := newTestEngine(t, testConfig(), passQuoter(0), passExecutor(), broke, notifier)

	e.OnTrigger(context.Background(), testMint, 2)

	if e.HasPosition(testMint) {
		t.Error("no position must be created on insufficient balance")
	}
	if notifier.lowBalances != 1 {
		t.Errorf("expected a low-balance notification, got %d", notifier.lowBalances)
	}
}

func TestOnTriggerDropsOnExecutionFailure(t *testing.T) {
	failing := executorFunc(func(context.Context, *models.Quote) (*models.Fill, error) {
		return nil, errors.New("bundle rejected")
	})
	e, s := newTestEngine(t, testConfig(), passQuoter(0), failing, richBalance(), nil)

	e.OnTrigger(context.Background(), testMint, 2)

	if e.HasPosition(testMint) {
		t.Error("no position must be created on execution failure")
	}
	trades, _ := s.RecentTrades(10)
	if len(trades) != 0 {
		t.Errorf("no trade must be recorded on execution failure, got %d", len(trades))
	}
}

func TestOnTriggerIgnoresNativeMint(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), passQuoter(0), passExecutor(), richBalance(), nil)
	e.OnTrigger(context.Background(), models.NativeMint, 2)
	if len(e.OpenPositions()) != 0 {
		t.Error("SOL → SOL triggers must be ignored")
	}
}

func TestEvaluateClosesAtExactTarget(t *testing.T) {
	notifier := &recordingNotifier{}
	// Exactly 4x the entry rate, a profit of exactly 300%. The boundary is
	// inclusive: at-target must close.
	e, s := newTestEngine(t, testConfig(), passQuoter(entryRate*4), passExecutor(), richBalance(), notifier)

	e.OnTrigger(context.Background(), testMint, 2)
	e.EvaluateOpenPositions(context.Background())

	if e.HasPosition(testMint) {
		t.Fatal("position at exactly the target must close")
	}
	// profit = (4x - 1x) * cost basis = 3 * 0.5 = 1.5 SOL; compound half of it.
	sizing := e.Sizing()
	if diff := sizing.CurrentBuySOL - 1.25; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected next buy 1.25 SOL, got %f", sizing.CurrentBuySOL)
	}
	if diff := sizing.TotalProfitSOL - 1.5; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected total profit 1.5 SOL, got %f", sizing.TotalProfitSOL)
	}
	if notifier.sells != 1 {
		t.Errorf("expected 1 sell notification, got %d", notifier.sells)
	}

	persisted, _ := s.LoadAllPositions()
	if len(persisted) != 0 {
		t.Error("closed position must be deleted from storage")
	}
	trades, _ := s.RecentTrades(10)
	if len(trades) != 2 {
		t.Fatalf("expected BUY and SELL records, got %d", len(trades))
	}
	if trades[0].Side != models.TradeSideSell {
		t.Errorf("newest trade must be the SELL, got %s", trades[0].Side)
	}
	if diff := trades[0].ProfitSOL - 1.5; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("SELL record must carry realized profit, got %f", trades[0].ProfitSOL)
	}
}

func TestEvaluateLeavesPositionBelowTarget(t *testing.T) {
	// 3.9x entry is a 290% profit, below the 300% target.
	e, _ := newTestEngine(t, testConfig(), passQuoter(entryRate*3.9), passExecutor(), richBalance(), nil)

	e.OnTrigger(context.Background(), testMint, 2)
	e.EvaluateOpenPositions(context.Background())

	if !e.HasPosition(testMint) {
		t.Error("position below target must stay open")
	}
}

func TestEvaluateRetriesOnQuoteFailure(t *testing.T) {
	calls := 0
	flaky := quoterFunc(func(ctx context.Context, in, out string, amount uint64, bps int) (*models.Quote, error) {
		if in != models.NativeMint {
			calls++
			if calls == 1 {
				return nil, errors.New("rpc timeout")
			}
		}
		return passQuoter(entryRate * 4)(ctx, in, out, amount, bps)
	})
	e, _ := newTestEngine(t, testConfig(), flaky, passExecutor(), richBalance(), nil)

	e.OnTrigger(context.Background(), testMint, 2)

	// First tick fails transiently, position survives.
	e.EvaluateOpenPositions(context.Background())
	if !e.HasPosition(testMint) {
		t.Fatal("quote failure must leave the position open")
	}

	// Next tick succeeds and closes.
	e.EvaluateOpenPositions(context.Background())
	if e.HasPosition(testMint) {
		t.Error("position must close once the quote succeeds")
	}
}

func TestCompoundingClampsAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBuySOL = 1.0
	e, _ := newTestEngine(t, cfg, passQuoter(entryRate*50), passExecutor(), richBalance(), nil)

	e.OnTrigger(context.Background(), testMint, 2)
	e.EvaluateOpenPositions(context.Background())

	if got := e.CurrentBuySOL(); got != 1.0 {
		t.Errorf("buy size must clamp at max, got %f", got)
	}
}

func TestNewClampsPersistedSizingToBounds(t *testing.T) {
	cfg := testConfig()
	s, err := storage.New(filepath.Join(t.TempDir(), "sizing.db"), 100)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Persisted value below the configured base.
	if err := s.SaveSizing(models.Sizing{CurrentBuySOL: 0.01}); err != nil {
		t.Fatal(err)
	}
	e := New(s, cfg, passQuoter(0), passExecutor(), richBalance(), nil)
	if got := e.CurrentBuySOL(); got != cfg.BaseBuySOL {
		t.Errorf("persisted sizing below base must clamp up, got %f", got)
	}
}

func TestTargetFor(t *testing.T) {
	table := map[uint]float64{2: 300, 3: 600}
	if got := TargetFor(2, table, 5500); got != 300 {
		t.Errorf("expected table hit 300, got %f", got)
	}
	if got := TargetFor(7, table, 5500); got != 5500 {
		t.Errorf("expected ceiling for count beyond table, got %f", got)
	}
}

// Full path: two alphas converge within the window, the position opens at the
// current buy size, and a quote above target closes it with compounding.
func TestConsensusToCloseScenario(t *testing.T) {
	e, s := newTestEngine(t, testConfig(), passQuoter(entryRate*4.5), passExecutor(), richBalance(), nil)

	agg := consensus.New(s, consensus.Config{MinWallets: 2, Debounce: 90 * time.Second}, e.HasPosition)

	now := time.Now()
	wallet1 := strings.Repeat("7", 43) + "a"
	wallet2 := strings.Repeat("7", 43) + "b"

	if trig := agg.Observe(testMint, wallet1, now); trig != nil {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
	trig := agg.Observe(testMint, wallet2, now.Add(10*time.Second))
	if trig == nil {
		t.Fatal("expected consensus at the second alpha")
	}
	if trig.AlphaCount != 2 {
		t.Fatalf("expected 2 alphas, got %d", trig.AlphaCount)
	}

	e.OnTrigger(context.Background(), trig.Mint, trig.AlphaCount)
	if !e.HasPosition(testMint) {
		t.Fatal("expected an open position after the trigger")
	}

	// 4.5x entry → +350% against the 300% two-alpha target.
	e.EvaluateOpenPositions(context.Background())
	if e.HasPosition(testMint) {
		t.Fatal("expected the position to close above target")
	}
	if got := e.CurrentBuySOL(); got <= testConfig().BaseBuySOL {
		t.Errorf("expected compounded buy size above base, got %f", got)
	}
}
