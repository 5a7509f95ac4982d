package extractor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/storage"
)

var extractMint = strings.Repeat("4", 44)

func buyer(i int) string {
	return strings.Repeat("3", 43) + string(rune('a'+i))
}

type fakeHistory struct {
	sigs      []string
	transfers map[string][]models.Transfer
	sigErr    error
	txErr     map[string]error
	sigCalls  int
}

func (f *fakeHistory) Signatures(_ context.Context, _ string, _ int) ([]string, error) {
	f.sigCalls++
	if f.sigErr != nil {
		return nil, f.sigErr
	}
	return append([]string(nil), f.sigs...), nil
}

func (f *fakeHistory) Transfers(_ context.Context, sig string) ([]models.Transfer, error) {
	if err, ok := f.txErr[sig]; ok {
		return nil, err
	}
	return f.transfers[sig], nil
}

type observation struct {
	wallet string
	rank   uint
	volume float64
}

type recordingSink struct {
	observations []observation
}

func (r *recordingSink) RecordObservation(wallet string, rank uint, volume float64) {
	r.observations = append(r.observations, observation{wallet, rank, volume})
}

func sol(amount float64) uint64 {
	return uint64(amount * models.LamportsPerSOL)
}

func testScannerConfig() Config {
	return Config{
		Cooldown:       5 * time.Minute,
		MaxBuyers:      10,
		SignatureLimit: 100,
		MinTransferSOL: 0.5,
	}
}

func newTestScanner(t *testing.T, cfg Config, history HistoryClient, sink ReputationSink) (*Scanner, *storage.Storage) {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "extractor.db"), 100)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, cfg, history, sink, nil, func() float64 { return 0.5 }), s
}

func TestExtractRanksBuyersByFirstAppearance(t *testing.T) {
	// Signatures arrive newest first: sig3 is the most recent transaction.
	history := &fakeHistory{
		sigs: []string{"sig3", "sig2", "sig1"},
		transfers: map[string][]models.Transfer{
			"sig1": {
				{Source: models.NativeMint, Destination: buyer(0), Lamports: sol(1)},
				{Source: buyer(5), Destination: buyer(6), Lamports: sol(2)}, // not a buy
			},
			"sig2": {
				{Source: models.NativeMint, Destination: buyer(1), Lamports: sol(0.8)},
				{Source: models.NativeMint, Destination: buyer(0), Lamports: sol(3)}, // repeat buyer
			},
			"sig3": {
				{Source: models.NativeMint, Destination: buyer(2), Lamports: sol(0.6)},
				{Source: models.NativeMint, Destination: buyer(3), Lamports: sol(0.1)}, // dust
			},
		},
	}
	sink := &recordingSink{}
	sc, _ := newTestScanner(t, testScannerConfig(), history, sink)

	if err := sc.Extract(context.Background(), extractMint, time.Now()); err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	want := []observation{
		{buyer(0), 1, 0.5},
		{buyer(1), 2, 0.5},
		{buyer(2), 3, 0.5},
	}
	if len(sink.observations) != len(want) {
		t.Fatalf("expected %d observations, got %d: %+v", len(want), len(sink.observations), sink.observations)
	}
	for i, w := range want {
		if sink.observations[i] != w {
			t.Errorf("observation %d: got %+v want %+v", i, sink.observations[i], w)
		}
	}
}

func TestExtractIsIdempotentPerMint(t *testing.T) {
	history := &fakeHistory{sigs: []string{"sig1"}, transfers: map[string][]models.Transfer{
		"sig1": {{Source: models.NativeMint, Destination: buyer(0), Lamports: sol(1)}},
	}}
	sink := &recordingSink{}
	sc, _ := newTestScanner(t, testScannerConfig(), history, sink)

	now := time.Now()
	if err := sc.Extract(context.Background(), extractMint, now); err != nil {
		t.Fatalf("first extract failed: %v", err)
	}
	if err := sc.Extract(context.Background(), extractMint, now.Add(time.Hour)); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if history.sigCalls != 1 {
		t.Errorf("history must be scanned once, got %d calls", history.sigCalls)
	}
	if len(sink.observations) != 1 {
		t.Errorf("buyers must be recorded once, got %d", len(sink.observations))
	}
}

func TestExtractCooldownGate(t *testing.T) {
	history := &fakeHistory{}
	sc, _ := newTestScanner(t, testScannerConfig(), history, &recordingSink{})

	now := time.Now()
	otherMint := strings.Repeat("5", 44)

	if err := sc.Extract(context.Background(), extractMint, now); err != nil {
		t.Fatalf("first extract failed: %v", err)
	}
	if err := sc.Extract(context.Background(), otherMint, now.Add(time.Minute)); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("expected ErrCoolingDown inside the window, got %v", err)
	}
	if err := sc.Extract(context.Background(), otherMint, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("extract after cooldown must run, got %v", err)
	}
	if history.sigCalls != 2 {
		t.Errorf("expected 2 history scans, got %d", history.sigCalls)
	}
}

func TestExtractMarksProcessedOnTotalFailure(t *testing.T) {
	history := &fakeHistory{sigErr: errors.New("rpc unavailable")}
	sink := &recordingSink{}
	sc, s := newTestScanner(t, testScannerConfig(), history, sink)

	err := sc.Extract(context.Background(), extractMint, time.Now())
	if err == nil {
		t.Fatal("expected the history error to surface")
	}
	if !sc.Processed(extractMint) {
		t.Error("a failed scan must still mark the mint processed")
	}
	if len(sink.observations) != 0 {
		t.Errorf("no observations expected on total failure, got %d", len(sink.observations))
	}

	processed, loadErr := s.LoadProcessedMints()
	if loadErr != nil || !processed[extractMint] {
		t.Errorf("processed mark must be durable (err=%v)", loadErr)
	}
}

func TestExtractSkipsFailingTransactions(t *testing.T) {
	history := &fakeHistory{
		sigs: []string{"sig2", "sig1"},
		transfers: map[string][]models.Transfer{
			"sig2": {{Source: models.NativeMint, Destination: buyer(1), Lamports: sol(1)}},
		},
		txErr: map[string]error{"sig1": errors.New("parse failure")},
	}
	sink := &recordingSink{}
	sc, _ := newTestScanner(t, testScannerConfig(), history, sink)

	if err := sc.Extract(context.Background(), extractMint, time.Now()); err != nil {
		t.Fatalf("a single bad transaction must not fail the scan: %v", err)
	}
	if len(sink.observations) != 1 || sink.observations[0].wallet != buyer(1) {
		t.Errorf("expected the surviving buyer only, got %+v", sink.observations)
	}
}

func TestExtractBoundsBuyerCount(t *testing.T) {
	cfg := testScannerConfig()
	cfg.MaxBuyers = 2
	var transfers []models.Transfer
	for i := 0; i < 5; i++ {
		transfers = append(transfers, models.Transfer{
			Source: models.NativeMint, Destination: buyer(i), Lamports: sol(1),
		})
	}
	history := &fakeHistory{sigs: []string{"sig1"}, transfers: map[string][]models.Transfer{"sig1": transfers}}
	sink := &recordingSink{}
	sc, _ := newTestScanner(t, cfg, history, sink)

	if err := sc.Extract(context.Background(), extractMint, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(sink.observations) != 2 {
		t.Errorf("expected the top 2 buyers only, got %d", len(sink.observations))
	}
}

func TestExtractRejectsInvalidInput(t *testing.T) {
	sc, _ := newTestScanner(t, testScannerConfig(), &fakeHistory{}, &recordingSink{})

	if err := sc.Extract(context.Background(), "not-a-mint", time.Now()); err == nil {
		t.Error("malformed mint must be rejected at the boundary")
	}
	if err := sc.Extract(context.Background(), models.NativeMint, time.Now()); err == nil {
		t.Error("the native mint must be rejected")
	}
}

func TestProcessedLedgerSurvivesRestart(t *testing.T) {
	s, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"), 100)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	history := &fakeHistory{}
	sc := New(s, testScannerConfig(), history, &recordingSink{}, nil, func() float64 { return 0.5 })
	if err := sc.Extract(context.Background(), extractMint, time.Now()); err != nil {
		t.Fatal(err)
	}

	reloaded := New(s, testScannerConfig(), history, &recordingSink{}, nil, func() float64 { return 0.5 })
	if !reloaded.Processed(extractMint) {
		t.Error("processed ledger must survive a restart")
	}
}
