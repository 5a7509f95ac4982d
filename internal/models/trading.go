package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Trade sides.
const (
	TradeSideBuy  = "BUY"
	TradeSideSell = "SELL"
)

// Position is an open holding in one mint. At most one live position exists
// per mint at any time.
type Position struct {
	Mint          string
	SizeSOL       float64 // quote-currency cost basis
	Units         float64 // token units held
	AvgEntryPrice float64 // SOL per unit, from the actual fill
	AlphaCount    uint    // distinct alphas behind the triggering consensus
	TargetPct     float64 // profit target in percent
	OpenedAt      time.Time
}

// Validate checks position field constraints.
func (p *Position) Validate() error {
	if err := ValidateAddress(p.Mint); err != nil {
		return err
	}
	if p.SizeSOL <= 0 {
		return errors.New("position size must be positive")
	}
	if p.Units <= 0 {
		return errors.New("position units must be positive")
	}
	if p.AvgEntryPrice <= 0 {
		return errors.New("average entry price must be positive")
	}
	if p.AlphaCount == 0 {
		return errors.New("alpha count must be at least 1")
	}
	if p.TargetPct <= 0 {
		return errors.New("target percent must be positive")
	}
	return nil
}

// ProfitPct returns the percent gain of currentPrice (SOL per unit) over the
// entry price.
func (p *Position) ProfitPct(currentPrice float64) float64 {
	return (currentPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
}

// Trade is one immutable entry in the append-only trade log.
type Trade struct {
	ID         string
	Mint       string
	Side       string // TradeSideBuy or TradeSideSell
	SizeSOL    float64
	AlphaCount uint
	TargetPct  float64
	ProfitSOL  float64 // realized profit, sells only
	ExecutedAt time.Time
}

// Sizing is the global compounding state: the buy size applied to the next
// consensus trigger and the running realized-profit total.
type Sizing struct {
	CurrentBuySOL  float64
	TotalProfitSOL float64
}

// Quote is a swap-route quote from the aggregator. Raw carries the untouched
// response body because the swap endpoint requires it round-tripped verbatim.
type Quote struct {
	InputMint   string
	OutputMint  string
	InAmount    uint64 // raw units of the input mint
	OutAmount   uint64 // raw units of the output mint
	SlippageBps int
	Raw         json.RawMessage
}

// Fill reports the actual amounts moved by an executed swap. Entry prices are
// derived from these, never from the pre-trade quote.
type Fill struct {
	UnitsSpent    uint64
	UnitsReceived uint64
	Signature     string
}
