package models

import (
	"fmt"
	"time"
)

// Observation is one wallet-buy event entering the engine, either from the
// live feed or from historical extraction.
type Observation struct {
	Mint       string
	Wallet     string
	ObservedAt time.Time
}

// Validate rejects malformed observations before they reach engine state.
func (o *Observation) Validate() error {
	if err := ValidateAddress(o.Mint); err != nil {
		return fmt.Errorf("invalid mint: %w", err)
	}
	if err := ValidateAddress(o.Wallet); err != nil {
		return fmt.Errorf("invalid wallet: %w", err)
	}
	if o.ObservedAt.IsZero() {
		return fmt.Errorf("observation timestamp must be set")
	}
	return nil
}

// ConsensusWindow accumulates distinct alpha wallets seen buying one mint
// within the debounce window. Wallet insertion order is preserved so the
// window doubles as an entry-rank record.
type ConsensusWindow struct {
	Mint            string
	Wallets         []string
	FirstObservedAt time.Time
	LastObservedAt  time.Time
}

// Has reports whether wallet is already a member of the window.
func (w *ConsensusWindow) Has(wallet string) bool {
	for _, member := range w.Wallets {
		if member == wallet {
			return true
		}
	}
	return false
}

// Transfer is a single native-asset transfer recovered from an on-chain
// transaction. A transfer sourced from the native mint identifies its
// destination as a buyer.
type Transfer struct {
	Source      string
	Destination string
	Lamports    uint64
}

// SOL returns the transfer amount in SOL.
func (t Transfer) SOL() float64 {
	return float64(t.Lamports) / LamportsPerSOL
}

// ValidateAddress checks that addr looks like a base58 Solana address.
func ValidateAddress(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return fmt.Errorf("address length %d outside 32-44", len(addr))
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		switch {
		case c >= '1' && c <= '9':
		case c >= 'A' && c <= 'H':
		case c >= 'J' && c <= 'N':
		case c >= 'P' && c <= 'Z':
		case c >= 'a' && c <= 'k':
		case c >= 'm' && c <= 'z':
		default:
			return fmt.Errorf("address contains non-base58 character %q", c)
		}
	}
	return nil
}
