// Package synth models the synthetic asset issuance collaborator: an
// authorization-gated mint/burn facility for tradeable synthetic units.
package synth

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnauthorized means the caller is not entitled to adjust supply.
	ErrUnauthorized = errors.New("synth: caller not authorized")
	// ErrInsufficientBalance means the holder does not carry enough
	// units to retire.
	ErrInsufficientBalance = errors.New("synth: insufficient balance")
	// ErrInvalidAmount means a non-positive amount was supplied.
	ErrInvalidAmount = errors.New("synth: amount must be positive")
)

// Asset names one synthetic token.
type Asset string

// Issuer adjusts synthetic supply. Both operations are
// authorization-gated; Retire additionally requires the holder to carry
// the units being retired.
type Issuer interface {
	Issue(asset Asset, to string, amount decimal.Decimal) error
	Retire(asset Asset, from string, amount decimal.Decimal) error
}

type holding struct {
	asset  Asset
	holder string
}

// SupplyLedger is the in-memory reference Issuer: per-holder balances
// and per-asset total supply under one lock.
type SupplyLedger struct {
	mu         sync.Mutex
	balances   map[holding]decimal.Decimal
	supply     map[Asset]decimal.Decimal
	authorized bool
}

// NewSupplyLedger creates an authorized supply ledger.
func NewSupplyLedger() *SupplyLedger {
	return &SupplyLedger{
		balances:   make(map[holding]decimal.Decimal),
		supply:     make(map[Asset]decimal.Decimal),
		authorized: true,
	}
}

// Revoke withdraws issuance authority. Subsequent Issue/Retire calls
// fail with ErrUnauthorized.
func (l *SupplyLedger) Revoke() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized = false
}

// Issue mints amount units of asset to the holder.
func (l *SupplyLedger) Issue(asset Asset, to string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.authorized {
		return ErrUnauthorized
	}
	key := holding{asset: asset, holder: to}
	l.balances[key] = l.balances[key].Add(amount)
	l.supply[asset] = l.supply[asset].Add(amount)
	return nil
}

// Retire burns amount units of asset from the holder.
func (l *SupplyLedger) Retire(asset Asset, from string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.authorized {
		return ErrUnauthorized
	}
	key := holding{asset: asset, holder: from}
	if l.balances[key].LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[key] = l.balances[key].Sub(amount)
	l.supply[asset] = l.supply[asset].Sub(amount)
	return nil
}

// BalanceOf returns the holder's balance of asset.
func (l *SupplyLedger) BalanceOf(asset Asset, holder string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holding{asset: asset, holder: holder}]
}

// Supply returns the outstanding supply of asset.
func (l *SupplyLedger) Supply(asset Asset) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply[asset]
}
