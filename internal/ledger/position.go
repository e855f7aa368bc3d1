// Package ledger implements the concurrent position ledger: one record of
// synthetic exposure per trader, mutated only by atomic delta application.
package ledger

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrOverflow is returned when a delta would push a balance past the
// configured absolute bound. The offending update is discarded whole;
// the ledger entry is never partially applied.
var ErrOverflow = errors.New("position balance overflow")

// Trader identifies a position owner.
type Trader string

// Position is a snapshot of one trader's exposure.
type Position struct {
	BaseBalance  decimal.Decimal // signed, positive = net long
	QuoteBalance decimal.Decimal // signed, moves opposite to base on open
	RealizedPnL  decimal.Decimal // accumulated by RealizePnL only
}

// Flat reports whether both exposure balances are zero. Realized PnL
// does not count toward flatness.
func (p Position) Flat() bool {
	return p.BaseBalance.IsZero() && p.QuoteBalance.IsZero()
}

type entry struct {
	mu    sync.Mutex
	base  decimal.Decimal
	quote decimal.Decimal
	pnl   decimal.Decimal
}

// Ledger maps traders to positions. Entries are created implicitly on
// first write and never deleted; reads of unseen traders return the
// zero record. Updates to distinct traders never contend on the same
// lock; updates to one trader are linearized by its entry lock.
type Ledger struct {
	mu      sync.RWMutex
	entries map[Trader]*entry

	// maxAbs bounds |base| and |quote| per entry; zero means unbounded.
	maxAbs decimal.Decimal
}

// New creates an empty ledger. maxAbsBalance of zero disables the
// overflow bound.
func New(maxAbsBalance decimal.Decimal) *Ledger {
	return &Ledger{
		entries: make(map[Trader]*entry),
		maxAbs:  maxAbsBalance,
	}
}

func (l *Ledger) entryFor(trader Trader) *entry {
	l.mu.RLock()
	e, ok := l.entries[trader]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[trader]; ok {
		return e
	}
	e = &entry{
		base:  decimal.Zero,
		quote: decimal.Zero,
		pnl:   decimal.Zero,
	}
	l.entries[trader] = e
	return e
}

func (l *Ledger) exceedsBound(v decimal.Decimal) bool {
	return !l.maxAbs.IsZero() && v.Abs().GreaterThan(l.maxAbs)
}

// UpdatePosition applies signed deltas to the trader's base and quote
// balances as one atomic step. On ErrOverflow neither delta is applied.
func (l *Ledger) UpdatePosition(trader Trader, deltaBase, deltaQuote decimal.Decimal) error {
	e := l.entryFor(trader)
	e.mu.Lock()
	defer e.mu.Unlock()

	newBase := e.base.Add(deltaBase)
	newQuote := e.quote.Add(deltaQuote)
	if l.exceedsBound(newBase) || l.exceedsBound(newQuote) {
		return ErrOverflow
	}
	e.base = newBase
	e.quote = newQuote
	return nil
}

// RealizePnL adds to the trader's realized PnL accumulator. It never
// touches the exposure balances.
func (l *Ledger) RealizePnL(trader Trader, deltaPnL decimal.Decimal) error {
	e := l.entryFor(trader)
	e.mu.Lock()
	defer e.mu.Unlock()

	newPnL := e.pnl.Add(deltaPnL)
	if l.exceedsBound(newPnL) {
		return ErrOverflow
	}
	e.pnl = newPnL
	return nil
}

// GetPosition returns the trader's current position, or the zero record
// if the trader has never been written.
func (l *Ledger) GetPosition(trader Trader) Position {
	l.mu.RLock()
	e, ok := l.entries[trader]
	l.mu.RUnlock()
	if !ok {
		return Position{
			BaseBalance:  decimal.Zero,
			QuoteBalance: decimal.Zero,
			RealizedPnL:  decimal.Zero,
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Position{
		BaseBalance:  e.base,
		QuoteBalance: e.quote,
		RealizedPnL:  e.pnl,
	}
}

// GetPositionValue marks the position to markPrice (quote per base).
// The base*mark product is truncated toward zero at 18 fractional
// digits before the quote balance is added, matching the fixed-point
// division convention used throughout.
func (l *Ledger) GetPositionValue(trader Trader, markPrice decimal.Decimal) decimal.Decimal {
	p := l.GetPosition(trader)
	return p.BaseBalance.Mul(markPrice).Truncate(18).Add(p.QuoteBalance)
}

// HasPosition reports whether the trader holds any open exposure.
func (l *Ledger) HasPosition(trader Trader) bool {
	return !l.GetPosition(trader).Flat()
}

// Snapshot copies every entry. Concurrent updates may land before or
// after the copy of their entry; each entry is internally consistent.
func (l *Ledger) Snapshot() map[Trader]Position {
	l.mu.RLock()
	traders := make([]Trader, 0, len(l.entries))
	for t := range l.entries {
		traders = append(traders, t)
	}
	l.mu.RUnlock()

	out := make(map[Trader]Position, len(traders))
	for _, t := range traders {
		out[t] = l.GetPosition(t)
	}
	return out
}

// Restore replaces the ledger contents wholesale. Intended for startup
// recovery from a snapshot, before concurrent traffic begins.
func (l *Ledger) Restore(positions map[Trader]Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[Trader]*entry, len(positions))
	for t, p := range positions {
		l.entries[t] = &entry{
			base:  p.BaseBalance,
			quote: p.QuoteBalance,
			pnl:   p.RealizedPnL,
		}
	}
}
