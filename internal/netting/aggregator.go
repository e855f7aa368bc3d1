package netting

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Aggregator keeps the running amount-in total per bucket key, so the
// engine can pick a venue's smaller leg without scanning the bucket.
// Every Push into a bucket pairs with exactly one Add here, and every
// Clear pairs with exactly one Reset, keeping totals bit-exact with
// bucket contents.
type Aggregator struct {
	mu     sync.Mutex
	totals map[BucketKey]decimal.Decimal
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{totals: make(map[BucketKey]decimal.Decimal)}
}

// Add accumulates amount into the key's total, clamping the result into
// [min, max].
func (a *Aggregator) Add(key BucketKey, amount, min, max decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.totals[key].Add(amount)
	if total.LessThan(min) {
		total = min
	} else if total.GreaterThan(max) {
		total = max
	}
	a.totals[key] = total
}

// Get returns the key's running total, zero for an unseen key.
func (a *Aggregator) Get(key BucketKey) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals[key]
}

// Reset zeroes the key's total. Idempotent.
func (a *Aggregator) Reset(key BucketKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.totals, key)
}
