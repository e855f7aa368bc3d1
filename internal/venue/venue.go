// Package venue defines the external pricing/liquidity interface the
// netting engine falls back to, plus a constant-product reference pool.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientLiquidity means the pool cannot absorb the trade.
	ErrInsufficientLiquidity = errors.New("venue: insufficient liquidity")
	// ErrPriceLimitBreached means execution would violate the caller's
	// price limit.
	ErrPriceLimitBreached = errors.New("venue: price limit breached")
	// ErrUnknownToken means the pool does not carry the requested pair.
	ErrUnknownToken = errors.New("venue: unknown token")
)

// Venue is the narrow quote-and-execute surface of an external
// liquidity source. Execute is synchronous: its result is needed
// immediately to apply the position change for the same fill.
type Venue interface {
	// Quote prices amountIn without moving the pool.
	Quote(tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, error)

	// Execute swaps amountIn for the output token, crediting recipient.
	// priceLimit is the minimum acceptable output per input unit; zero
	// means unconstrained. Failures are per-request: ErrInsufficientLiquidity
	// or ErrPriceLimitBreached, never partial execution.
	Execute(ctx context.Context, tokenIn, tokenOut string, feeTier uint32, amountIn decimal.Decimal, recipient string, priceLimit decimal.Decimal) (decimal.Decimal, error)
}
