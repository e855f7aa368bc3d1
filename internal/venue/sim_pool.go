package venue

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// SimPool is a two-token constant-product pool with a basis-point fee,
// used by tests and the demo binary in place of a real liquidity venue.
type SimPool struct {
	mu       sync.Mutex
	reserves map[string]decimal.Decimal
	feeBps   int64
}

// NewSimPool seeds a pool with the given reserves.
func NewSimPool(tokenA, tokenB string, reserveA, reserveB decimal.Decimal, feeBps int64) *SimPool {
	return &SimPool{
		reserves: map[string]decimal.Decimal{
			tokenA: reserveA,
			tokenB: reserveB,
		},
		feeBps: feeBps,
	}
}

// quoteLocked computes the constant-product output for amountIn.
// Callers hold p.mu.
func (p *SimPool) quoteLocked(tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	reserveIn, okIn := p.reserves[tokenIn]
	reserveOut, okOut := p.reserves[tokenOut]
	if !okIn || !okOut || tokenIn == tokenOut {
		return decimal.Zero, ErrUnknownToken
	}
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return decimal.Zero, ErrInsufficientLiquidity
	}

	feeMultiplier := bpsDenominator.Sub(decimal.NewFromInt(p.feeBps)).Div(bpsDenominator)
	effectiveIn := amountIn.Mul(feeMultiplier)
	amountOut := reserveOut.Mul(effectiveIn).Div(reserveIn.Add(effectiveIn)).Truncate(18)

	if amountOut.GreaterThanOrEqual(reserveOut) {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	return amountOut, nil
}

// Quote implements Venue.
func (p *SimPool) Quote(tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteLocked(tokenIn, tokenOut, amountIn)
}

// Execute implements Venue. The fee tier is accepted for interface
// compatibility; the sim pool carries a single fee.
func (p *SimPool) Execute(_ context.Context, tokenIn, tokenOut string, _ uint32, amountIn decimal.Decimal, _ string, priceLimit decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	amountOut, err := p.quoteLocked(tokenIn, tokenOut, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	if priceLimit.Sign() > 0 && amountOut.LessThan(amountIn.Mul(priceLimit)) {
		return decimal.Zero, ErrPriceLimitBreached
	}

	p.reserves[tokenIn] = p.reserves[tokenIn].Add(amountIn)
	p.reserves[tokenOut] = p.reserves[tokenOut].Sub(amountOut)
	return amountOut, nil
}

// Reserve returns the current reserve of one token.
func (p *SimPool) Reserve(token string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserves[token]
}
