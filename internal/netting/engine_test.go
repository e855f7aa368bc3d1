package netting

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/synthex/internal/ledger"
	"github.com/Aidin1998/synthex/internal/stream"
	"github.com/Aidin1998/synthex/internal/synth"
	"github.com/Aidin1998/synthex/internal/venue"
)

// stubVenue prices both directions at a fixed quote-per-base rate and
// counts calls. failNextExecute rejects exactly one Execute call.
type stubVenue struct {
	mu              sync.Mutex
	baseToken       string
	quoteToken      string
	price           decimal.Decimal
	quoteCalls      int
	executeCalls    int
	failNextExecute bool
}

func newStubVenue(price string) *stubVenue {
	return &stubVenue{
		baseToken:  "sBTC",
		quoteToken: "sUSD",
		price:      dec(price),
	}
}

func (v *stubVenue) convert(tokenIn string, amountIn decimal.Decimal) decimal.Decimal {
	if tokenIn == v.quoteToken {
		return amountIn.Div(v.price)
	}
	return amountIn.Mul(v.price)
}

func (v *stubVenue) Quote(tokenIn, _ string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quoteCalls++
	return v.convert(tokenIn, amountIn), nil
}

func (v *stubVenue) Execute(_ context.Context, tokenIn, _ string, _ uint32, amountIn decimal.Decimal, _ string, _ decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.executeCalls++
	if v.failNextExecute {
		v.failNextExecute = false
		return decimal.Zero, venue.ErrInsufficientLiquidity
	}
	return v.convert(tokenIn, amountIn), nil
}

type fixture struct {
	ledger *ledger.Ledger
	venue  *stubVenue
	issuer *synth.SupplyLedger
	pub    *stream.MemoryPublisher
	engine *Engine
	coord  *Coordinator
}

func newFixture(t *testing.T, price string) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.New(decimal.Zero),
		venue:  newStubVenue(price),
		issuer: synth.NewSupplyLedger(),
		pub:    stream.NewMemoryPublisher(),
	}
	f.engine = NewEngine(DefaultEngineConfig(), f.ledger, f.venue, f.issuer, f.pub, zap.NewNop(), nil)
	f.coord = NewCoordinator(f.engine, zap.NewNop())
	return f
}

func openLong(trader, amountIn, estimate string) TradeRequest {
	return TradeRequest{
		TokenIn:           "sUSD",
		TokenOut:          "sBTC",
		FeeTier:           3000,
		Trader:            ledger.Trader(trader),
		Recipient:         trader,
		AmountIn:          dec(amountIn),
		AmountOutEstimate: dec(estimate),
		IsOpen:            true,
		IsLong:            true,
	}
}

func openShort(trader, amountIn, estimate string) TradeRequest {
	return TradeRequest{
		TokenIn:           "sBTC",
		TokenOut:          "sUSD",
		FeeTier:           3000,
		Trader:            ledger.Trader(trader),
		Recipient:         trader,
		AmountIn:          dec(amountIn),
		AmountOutEstimate: dec(estimate),
		IsOpen:            true,
		IsLong:            false,
	}
}

func closeLong(trader, amountIn, estimate string) TradeRequest {
	return TradeRequest{
		TokenIn:           "sBTC",
		TokenOut:          "sUSD",
		FeeTier:           3000,
		Trader:            ledger.Trader(trader),
		Recipient:         trader,
		AmountIn:          dec(amountIn),
		AmountOutEstimate: dec(estimate),
		IsOpen:            false,
		IsLong:            true,
	}
}

func assertPosition(t *testing.T, l *ledger.Ledger, trader ledger.Trader, base, quote, pnl string) {
	t.Helper()
	p := l.GetPosition(trader)
	assert.True(t, p.BaseBalance.Equal(dec(base)), "%s base = %s, want %s", trader, p.BaseBalance, base)
	assert.True(t, p.QuoteBalance.Equal(dec(quote)), "%s quote = %s, want %s", trader, p.QuoteBalance, quote)
	assert.True(t, p.RealizedPnL.Equal(dec(pnl)), "%s pnl = %s, want %s", trader, p.RealizedPnL, pnl)
}

func TestPureInternalNetting(t *testing.T) {
	f := newFixture(t, "2000")

	require.NoError(t, f.coord.Submit(openLong("alice", "2000", "1")))
	require.NoError(t, f.coord.Submit(openShort("bob", "1", "2000")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	assertPosition(t, f.ledger, "alice", "1", "-2000", "0")
	assertPosition(t, f.ledger, "bob", "-1", "2000", "0")
	assert.Equal(t, 0, f.venue.executeCalls, "external venue must not be touched")

	// Everything nets to exactly zero internally.
	sumBase := decimal.Zero
	sumQuote := decimal.Zero
	for _, p := range f.ledger.Snapshot() {
		sumBase = sumBase.Add(p.BaseBalance)
		sumQuote = sumQuote.Add(p.QuoteBalance)
	}
	assert.True(t, sumBase.IsZero(), "sum base = %s", sumBase)
	assert.True(t, sumQuote.IsZero(), "sum quote = %s", sumQuote)

	// Issued synthetic units match the fills.
	assert.True(t, f.issuer.BalanceOf("sBTC", "alice").Equal(dec("1")))
	assert.True(t, f.issuer.BalanceOf("sUSD", "bob").Equal(dec("2000")))
}

func TestPartialNettingWithFallback(t *testing.T) {
	f := newFixture(t, "2000")

	require.NoError(t, f.coord.Submit(openLong("alice", "2000", "1")))
	require.NoError(t, f.coord.Submit(openShort("bob", "0.5", "1000")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	// Bob's whole 0.5 base is netted; Alice gets 0.5 base netted plus a
	// 0.5 base fallback fill at the venue rate.
	assertPosition(t, f.ledger, "bob", "-0.5", "1000", "0")
	assertPosition(t, f.ledger, "alice", "1", "-2000", "0")
	assert.Equal(t, 1, f.venue.executeCalls)
	assert.Equal(t, 1, f.venue.quoteCalls, "partial slice priced via quote")

	var sources []stream.FillSource
	for _, e := range f.pub.Events() {
		if e.Trader == "alice" {
			sources = append(sources, e.Source)
		}
	}
	assert.Equal(t, []stream.FillSource{stream.FillPartialNetted, stream.FillFallback}, sources)

	// The two partial contributions sum exactly to the original amount.
	events := f.pub.Events()
	total := decimal.Zero
	for _, e := range events {
		if e.Trader == "alice" {
			total = total.Add(dec(e.AmountIn))
		}
	}
	assert.True(t, total.Equal(dec("2000")), "alice amount-in contributions = %s", total)
}

func TestNothingNettableAllFallback(t *testing.T) {
	f := newFixture(t, "2000")

	require.NoError(t, f.coord.Submit(openLong("alice", "4000", "2")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	assertPosition(t, f.ledger, "alice", "2", "-4000", "0")
	assert.Equal(t, 1, f.venue.executeCalls)
	assert.Equal(t, 0, f.venue.quoteCalls)
}

func TestVenueFailureIsOneRequestScoped(t *testing.T) {
	f := newFixture(t, "2000")
	f.venue.failNextExecute = true

	require.NoError(t, f.coord.Submit(openLong("alice", "2000", "1")))
	require.NoError(t, f.coord.Submit(openLong("carol", "4000", "2")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	// Alice's fill failed; her ledger entry is untouched. Carol settled.
	assertPosition(t, f.ledger, "alice", "0", "0", "0")
	assertPosition(t, f.ledger, "carol", "2", "-4000", "0")
	assert.Equal(t, 2, f.venue.executeCalls)

	var failed int
	for _, e := range f.pub.Events() {
		if e.Error != "" {
			failed++
			assert.Equal(t, "alice", e.Trader)
		}
	}
	assert.Equal(t, 1, failed)

	// The batch still cleared both state stores.
	keyUSD := BucketKey{Venue: NewVenueID("sBTC", "sUSD", 3000), TokenIn: "sUSD"}
	assert.Equal(t, 0, f.engine.Store().Len(keyUSD))
	assert.True(t, f.engine.Aggregator().Get(keyUSD).IsZero())
}

func TestRoundTripOpenClose(t *testing.T) {
	f := newFixture(t, "2000")

	require.NoError(t, f.coord.Submit(openLong("alice", "2000", "1")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))
	assertPosition(t, f.ledger, "alice", "1", "-2000", "0")

	// Price moves up before the close.
	f.venue.mu.Lock()
	f.venue.price = dec("2100")
	f.venue.mu.Unlock()

	require.NoError(t, f.coord.Submit(closeLong("alice", "1", "2100")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	p := f.ledger.GetPosition("alice")
	assert.True(t, p.BaseBalance.IsZero(), "base = %s", p.BaseBalance)
	assert.True(t, p.QuoteBalance.Equal(dec("100")), "quote = %s", p.QuoteBalance)
	assert.False(t, f.ledger.HasPosition("alice"), "quote settled to entry/exit difference")

	// Realization is an explicit orchestration-layer call; fills never
	// touched realized PnL.
	assert.True(t, p.RealizedPnL.IsZero())
	require.NoError(t, f.ledger.RealizePnL("alice", dec("100")))
	assert.True(t, f.ledger.GetPosition("alice").RealizedPnL.Equal(dec("100")))
}

func TestOpenCloseNetInternally(t *testing.T) {
	f := newFixture(t, "2000")

	// Seed alice with an open long and bob's holdings for his close.
	require.NoError(t, f.coord.Submit(openLong("alice", "2000", "1")))
	require.NoError(t, f.issuer.Issue("sBTC", "bob", dec("1")))
	require.NoError(t, f.ledger.UpdatePosition("bob", dec("1"), dec("-2000")))

	// Bob closing his long is the opposing leg of alice's open.
	require.NoError(t, f.coord.Submit(closeLong("bob", "1", "2000")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	assertPosition(t, f.ledger, "alice", "1", "-2000", "0")
	assertPosition(t, f.ledger, "bob", "0", "0", "0")
	assert.Equal(t, 0, f.venue.executeCalls)
	assert.True(t, f.issuer.BalanceOf("sBTC", "bob").IsZero(), "bob's base synth retired")
}

func TestTieBreakIsDeterministic(t *testing.T) {
	run := func() []string {
		f := newFixture(t, "1")
		// Equal raw totals on both legs: designation of the smaller
		// side must fall to the canonically first token.
		require.NoError(t, f.coord.Submit(openLong("long-side", "100", "100")))
		require.NoError(t, f.coord.Submit(openShort("short-side", "100", "100")))
		require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

		var traders []string
		for _, e := range f.pub.Events() {
			traders = append(traders, e.Trader)
		}
		return traders
	}

	first := run()
	require.Len(t, first, 2)
	// sBTC sorts before sUSD, so the short (sBTC-in) leg is the
	// designated smaller side and settles first.
	assert.Equal(t, "short-side", first[0])
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run(), "identical input must replay identically")
	}
}

func TestFillOrderFollowsInsertionOrder(t *testing.T) {
	f := newFixture(t, "2000")

	// 1.2 base of shorts against 3 longs totalling 2000+400+600 quote.
	// Budget on the long side is 2400 quote: the first long nets fully,
	// the second nets partially, the third goes entirely to fallback.
	require.NoError(t, f.coord.Submit(openLong("first", "2000", "1")))
	require.NoError(t, f.coord.Submit(openLong("second", "600", "0.3")))
	require.NoError(t, f.coord.Submit(openLong("third", "600", "0.3")))
	require.NoError(t, f.coord.Submit(openShort("shorty", "1.2", "2400")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	bySource := map[string][]stream.FillSource{}
	for _, e := range f.pub.Events() {
		bySource[e.Trader] = append(bySource[e.Trader], e.Source)
	}
	assert.Equal(t, []stream.FillSource{stream.FillNetted}, bySource["first"])
	assert.Equal(t, []stream.FillSource{stream.FillPartialNetted, stream.FillFallback}, bySource["second"])
	assert.Equal(t, []stream.FillSource{stream.FillFallback}, bySource["third"])

	// Partial arithmetic: second netted 400 quote (0.2 base) and fell
	// back for the residual 200 quote (0.1 base).
	assertPosition(t, f.ledger, "second", "0.3", "-600", "0")
	assert.Equal(t, 2, f.venue.executeCalls)
}

func TestSettleClearsBucketsAndTotals(t *testing.T) {
	f := newFixture(t, "2000")

	require.NoError(t, f.coord.Submit(openLong("alice", "2000", "1")))
	require.NoError(t, f.coord.Submit(openShort("bob", "1", "2000")))

	v := NewVenueID("sBTC", "sUSD", 3000)
	keyBTC, keyUSD := v.Legs()
	require.Equal(t, 1, f.engine.Store().Len(keyBTC))
	require.Equal(t, 1, f.engine.Store().Len(keyUSD))
	require.True(t, f.engine.Aggregator().Get(keyUSD).Equal(dec("2000")))

	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	assert.Equal(t, 0, f.engine.Store().Len(keyBTC))
	assert.Equal(t, 0, f.engine.Store().Len(keyUSD))
	assert.True(t, f.engine.Aggregator().Get(keyBTC).IsZero())
	assert.True(t, f.engine.Aggregator().Get(keyUSD).IsZero())
}

func TestConservationManyTraders(t *testing.T) {
	f := newFixture(t, "2000")

	// Two longs and two shorts whose estimates mirror each other
	// exactly: every fill nets internally.
	require.NoError(t, f.coord.Submit(openLong("l1", "2000", "1")))
	require.NoError(t, f.coord.Submit(openLong("l2", "1000", "0.5")))
	require.NoError(t, f.coord.Submit(openShort("s1", "1", "2000")))
	require.NoError(t, f.coord.Submit(openShort("s2", "0.5", "1000")))
	require.NoError(t, f.coord.OnBatchBoundary(context.Background()))

	assert.Equal(t, 0, f.venue.executeCalls)
	sumBase := decimal.Zero
	sumQuote := decimal.Zero
	for _, p := range f.ledger.Snapshot() {
		sumBase = sumBase.Add(p.BaseBalance)
		sumQuote = sumQuote.Add(p.QuoteBalance)
	}
	assert.True(t, sumBase.IsZero(), "sum base = %s", sumBase)
	assert.True(t, sumQuote.IsZero(), "sum quote = %s", sumQuote)
}
