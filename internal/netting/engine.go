package netting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/synthex/internal/ledger"
	"github.com/Aidin1998/synthex/internal/stream"
	"github.com/Aidin1998/synthex/internal/synth"
	"github.com/Aidin1998/synthex/internal/venue"
)

// ErrVenueExecutionFailed wraps an external venue rejection. The failure
// is scoped to one request: no position change is applied for it, and
// processing of the rest of the batch continues.
var ErrVenueExecutionFailed = errors.New("netting: venue execution failed")

// EngineConfig bounds the aggregator totals.
type EngineConfig struct {
	// ClampMin and ClampMax bound each leg's running amount-in total.
	ClampMin decimal.Decimal
	ClampMax decimal.Decimal
}

// DefaultEngineConfig clamps totals to [0, 1e30].
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ClampMin: decimal.Zero,
		ClampMax: decimal.New(1, 30),
	}
}

// Engine nets opposing request buckets per venue and routes the
// unmatched remainder to the external venue, writing every fill into
// the position ledger request by request.
type Engine struct {
	cfg     EngineConfig
	store   *RequestStore
	agg     *Aggregator
	ledger  *ledger.Ledger
	venue   venue.Venue
	issuer  synth.Issuer
	pub     stream.Publisher // optional
	logger  *zap.Logger
	metrics *Metrics
}

// NewEngine wires the engine to its collaborators. pub may be nil to
// disable fill confirmations; metrics may be nil for unregistered
// collectors.
func NewEngine(cfg EngineConfig, l *ledger.Ledger, vn venue.Venue, issuer synth.Issuer, pub stream.Publisher, logger *zap.Logger, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		cfg:     cfg,
		store:   NewRequestStore(),
		agg:     NewAggregator(),
		ledger:  l,
		venue:   vn,
		issuer:  issuer,
		pub:     pub,
		logger:  logger.Named("netting-engine"),
		metrics: metrics,
	}
}

// Store exposes the request store for the coordinator.
func (e *Engine) Store() *RequestStore { return e.store }

// Aggregator exposes the running totals for the coordinator.
func (e *Engine) Aggregator() *Aggregator { return e.agg }

// fill is one position change about to be applied, whether internally
// netted or externally priced.
type fill struct {
	req       TradeRequest
	amountIn  decimal.Decimal
	amountOut decimal.Decimal
	source    stream.FillSource
}

// SettleVenue runs one batch pass for the venue: pick the smaller leg
// by aggregated totals, net it exhaustively, net the larger leg against
// the matched output budget, route residuals to the external venue,
// then clear both buckets and totals.
func (e *Engine) SettleVenue(ctx context.Context, v VenueID) error {
	start := time.Now()
	keyA, keyB := v.Legs()

	totalA := e.agg.Get(keyA)
	totalB := e.agg.Get(keyB)

	// Equal totals keep keyA (first leg in canonical token order) as
	// the smaller side, so repeated runs over identical input produce
	// identical side effects.
	keyMin, keyMax := keyA, keyB
	if totalB.LessThan(totalA) {
		keyMin, keyMax = keyB, keyA
	}

	if totalA.Sign() > 0 && totalB.Sign() > 0 {
		matchedOut := e.netSmallerSide(ctx, keyMin)
		e.netLargerSide(ctx, keyMax, matchedOut)
	}

	e.settleFallback(ctx, keyA)
	e.settleFallback(ctx, keyB)

	e.store.Clear(keyA)
	e.store.Clear(keyB)
	e.agg.Reset(keyA)
	e.agg.Reset(keyB)

	e.metrics.BatchesSettled.Inc()
	e.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug("venue batch settled",
		zap.String("token_a", string(v.TokenA)),
		zap.String("token_b", string(v.TokenB)),
		zap.Uint32("fee_tier", v.FeeTier),
		zap.String("total_a", totalA.String()),
		zap.String("total_b", totalB.String()),
		zap.Duration("elapsed", time.Since(start)))
	return ctx.Err()
}

// netSmallerSide fully nets every live request on the smaller leg at
// its own estimate, in insertion order. It returns the accumulated
// output, which is the nettable budget for the larger leg (the matched
// amount expressed in the larger leg's input token).
func (e *Engine) netSmallerSide(ctx context.Context, key BucketKey) decimal.Decimal {
	matchedOut := decimal.Zero
	for i := 0; i < e.store.Len(key); i++ {
		if !e.store.Exists(key, i) {
			continue
		}
		req, err := e.store.Get(key, i)
		if err != nil {
			e.logger.Error("request store inconsistency on smaller leg", zap.Error(err), zap.Int("index", i))
			continue
		}
		e.applyFill(ctx, fill{
			req:       req,
			amountIn:  req.AmountIn,
			amountOut: req.AmountOutEstimate,
			source:    stream.FillNetted,
		})
		matchedOut = matchedOut.Add(req.AmountOutEstimate)
		if err := e.store.Consume(key, i); err != nil {
			e.logger.Error("failed to consume netted request", zap.Error(err), zap.Int("index", i))
		}
	}
	return matchedOut
}

// netLargerSide walks the larger leg consuming the nettable budget.
// At most one request is partially netted; once the budget is spent,
// everything remaining falls through to the fallback pass.
func (e *Engine) netLargerSide(ctx context.Context, key BucketKey, budget decimal.Decimal) {
	remaining := budget
	for i := 0; i < e.store.Len(key) && remaining.Sign() > 0; i++ {
		if !e.store.Exists(key, i) {
			continue
		}
		req, err := e.store.Get(key, i)
		if err != nil {
			e.logger.Error("request store inconsistency on larger leg", zap.Error(err), zap.Int("index", i))
			continue
		}

		if remaining.GreaterThanOrEqual(req.AmountIn) {
			e.applyFill(ctx, fill{
				req:       req,
				amountIn:  req.AmountIn,
				amountOut: req.AmountOutEstimate,
				source:    stream.FillNetted,
			})
			remaining = remaining.Sub(req.AmountIn)
			if err := e.store.Consume(key, i); err != nil {
				e.logger.Error("failed to consume netted request", zap.Error(err), zap.Int("index", i))
			}
			continue
		}

		// Partial net: price exactly the remaining budget through the
		// venue's quote, amend the request down to its residual, and
		// leave it live for the fallback pass.
		partialOut, err := e.venue.Quote(string(req.TokenIn), string(req.TokenOut), remaining)
		if err != nil {
			e.logger.Warn("quote for partial net failed, routing whole request to fallback",
				zap.Error(err),
				zap.String("correlation_id", req.CorrelationID.String()))
			return
		}
		e.applyFill(ctx, fill{
			req:       req,
			amountIn:  remaining,
			amountOut: partialOut,
			source:    stream.FillPartialNetted,
		})
		if err := e.store.AmendAmountIn(key, i, req.AmountIn.Sub(remaining)); err != nil {
			e.logger.Error("failed to amend partially netted request", zap.Error(err), zap.Int("index", i))
		}
		e.metrics.PartialFills.Inc()
		return
	}
}

// settleFallback executes every still-live request on the leg against
// the external venue for its current amount in. A venue rejection fails
// only that request; fills already applied stay applied and the walk
// continues.
func (e *Engine) settleFallback(ctx context.Context, key BucketKey) {
	for i := 0; i < e.store.Len(key); i++ {
		if !e.store.Exists(key, i) {
			continue
		}
		req, err := e.store.Get(key, i)
		if err != nil {
			e.logger.Error("request store inconsistency on fallback", zap.Error(err), zap.Int("index", i))
			continue
		}

		amountOut, err := e.venue.Execute(ctx, string(req.TokenIn), string(req.TokenOut), req.FeeTier, req.AmountIn, req.Recipient, req.PriceLimit)
		if err != nil {
			wrapped := fmt.Errorf("%w: %w", ErrVenueExecutionFailed, err)
			e.metrics.VenueFailures.Inc()
			e.logger.Warn("fallback execution rejected by venue",
				zap.Error(wrapped),
				zap.String("correlation_id", req.CorrelationID.String()),
				zap.String("trader", string(req.Trader)),
				zap.String("amount_in", req.AmountIn.String()))
			e.publish(ctx, req, req.AmountIn, decimal.Zero, stream.FillFallback, wrapped)
			continue
		}

		e.applyFill(ctx, fill{
			req:       req,
			amountIn:  req.AmountIn,
			amountOut: amountOut,
			source:    stream.FillFallback,
		})
		if err := e.store.Consume(key, i); err != nil {
			e.logger.Error("failed to consume fallback request", zap.Error(err), zap.Int("index", i))
		}
	}
}

// applyFill issues or retires the synthetic units and applies the
// position-change rule, identically for netted and externally priced
// fills. Realized PnL is never touched here; closes are realized by an
// explicit RealizePnL call from the orchestration layer.
func (e *Engine) applyFill(ctx context.Context, f fill) {
	var err error
	if f.req.IsOpen {
		err = e.issuer.Issue(synth.Asset(f.req.TokenOut), f.req.Recipient, f.amountOut)
	} else {
		err = e.issuer.Retire(synth.Asset(f.req.TokenIn), f.req.Recipient, f.amountIn)
	}
	if err == nil {
		// Opening a long and closing a short both acquire base (the
		// output is base-denominated); opening a short and closing a
		// long both shed base (the input is base-denominated). Quote
		// moves the opposite way by the other amount.
		if f.req.IsOpen == f.req.IsLong {
			err = e.ledger.UpdatePosition(f.req.Trader, f.amountOut, f.amountIn.Neg())
		} else {
			err = e.ledger.UpdatePosition(f.req.Trader, f.amountIn.Neg(), f.amountOut)
		}
	}

	if err != nil {
		e.metrics.FillFailures.Inc()
		e.logger.Error("fill could not be applied",
			zap.Error(err),
			zap.String("correlation_id", f.req.CorrelationID.String()),
			zap.String("trader", string(f.req.Trader)),
			zap.String("source", string(f.source)),
			zap.String("amount_in", f.amountIn.String()),
			zap.String("amount_out", f.amountOut.String()))
		e.publish(ctx, f.req, f.amountIn, decimal.Zero, f.source, err)
		return
	}

	switch f.source {
	case stream.FillNetted:
		e.metrics.NettedFills.Inc()
	case stream.FillFallback:
		e.metrics.FallbackFills.Inc()
	}
	e.publish(ctx, f.req, f.amountIn, f.amountOut, f.source, nil)
}

func (e *Engine) publish(ctx context.Context, req TradeRequest, amountIn, amountOut decimal.Decimal, source stream.FillSource, fillErr error) {
	if e.pub == nil {
		return
	}
	event := stream.FillEvent{
		CorrelationID: req.CorrelationID.String(),
		Trader:        string(req.Trader),
		TokenIn:       string(req.TokenIn),
		TokenOut:      string(req.TokenOut),
		AmountIn:      amountIn.String(),
		Source:        source,
		IsOpen:        req.IsOpen,
		IsLong:        req.IsLong,
		Timestamp:     time.Now().UTC(),
	}
	if fillErr != nil {
		event.Error = fillErr.Error()
	} else {
		event.AmountOut = amountOut.String()
	}
	if err := e.pub.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish fill event",
			zap.Error(err),
			zap.String("correlation_id", event.CorrelationID))
	}
}
