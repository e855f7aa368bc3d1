package netting

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Coordinator owns the batch protocol: Submit during the open phase,
// OnBatchBoundary to close it. It tracks which venues were touched so
// the boundary pass only visits active venues. The cadence of
// boundaries belongs to the caller; the coordinator has no notion of
// wall-clock time.
type Coordinator struct {
	engine *Engine
	logger *zap.Logger

	mu     sync.Mutex
	active map[VenueID]struct{}
}

// NewCoordinator creates a coordinator over the engine.
func NewCoordinator(engine *Engine, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		engine: engine,
		logger: logger.Named("batch-coordinator"),
		active: make(map[VenueID]struct{}),
	}
}

// Submit validates and queues a request into the current batch:
// bucket append, aggregator accumulate, active-venue record. A zero
// correlation ID is replaced with a locally generated one. Safe for
// concurrent use.
func (c *Coordinator) Submit(req TradeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.CorrelationID == uuid.Nil {
		req.CorrelationID = uuid.New()
	}

	key := req.BucketKey()
	c.engine.Store().Push(key, req)
	c.engine.Aggregator().Add(key, req.AmountIn, c.engine.cfg.ClampMin, c.engine.cfg.ClampMax)
	c.engine.metrics.RequestsSubmitted.Inc()

	c.mu.Lock()
	c.active[key.Venue] = struct{}{}
	c.mu.Unlock()
	return nil
}

// OnBatchBoundary closes the current batch: one engine pass per active
// venue, run concurrently since venue buckets are disjoint, then the
// active set is cleared. Per-trader ledger updates stay linearized by
// the ledger itself even when one trader appears on several venues.
func (c *Coordinator) OnBatchBoundary(ctx context.Context) error {
	c.mu.Lock()
	venues := c.active
	c.active = make(map[VenueID]struct{})
	c.mu.Unlock()

	if len(venues) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for v := range venues {
		g.Go(func() error {
			if err := c.engine.SettleVenue(ctx, v); err != nil {
				return fmt.Errorf("settle venue %s/%s: %w", v.TokenA, v.TokenB, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Debug("batch boundary processed", zap.Int("venues", len(venues)))
	return nil
}
