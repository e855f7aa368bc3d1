// Command synthex runs the netting settlement core as a standalone
// process: trade requests are read as JSON lines on stdin, batches are
// flushed on a fixed interval, and positions are snapshotted on exit.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/synthex/internal/config"
	"github.com/Aidin1998/synthex/internal/ledger"
	"github.com/Aidin1998/synthex/internal/netting"
	"github.com/Aidin1998/synthex/internal/stream"
	"github.com/Aidin1998/synthex/internal/synth"
	"github.com/Aidin1998/synthex/internal/venue"
	"github.com/Aidin1998/synthex/pkg/logger"
)

// tradeInput is the stdin wire form of one trade request.
type tradeInput struct {
	TokenIn           string `json:"token_in"`
	TokenOut          string `json:"token_out"`
	FeeTier           uint32 `json:"fee_tier"`
	Trader            string `json:"trader"`
	Recipient         string `json:"recipient"`
	AmountIn          string `json:"amount_in"`
	PriceLimit        string `json:"price_limit"`
	AmountOutEstimate string `json:"amount_out_estimate"`
	IsOpen            bool   `json:"is_open"`
	IsLong            bool   `json:"is_long"`
}

func (in tradeInput) toRequest() (netting.TradeRequest, error) {
	amountIn, err := decimal.NewFromString(in.AmountIn)
	if err != nil {
		return netting.TradeRequest{}, err
	}
	estimate, err := decimal.NewFromString(in.AmountOutEstimate)
	if err != nil {
		return netting.TradeRequest{}, err
	}
	priceLimit := decimal.Zero
	if in.PriceLimit != "" {
		if priceLimit, err = decimal.NewFromString(in.PriceLimit); err != nil {
			return netting.TradeRequest{}, err
		}
	}
	recipient := in.Recipient
	if recipient == "" {
		recipient = in.Trader
	}
	return netting.TradeRequest{
		TokenIn:           netting.Token(in.TokenIn),
		TokenOut:          netting.Token(in.TokenOut),
		FeeTier:           in.FeeTier,
		Trader:            ledger.Trader(in.Trader),
		Recipient:         recipient,
		AmountIn:          amountIn,
		PriceLimit:        priceLimit,
		AmountOutEstimate: estimate,
		IsOpen:            in.IsOpen,
		IsLong:            in.IsLong,
	}, nil
}

func mustDecimal(log *zap.Logger, field, raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		log.Fatal("invalid decimal in config", zap.String("field", field), zap.String("value", raw))
	}
	return d
}

func main() {
	configPath := flag.String("config", "synthex.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	maxAbs := mustDecimal(log, "ledger.max_abs_balance", cfg.Ledger.MaxAbsBalance)
	book := ledger.New(maxAbs)

	var snapshots *ledger.SnapshotStore
	if cfg.Snapshot.Path != "" {
		db, err := ledger.OpenSnapshotDB(cfg.Snapshot.Path)
		if err != nil {
			log.Fatal("failed to open snapshot database", zap.Error(err))
		}
		snapshots = ledger.NewSnapshotStore(db, log)
		positions, err := snapshots.Load(context.Background())
		if err != nil {
			log.Fatal("failed to load ledger snapshot", zap.Error(err))
		}
		if len(positions) > 0 {
			book.Restore(positions)
			log.Info("ledger restored from snapshot", zap.Int("entries", len(positions)))
		}
	}

	var pub stream.Publisher
	if len(cfg.Stream.Brokers) > 0 {
		pub = stream.NewKafkaPublisher(cfg.Stream.Brokers, cfg.Stream.Topic, log)
	} else {
		pub = stream.NewMemoryPublisher()
	}
	defer pub.Close()

	pool := seedPool(log)
	issuer := synth.NewSupplyLedger()

	engineCfg := netting.EngineConfig{
		ClampMin: mustDecimal(log, "aggregator.min_total", cfg.Aggregator.MinTotal),
		ClampMax: mustDecimal(log, "aggregator.max_total", cfg.Aggregator.MaxTotal),
	}
	engine := netting.NewEngine(engineCfg, book, pool, issuer, pub, log, nil)
	coordinator := netting.NewCoordinator(engine, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readTrades(ctx, coordinator, log)

	ticker := time.NewTicker(cfg.Batch.Interval)
	defer ticker.Stop()

	log.Info("synthex settlement core started",
		zap.Duration("batch_interval", cfg.Batch.Interval),
		zap.Bool("snapshots", snapshots != nil))

	for {
		select {
		case <-ctx.Done():
			if snapshots != nil {
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := snapshots.Save(saveCtx, book); err != nil {
					log.Error("final snapshot failed", zap.Error(err))
				}
				cancel()
			}
			log.Info("synthex settlement core stopped")
			return
		case <-ticker.C:
			if err := coordinator.OnBatchBoundary(ctx); err != nil && ctx.Err() == nil {
				log.Error("batch boundary failed", zap.Error(err))
			}
		}
	}
}

// seedPool seeds the demo constant-product pool: 1000 base against 2M
// quote, 30bps fee, roughly 2000 quote per base.
func seedPool(log *zap.Logger) *venue.SimPool {
	reserveBase := decimal.NewFromInt(1_000)
	reserveQuote := decimal.NewFromInt(2_000_000)
	log.Info("seeded sim pool",
		zap.String("base_reserve", reserveBase.String()),
		zap.String("quote_reserve", reserveQuote.String()))
	return venue.NewSimPool("sBASE", "sQUOTE", reserveBase, reserveQuote, 30)
}

func readTrades(ctx context.Context, coordinator *netting.Coordinator, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in tradeInput
		if err := json.Unmarshal(line, &in); err != nil {
			log.Warn("skipping malformed trade line", zap.Error(err))
			continue
		}
		req, err := in.toRequest()
		if err != nil {
			log.Warn("skipping trade with invalid amounts", zap.Error(err))
			continue
		}
		if err := coordinator.Submit(req); err != nil {
			log.Warn("trade rejected", zap.Error(err), zap.String("trader", in.Trader))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("stdin read failed", zap.Error(err))
	}
}
