// Command dexd runs the exchange engine: every configured market behind one
// HTTP API, with Kafka event publishing and a SQLite fill journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unxversal/dexcore/internal/api"
	"github.com/unxversal/dexcore/internal/config"
	"github.com/unxversal/dexcore/internal/dex/custody"
	"github.com/unxversal/dexcore/internal/dex/events"
	"github.com/unxversal/dexcore/internal/dex/market"
	"github.com/unxversal/dexcore/internal/dex/metrics"
	"github.com/unxversal/dexcore/internal/dex/model"
	"github.com/unxversal/dexcore/internal/dex/persistence"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "dexd:", err)
		os.Exit(1)
	}
}

func buildLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var pub events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub = events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	}
	defer func() { _ = pub.Close() }()

	journal, err := persistence.Open(cfg.Journal.DSN, log)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	mets := metrics.New(nil)
	svc := custody.NewInMemory()

	cutoff, err := config.Decimal(cfg.Epoch.VotingCutoff, "100000")
	if err != nil {
		return fmt.Errorf("epoch.voting_cutoff: %w", err)
	}
	phaseOut, err := config.Decimal(cfg.Epoch.PhaseOut, "0")
	if err != nil {
		return fmt.Errorf("epoch.phase_out_liquidity: %w", err)
	}
	discount, err := config.Decimal(cfg.Epoch.DiscountRatio, "0.5")
	if err != nil {
		return fmt.Errorf("epoch.discount_ratio: %w", err)
	}

	markets := make(map[string]*market.Market, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		m, err := buildMarket(mc, cfg.Epoch.Length, cutoff, phaseOut, discount, svc, pub, mets, journal, log)
		if err != nil {
			return fmt.Errorf("market %s: %w", mc.Symbol, err)
		}
		markets[mc.Symbol] = m
		log.Info("market started", zap.String("symbol", mc.Symbol), zap.String("pool_class", mc.PoolClass))
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(markets, log).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildMarket(
	mc config.MarketConfig,
	epochLen time.Duration,
	cutoff, phaseOut, discount decimal.Decimal,
	svc custody.Service,
	pub events.Publisher,
	mets *metrics.Metrics,
	journal *persistence.Journal,
	log *zap.Logger,
) (*market.Market, error) {
	tick, err := config.Decimal(mc.TickSize, "")
	if err != nil {
		return nil, fmt.Errorf("tick_size: %w", err)
	}
	lot, err := config.Decimal(mc.LotSize, "")
	if err != nil {
		return nil, fmt.Errorf("lot_size: %w", err)
	}
	minSize, err := config.Decimal(mc.MinSize, "")
	if err != nil {
		return nil, fmt.Errorf("min_size: %w", err)
	}
	taker, err := config.Decimal(mc.TakerFeeBps, "1")
	if err != nil {
		return nil, fmt.Errorf("taker_fee_bps: %w", err)
	}
	maker, err := config.Decimal(mc.MakerFeeBps, "0")
	if err != nil {
		return nil, fmt.Errorf("maker_fee_bps: %w", err)
	}
	stake, err := config.Decimal(mc.RequiredStake, "0")
	if err != nil {
		return nil, fmt.Errorf("required_stake: %w", err)
	}

	poolID := uuid.New()
	if reg, ok := svc.(*custody.InMemory); ok {
		reg.Register(poolID, []byte(mc.Symbol))
	}

	return market.New(market.Config{
		Params: model.MarketParams{
			Symbol:    mc.Symbol,
			PoolClass: mc.PoolClass,
			TickSize:  tick,
			LotSize:   lot,
			MinSize:   minSize,
		},
		InitialParams: model.TradeParams{
			TakerFeeBps:   taker,
			MakerFeeBps:   maker,
			RequiredStake: stake,
		},
		EpochLength:   epochLen,
		VotingCutoff:  cutoff,
		PhaseOut:      phaseOut,
		DiscountRatio: discount,
		Custody:       svc,
		PoolID:        poolID,
		Events:        pub,
		Metrics:       mets,
		Journal:       journal,
		Logger:        log,
	})
}
