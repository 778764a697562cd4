package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/api"
	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/indicators"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/market"
	"github.com/robinzi2001-cell/trading-ai/internal/monitor"
	"github.com/robinzi2001-cell/trading-ai/internal/notify"
	"github.com/robinzi2001-cell/trading-ai/internal/order"
	"github.com/robinzi2001-cell/trading-ai/internal/persistence"
	"github.com/robinzi2001-cell/trading-ai/internal/quality"
	"github.com/robinzi2001-cell/trading-ai/internal/reconciliation"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/pkg/cache"
	"github.com/robinzi2001-cell/trading-ai/pkg/config"
	"github.com/robinzi2001-cell/trading-ai/pkg/db"
	"github.com/robinzi2001-cell/trading-ai/pkg/i18n"
	"github.com/robinzi2001-cell/trading-ai/pkg/logging"
)

var buildVersion = "dev"

// settingsFile is the optional YAML overlay for runtime tunables.
type settingsFile struct {
	Risk        risk.Settings   `yaml:"risk"`
	AutoExecute autoexec.Config `yaml:"auto_execute"`
	Monitor     monitor.Rules   `yaml:"monitor"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, i18n.M().ConfigLoadFailed+"\n", err)
		os.Exit(1)
	}
	i18n.SetLanguage(i18n.ParseLanguage(cfg.Language))

	logOpts := logging.DefaultOptions()
	logOpts.Level = cfg.LogLevel
	logOpts.File = cfg.LogFile
	logger, err := logging.Build(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	msg := i18n.M()
	logger.Info(msg.Starting, zap.String("version", buildVersion))
	logger.Info(fmt.Sprintf(msg.ConfigLoaded, cfg.Port))
	logger.Info(fmt.Sprintf(msg.UsingDBPath, cfg.DBPath))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error(fmt.Sprintf(msg.DBInitFailed, err))
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Error(fmt.Sprintf(msg.DBMigrationsFailed, err))
		return err
	}

	bus := events.NewBus()
	sysMetrics := monitor.NewSystemMetrics()
	sysMetrics.SetDroppedSource(bus.Dropped)
	prices := cache.NewPrices()

	riskMgr, err := risk.NewManager(database.DB, logger)
	if err != nil {
		return err
	}

	settings := settingsFile{
		Risk:        riskMgr.Settings(),
		AutoExecute: autoexec.DefaultConfig(),
		Monitor:     monitor.DefaultRules(),
	}
	settings.AutoExecute.Enabled = cfg.AutoExecute
	loaded, err := config.Overlay(cfg.SettingsFile, &settings)
	if err != nil {
		return err
	}
	if loaded {
		logger.Info("settings file applied", zap.String("path", cfg.SettingsFile))
		if err := riskMgr.UpdateSettings(ctx, settings.Risk); err != nil {
			return err
		}
	}

	book := ledger.New(ledger.Config{
		InitialBalance: cfg.InitialBalance,
		MaxSlippage:    cfg.MaxSlippage,
		FeeRate:        cfg.FeeRate,
		Publisher:      bus,
		Logger:         logger.Named("ledger"),
		OnClose: func(t ledger.Trade) {
			err := riskMgr.UpdateMetrics(risk.TradeResult{
				Symbol: t.Symbol,
				Side:   t.Side,
				Size:   t.Quantity,
				Price:  t.ExitPrice,
				PnL:    t.RealizedPnL,
				Fee:    t.Commission,
			})
			if err != nil {
				logger.Warn(fmt.Sprintf(msg.RiskMetricsFail, err))
			}
		},
	})

	recorder := persistence.New(database, persistence.Config{
		Observer: sysMetrics,
		Logger:   logger,
	})

	if cfg.RestoreState {
		if err := restoreLedger(ctx, database, book, recorder); err != nil {
			logger.Warn(fmt.Sprintf(msg.StateLoadFailed, err))
		} else {
			pf := book.Portfolio()
			logger.Info(fmt.Sprintf(msg.StateRestored, len(book.Positions()), pf.CurrentBalance))
		}
	}
	recorder.Subscribe(ctx, bus)

	paper := order.NewPaperExecutor(order.PaperConfig{
		SlippageBps:  cfg.PaperSlippageBps,
		LatencyMinMs: cfg.PaperLatencyMinMs,
		LatencyMaxMs: cfg.PaperLatencyMaxMs,
		FailureRate:  cfg.PaperFailureRate,
		Prices:       prices,
		Logger:       logger,
	})
	logger.Info(msg.PaperMode)

	trend := indicators.NewEngine(9, 21, 14, 100)

	notifiers := notify.Multi{notify.NewLogNotifier(logger), notify.NewBusNotifier(bus)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, 5*time.Second))
	}

	orch, err := autoexec.New(settings.AutoExecute, autoexec.Deps{
		Book:     book,
		Risk:     riskMgr,
		Executor: paper,
		Oracle: quality.NewHeuristic(quality.HeuristicConfig{
			TrustedChannels: cfg.TrustedChannels,
			Trend:           trend,
			Logger:          logger,
		}),
		Notifier:  notifiers,
		Publisher: bus,
		Observer:  sysMetrics,
		Logger:    logger.Named("autoexec"),
	})
	if err != nil {
		return err
	}

	sweeper := &market.Sweeper{Bus: bus, Book: book, Cache: prices, Observer: trend, Logger: logger}
	sweeper.Start(ctx)

	mon := &monitor.Monitor{
		Bus:     bus,
		Rules:   monitor.NewRuleEvaluator(settings.Monitor),
		Metrics: sysMetrics,
		Sink:    notify.AlertSink(notifiers),
		Logger:  logger.Named("monitor"),
	}
	mon.Start(ctx)

	stopFeed, err := startFeed(ctx, cfg, bus, book, logger)
	if err != nil {
		return err
	}

	go resetDailyRisk(ctx, riskMgr)

	var drift *reconciliation.Service
	if cfg.ReconcileSecs > 0 {
		drift = reconciliation.NewService(book, database, recorder,
			time.Duration(cfg.ReconcileSecs)*time.Second, logger.Named("reconcile"))
		drift.Start(ctx)
	}

	server := api.NewServer(&api.Server{
		Bus:      bus,
		DB:       database,
		Book:     book,
		RiskMgr:  riskMgr,
		AutoExec: orch,
		Metrics:  sysMetrics,
		Prices:   prices,
		Marker:   sweeper,
		Orders:   paper,
		Drift:    drift,
	}, api.Options{
		JWTSecret:      cfg.JWTSecret,
		AdminKey:       cfg.AdminKey,
		WebhookSecret:  cfg.WebhookSecret,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Version:        buildVersion,
		Logger:         logger.Named("api"),
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf(msg.ServerListening, cfg.Port))
		serverErr <- server.Start(ctx, ":"+cfg.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error(fmt.Sprintf(msg.APIServerError, err))
		}
		cancel()
	}
	logger.Info(msg.ShuttingDown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stopFeed()
	sweeper.Wait()
	mon.Wait()
	if drift != nil {
		drift.Wait()
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", zap.Error(err))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("final flush failed", zap.Error(err))
	}
	return nil
}

// restoreLedger loads the persisted portfolio, trades and positions. Pending
// trades come back cancelled and that status is written through recorder.
func restoreLedger(ctx context.Context, database *db.Database, book *ledger.Ledger, recorder *persistence.Recorder) error {
	var pf ledger.Portfolio
	rec, err := database.LoadPortfolio(ctx)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load portfolio: %w", err)
	default:
		if pf, err = ledger.PortfolioFromRecord(rec); err != nil {
			return err
		}
	}

	tradeRecs, err := database.ListTrades(ctx, "", 1000)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	trades := make([]ledger.Trade, 0, len(tradeRecs))
	var pending []string
	for _, r := range tradeRecs {
		t, err := ledger.TradeFromRecord(r)
		if err != nil {
			return err
		}
		if t.Status == ledger.StatusPending {
			pending = append(pending, t.ID)
		}
		trades = append(trades, t)
	}

	posRecs, err := database.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	positions := make([]ledger.Position, 0, len(posRecs))
	for _, r := range posRecs {
		p, err := ledger.PositionFromRecord(r)
		if err != nil {
			return err
		}
		positions = append(positions, p)
	}

	book.Restore(pf, trades, positions)

	for _, id := range pending {
		if t, ok := book.Trade(id); ok {
			if err := recorder.Handle(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// startFeed launches the configured mark-price source and returns a func that
// waits for it to stop.
func startFeed(ctx context.Context, cfg *config.Config, bus *events.Bus, book *ledger.Ledger, logger *zap.Logger) (func(), error) {
	symbols := cfg.Symbols
	for _, s := range book.Symbols() {
		if !slices.Contains(symbols, s) {
			symbols = append(symbols, s)
		}
	}

	switch cfg.FeedMode {
	case "mock":
		feed := &market.MockFeed{
			Bus:      bus,
			Symbols:  symbols,
			Interval: time.Duration(cfg.MockIntervalMs) * time.Millisecond,
			Logger:   logger.Named("mockfeed"),
		}
		feed.Start(ctx)
		logger.Info(fmt.Sprintf(i18n.M().MockFeedStarted, len(symbols)))
		return feed.Wait, nil
	case "binance":
		feed := &market.StreamFeed{
			Bus:     bus,
			Symbols: symbols,
			URL:     cfg.BinanceStreamURL,
			Logger:  logger.Named("stream"),
		}
		if err := feed.Start(ctx); err != nil {
			return nil, err
		}
		return feed.Wait, nil
	default:
		return func() {}, nil
	}
}

// resetDailyRisk zeroes the risk manager's daily counters at each UTC day
// boundary.
func resetDailyRisk(ctx context.Context, riskMgr *risk.Manager) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			riskMgr.ResetDailyMetrics()
		}
	}
}
