package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"scanbot/internal/broker"
	"scanbot/internal/chart"
	"scanbot/internal/config"
	"scanbot/internal/engine"
	"scanbot/internal/logging"
	"scanbot/internal/md"
	"scanbot/internal/metrics"
	"scanbot/internal/notifier"
	"scanbot/internal/risk"
	"scanbot/internal/scheduler"
	"scanbot/internal/strategy"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("config error", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("logger error", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	bars, err := md.NewClient(cfg.MarketDataOptions(), logger.Named("md"))
	if err != nil {
		logger.Fatal("market data client error", zap.Error(err))
	}
	brokerClient := broker.New(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.DataRetries, logger.Named("broker"))
	telegram, err := notifier.NewTelegram(cfg.TelegramToken, cfg.TelegramEndpoint, logger.Named("telegram"))
	if err != nil {
		logger.Fatal("telegram error", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	scanner := engine.New(
		engine.Options{
			Watchlist:   cfg.Watchlist,
			ChatID:      cfg.ChatID,
			SymbolDelay: cfg.SymbolDelay,
			KillSwitch:  cfg.KillSwitch,
			MaxNotional: cfg.MaxNotional,
			Indicators:  cfg.IndicatorParams(),
		},
		strategy.NewEvaluator(cfg.StrategyParams()),
		risk.NewGate(logger.Named("risk")),
		engine.Deps{
			Data:     bars,
			Broker:   brokerClient,
			Notifier: telegram,
			Charts:   chart.NewRenderer(cfg.ShortWindow, cfg.LongWindow),
			Metrics:  metrics.New(registry),
		},
		logger.Named("engine"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("starting scanner",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("symbols", len(cfg.Watchlist)),
		zap.String("interval", cfg.BarInterval),
		zap.String("schedule", cfg.Schedule),
		zap.Bool("kill_switch", cfg.KillSwitch),
	)

	if cfg.Schedule == "" {
		if _, err := scanner.Run(ctx); err != nil {
			logger.Warn("scan stopped early", zap.Error(err))
		}
		return
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, registry, logger.Named("metrics")); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(ctx, logger.Named("scheduler"))
	if err := sched.Register(cfg.Schedule, func(ctx context.Context) {
		if _, err := scanner.Run(ctx); err != nil {
			logger.Warn("scan stopped early", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("schedule error", zap.Error(err))
	}
	_ = sched.Run(ctx)

	logger.Info("scanner shutdown complete")
}
