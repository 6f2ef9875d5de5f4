package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"mockexchange/internal/alert"
	"mockexchange/internal/api"
	"mockexchange/internal/bootstrap"
	"mockexchange/internal/config"
	"mockexchange/internal/exchange"
	"mockexchange/internal/infrastructure/health"
	"mockexchange/internal/kv"
	"mockexchange/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/mockexchange.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mockexchange version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger.Info("Starting mockexchange",
		"version", version,
		"store", cfg.Store.Driver,
		"cash_asset", cfg.Engine.CashAsset,
		"addr", cfg.Server.Addr,
	)

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("mockexchange")
		if err != nil {
			logger.Warn("Telemetry setup failed (continuing without)", "error", err)
		} else {
			logger.Info("Telemetry initialized")
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := api.NewHub(logger)

	engine := exchange.NewEngine(store, exchange.Config{
		Commission: cfg.Engine.Commission,
		CashAsset:  cfg.Engine.CashAsset,
		MinSettle:  cfg.MinSettle(),
		MaxSettle:  cfg.MaxSettle(),
		SigmaFill:  cfg.Engine.SigmaFill,
	}, logger, exchange.WithEventSink(hub))

	dispatcher := exchange.NewDispatcher(engine, logger)
	leader := exchange.NewLeaderLock(store, time.Duration(cfg.Loops.LeaderTTLSecond)*time.Second, logger)

	loopCfg := exchange.LoopConfig{
		TickPeriod:  time.Duration(cfg.Loops.TickSeconds) * time.Second,
		PrunePeriod: time.Duration(cfg.Loops.PruneSeconds) * time.Second,
		AuditPeriod: time.Duration(cfg.Loops.AuditSeconds) * time.Second,
		StaleAge:    time.Duration(cfg.Loops.StaleAgeHours) * time.Hour,
		ExpireAge:   time.Duration(cfg.Loops.ExpireAgeHours) * time.Hour,
	}

	checks := health.NewManager(logger)
	checks.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	})
	checks.Register("leader", func() error {
		if !leader.Held() {
			return fmt.Errorf("not holding engine leadership")
		}
		return nil
	})

	server := api.NewServer(cfg.Server, dispatcher, hub, checks, logger)
	server.SetMetricsEnabled(cfg.Telemetry.EnableMetrics)

	runners := []bootstrap.Runner{
		dispatcher,
		hub,
		exchange.NewTickLoop(dispatcher, leader, loopCfg, logger),
		exchange.NewPruneLoop(dispatcher, leader, loopCfg, logger),
		exchange.NewAuditLoop(dispatcher, leader, loopCfg, logger),
		server,
	}

	if cfg.Alerts.Enabled() {
		alerts := alert.NewManager(logger)
		if cfg.Alerts.SlackWebhook != "" {
			alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhook))
		}
		if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
			alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
		}
		watcher := alert.NewHealthWatcher(checks, alerts,
			time.Duration(cfg.Alerts.CheckSeconds)*time.Second, logger)
		runners = append(runners, watcher)
	}

	err = app.Run(runners...)

	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	leader.Release(releaseCtx)
	cancel()

	if err != nil {
		os.Exit(1)
	}
	logger.Info("mockexchange stopped")
}

func openStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return kv.NewSQLiteStore(cfg.Store.Path)
	default:
		return kv.NewMemoryStore(), nil
	}
}
