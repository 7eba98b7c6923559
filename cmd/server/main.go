package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/vyx/signal-engine/internal/dispatch"
	"github.com/vyx/signal-engine/internal/eventbus"
	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/internal/scheduler"
	"github.com/vyx/signal-engine/internal/server"
	"github.com/vyx/signal-engine/internal/trader"
	"github.com/vyx/signal-engine/pkg/binance"
	"github.com/vyx/signal-engine/pkg/cache"
	"github.com/vyx/signal-engine/pkg/config"
	"github.com/vyx/signal-engine/pkg/sandbox"
	"github.com/vyx/signal-engine/pkg/supabase"
)

// klineHistoryDepth is how many bars per (symbol, interval) the cache keeps.
const klineHistoryDepth = 500

func main() {
	// .env is optional outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Setup(cfg.LogLevel, cfg.Environment)

	// Storage
	repo := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	if err := repo.HealthCheck(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Supabase health check failed")
	}

	// Sandbox
	sbx, err := sandbox.NewExecutor()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sandbox executor")
	}

	// Market data plane
	klineCache := cache.NewKlineCache(klineHistoryDepth)
	bus := eventbus.NewEventBus()
	restClient := binance.NewClient(cfg.BinanceAPIURL)
	universe := binance.NewUniverse(restClient, cfg.SymbolCount, cfg.MinVolume)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := universe.Refresh(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load initial symbol universe")
	}
	go universe.RefreshLoop(rootCtx, cfg.ScreeningInterval)

	intervals := scheduler.SupportedIntervals()

	wsClient := binance.NewWSClient(cfg.BinanceWSURL, klineCache, bus)
	if err := wsClient.Connect(universe.Symbols(), intervals); err != nil {
		log.Warn().Err(err).Msg("Kline stream connection failed, cache will fill via REST only")
	}

	go bootstrapCache(rootCtx, restClient, klineCache, universe.Symbols(), intervals)

	// Candle close cursors
	candleScheduler := scheduler.NewCandleScheduler(bus, &scheduler.Config{
		Intervals: intervals,
		Grace:     2 * time.Second,
	})
	if err := candleScheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start candle scheduler")
	}

	// Trader plane
	registry := trader.NewRegistry()
	manager := trader.NewManager(registry, sbx, repo, trader.Defaults{
		Schedule:          cfg.KlineInterval,
		EvaluationTimeout: cfg.EvaluationTimeout,
	})

	dispatcher := dispatch.NewDispatcher(
		registry,
		manager.Quotas(),
		sbx,
		repo,
		klineCache,
		universe,
		bus,
		dispatch.Config{
			QueueCapacity: cfg.QueueCapacity,
			WorkerCount:   cfg.WorkerCount,
			MachineID:     cfg.MachineID,
		},
	)
	manager.SetRunner(dispatcher)
	dispatcher.Start()

	userDedicated := os.Getenv("RUN_MODE") == "user_dedicated"
	if err := manager.LoadTradersFromDB(rootCtx, userDedicated, cfg.UserID); err != nil {
		log.Warn().Err(err).Msg("Failed to load traders at startup")
	}
	manager.StartPolling(30 * time.Second)

	// Machine identity heartbeat for multi-tenant deployments.
	if cfg.UserID != "" {
		if err := repo.UpdateMachineStatus(rootCtx, cfg.MachineID, cfg.UserID, "started"); err != nil {
			log.Warn().Err(err).Msg("Failed to record machine status")
		}
	}

	// HTTP surface
	market := &server.MarketAdapter{Universe: universe, Cache: klineCache, Client: restClient}
	srv := server.New(cfg, manager, sbx, market, repo, repo, repo)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown error")
	}
	if err := manager.Shutdown(15 * time.Second); err != nil {
		log.Warn().Err(err).Msg("Manager shutdown error")
	}

	dispatcher.Stop()
	candleScheduler.Stop()
	_ = wsClient.Close()
	bus.Stop()

	if cfg.UserID != "" {
		if err := repo.UpdateMachineStatus(shutdownCtx, cfg.MachineID, cfg.UserID, "stopped"); err != nil {
			log.Warn().Err(err).Msg("Failed to record machine shutdown")
		}
	}

	log.Info().Msg("Server exited")
}

// bootstrapCache backfills kline history for every (symbol, interval) pair
// so evaluations have depth before the stream has accumulated any.
func bootstrapCache(ctx context.Context, client *binance.Client, klineCache *cache.KlineCache, symbols, intervals []string) {
	sem := make(chan struct{}, 10)

	for _, interval := range intervals {
		for _, symbol := range symbols {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}

			go func(symbol, interval string) {
				defer func() { <-sem }()

				klines, err := client.GetKlines(ctx, symbol, interval, klineHistoryDepth)
				if err != nil {
					log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("Kline bootstrap failed")
					return
				}
				klineCache.Set(symbol, interval, klines)
			}(symbol, interval)
		}
	}

	log.Info().Int("symbols", len(symbols)).Int("intervals", len(intervals)).Msg("Kline bootstrap dispatched")
}
