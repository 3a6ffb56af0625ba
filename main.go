package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ladder-trading-bot/config"
	"ladder-trading-bot/internal/engine"
	"ladder-trading-bot/internal/events"
	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/journal"
	"ladder-trading-bot/internal/logging"
	"ladder-trading-bot/internal/notification"
	"ladder-trading-bot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Str("config", *configPath).Bool("mock_mode", cfg.BinanceConfig.MockMode).Msg("starting ladder engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Exchange client. Mock mode runs the full engine against the in-memory
	// exchange; live mode wraps the REST client in the websocket price
	// stream so ticks read streamed prices instead of polling.
	var client exchange.Client
	if cfg.BinanceConfig.MockMode {
		logger.Warn().Msg("mock exchange active, no real orders will be placed")
		client = exchange.NewMockClient()
	} else {
		rest := exchange.NewBinanceClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey, cfg.BinanceConfig.TestNet)
		stream := exchange.NewPriceStream(rest, cfg.BinanceConfig.TestNet, logger)
		stream.Start(ctx)
		defer stream.Stop()
		client = stream
	}

	// Persistence. Postgres is the source of truth when enabled; the memory
	// store keeps dry runs self-contained.
	var (
		st store.Store
		jr journal.Journal
		pg *store.PostgresStore
	)
	if cfg.DatabaseConfig.Enabled {
		pg, err = store.NewPostgresStore(ctx, store.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database unavailable")
		}
		defer pg.Close()
		st = pg

		jr, err = journal.NewPostgresJournal(ctx, pg.Pool(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("trade journal migration failed")
		}
	} else {
		logger.Warn().Msg("database disabled, plans will not survive a restart")
		st = store.NewMemoryStore()
		jr = journal.NewMemoryJournal()
	}

	// Redis snapshot mirror, optional.
	var mirror *store.RedisPlanState
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		mirror = store.NewRedisPlanState(rdb, logger)
	}

	// Events and notifications.
	bus := events.NewBus()
	mgr := notification.NewManager(logger)
	if cfg.NotificationConfig.Enabled {
		mgr.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		mgr.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
	}
	notification.BridgeEvents(bus, mgr)

	eng := engine.New(engine.Config{
		TickInterval:         time.Duration(cfg.EngineConfig.TickIntervalSec) * time.Second,
		WorkerCount:          cfg.EngineConfig.WorkerCount,
		TouchSafetyMarginPct: cfg.EngineConfig.TouchSafetyMarginPct,
		MinFillKeepPct:       cfg.EngineConfig.MinFillKeepPct,
		ProtectionRetries:    uint64(cfg.EngineConfig.ProtectionRetries),
		RetentionWindow:      time.Duration(cfg.EngineConfig.RetentionDays) * 24 * time.Hour,
	}, client, st, mirror, jr, bus, logger)

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("engine start failed")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	eng.Stop()
	logger.Info().Msg("bye")
}
