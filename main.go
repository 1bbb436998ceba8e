package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coin-portfolio-bot/config"
	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/api"
	"coin-portfolio-bot/internal/circuit"
	"coin-portfolio-bot/internal/engine"
	"coin-portfolio-bot/internal/events"
	"coin-portfolio-bot/internal/exchange"
	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/history"
	"coin-portfolio-bot/internal/ledger"
	"coin-portfolio-bot/internal/notify"
	"coin-portfolio-bot/internal/scheduler"
	"coin-portfolio-bot/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	sampleConfig := flag.Bool("sample-config", false, "write a sample config file and exit")
	flag.Parse()

	if *sampleConfig {
		if err := config.GenerateSampleConfig(*configPath); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		log.Printf("Sample config written to %s", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exchange credentials: Vault when enabled, environment otherwise.
	apiKey := cfg.ExchangeConfig.APIKey
	secretKey := cfg.ExchangeConfig.SecretKey
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			log.Fatalf("Failed to create vault client: %v", err)
		}
		if err := vaultClient.Health(ctx); err != nil {
			log.Fatalf("Vault health check failed: %v", err)
		}
		creds, err := vaultClient.LoadCredentials(ctx)
		if err != nil {
			log.Fatalf("Failed to load exchange credentials from vault: %v", err)
		}
		apiKey = creds.APIKey
		secretKey = creds.SecretKey
		log.Printf("[MAIN] Exchange credentials loaded from vault")
	}

	baseURL := cfg.ExchangeConfig.BaseURL
	if cfg.ExchangeConfig.TestNet && baseURL == "https://api.binance.com" {
		baseURL = "https://testnet.binance.vision"
	}

	restClient := exchange.NewClient(apiKey, secretKey, baseURL)
	var client exchange.MarketClient = restClient
	if cfg.TradingConfig.DryRun {
		client = exchange.NewPaperClient(restClient)
		log.Printf("[MAIN] Dry run enabled, orders will be simulated")
	}

	stream := exchange.NewPriceStream(cfg.ExchangeConfig.WSBaseURL, cfg.TradingConfig.Symbols)

	// Trade history: Postgres when configured, in-memory otherwise.
	var recorder history.Recorder
	if cfg.DatabaseConfig.Configured() {
		pg, err := history.NewPostgresRecorder(ctx, cfg.DatabaseConfig)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		recorder = pg
		log.Printf("[MAIN] Trade history backed by postgres at %s", cfg.DatabaseConfig.Host)
	} else {
		recorder = history.NewMemoryRecorder()
		log.Printf("[MAIN] Trade history in memory only")
	}

	// Position snapshots: Redis when enabled, JSON file otherwise.
	var store ledger.SnapshotStore
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		store = ledger.NewRedisSnapshotStore(redisClient, logger)
		log.Printf("[MAIN] Position snapshots backed by redis at %s", cfg.RedisConfig.Address)
	} else {
		fileStore, err := ledger.NewFileSnapshotStore(cfg.TradingConfig.SnapshotFile, logger)
		if err != nil {
			log.Fatalf("Failed to open snapshot file: %v", err)
		}
		store = fileStore
		log.Printf("[MAIN] Position snapshots in %s", cfg.TradingConfig.SnapshotFile)
	}

	book := ledger.New(client, store, ledger.Config{
		QuoteAmountPerEntry: cfg.TradingConfig.QuoteAmountPerEntry,
	}, logger)

	notifier := notify.NewManager()
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			notifier.AddNotifier(notify.NewTelegramNotifier(notify.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifier.AddNotifier(notify.NewDiscordNotifier(notify.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
		}
	}

	breaker := circuit.NewBreaker(cfg.BreakerConfig)
	bus := events.NewEventBus()

	eng := engine.New(engine.Config{
		Symbols:       cfg.TradingConfig.Symbols,
		CycleInterval: time.Duration(cfg.EngineConfig.CycleIntervalSecs) * time.Second,
		PriceMaxAge:   time.Duration(cfg.EngineConfig.PriceMaxAgeSecs) * time.Second,
		Coordinator: engine.CoordinatorConfig{
			MaxWorkers:    cfg.EngineConfig.MaxWorkers,
			TaskTimeout:   time.Duration(cfg.EngineConfig.TaskTimeoutSecs) * time.Second,
			CycleDeadline: time.Duration(cfg.EngineConfig.CycleDeadlineSecs) * time.Second,
		},
	}, engine.Deps{
		Client:   client,
		Stream:   stream,
		Analyzer: analyzer.New(client, analyzer.DefaultConfig()),
		Regimes:  analyzer.NewRegimeDetector(analyzer.DefaultRegimeConfig()),
		Factors:  factors.NewManager(cfg.FactorsConfig, recorder),
		Planner:  scheduler.NewPlanner(cfg.SchedulerConfig),
		Ledger:   book,
		Recorder: recorder,
		Breaker:  breaker,
		Bus:      bus,
		Notifier: notifier,
	})

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	server := api.NewServer(cfg.ServerConfig, eng, breaker)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Status server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("[MAIN] Received %s, shutting down", sig)

	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] Status server shutdown: %v", err)
	}
}
