package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/config"
	"github.com/skudskud/polycool-copy-sub002/service"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfgPath := os.Getenv("COPYTRADE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[worker] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[worker] invalid config: %v", err)
	}

	// Initialize storage
	store, err := storage.NewPostgres(time.Duration(cfg.Market.ResolutionTTLHours) * time.Hour)
	if err != nil {
		log.Fatalf("[worker] failed to init storage: %v", err)
	}
	defer store.Close()

	log.Println("[worker] PostgreSQL storage initialized")

	// External collaborators
	clobURL := os.Getenv("CLOB_API_URL")
	execClient := api.NewClobClient(clobURL, store,
		time.Duration(cfg.Execution.RequestTimeoutMS)*time.Millisecond)
	dataClient := api.NewDataClient(os.Getenv("DATA_API_URL"), os.Getenv("GAMMA_API_URL"))

	var notifier api.Notifier = &api.LogNotifier{}
	if endpoint := os.Getenv("NOTIFY_WEBHOOK_URL"); endpoint != "" {
		notifier = api.NewWebhookNotifier(endpoint)
	}

	// Services
	budgets := service.NewBudgetService(store, dataClient, cfg.Copy.DefaultAllocationPct)
	markets := service.NewMarketResolver(store, dataClient, cfg.Market.SuffixMatchLen)

	// Ingestion pipeline
	followerCache := syncer.NewFollowerCache(store, time.Duration(cfg.Ingestion.FollowerCacheTTLSec)*time.Second)
	dedup := syncer.NewDeduper(store.RedisClient(), time.Duration(cfg.Ingestion.DedupTTLSec)*time.Second)

	trader := syncer.NewCopyTrader(store, execClient, dataClient, dataClient, notifier,
		budgets, markets, followerCache, cfg)

	// Live trade-price stream for replicated tokens; feeds the slippage checks.
	priceStream := api.NewMarketWSClient(os.Getenv("MARKET_WS_URL"), nil)
	trader.WithPriceStream(priceStream)

	pushListener := syncer.NewPushListener(store.RedisClient(), cfg.Ingestion.PushChannel,
		followerCache, dedup, trader)
	poller := syncer.NewPoller(store, dataClient, followerCache, dedup, trader,
		pushListener, cfg.Ingestion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := priceStream.Start(ctx); err != nil {
		log.Printf("[worker] Price stream unavailable: %v", err)
	}
	pushListener.Start(ctx)
	poller.Start(ctx)
	defer poller.Stop()
	defer pushListener.Stop()
	defer priceStream.Stop()

	log.Println("[worker] Replication worker is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[worker] Received shutdown signal, stopping gracefully...")
	cancel()
}
