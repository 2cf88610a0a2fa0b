// Listing backfill collector.
//
// Resolves the listing date for each configured symbol, records the outcome,
// and backfills minute candle history from the listing time into the store.
//
// Usage:
//
//	backfill [-config backfill.json]
//
// Configuration comes from the JSON file, overridden by environment
// variables; a .env file in the working directory is loaded first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradelab/go-listing-backfill/internal/backfill"
	"github.com/tradelab/go-listing-backfill/internal/collector"
	"github.com/tradelab/go-listing-backfill/internal/config"
	"github.com/tradelab/go-listing-backfill/internal/exchange"
	"github.com/tradelab/go-listing-backfill/internal/listing"
	"github.com/tradelab/go-listing-backfill/internal/logger"
	"github.com/tradelab/go-listing-backfill/internal/persist"
	"github.com/tradelab/go-listing-backfill/internal/ratelimit"
	"github.com/tradelab/go-listing-backfill/internal/request"
	"github.com/tradelab/go-listing-backfill/internal/storage"
)

const defaultConfigFile = "backfill.json"

// Exit codes following standard conventions.
const (
	ExitSuccess     = 0
	ExitConfigError = 2
	ExitConnError   = 3
	ExitDataError   = 4
	ExitInterrupt   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigFile, "path to JSON configuration file")
	flag.Parse()

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.NewManager(*configPath, slog.Default()).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return ExitConfigError
	}

	logManager, err := logger.NewManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		return ExitConfigError
	}
	defer logManager.Close()
	log := logManager.Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStorage(ctx, cfg, logManager.Component("storage"))
	if err != nil {
		log.Error("storage initialization failed", "type", cfg.Storage.Type, "error", err)
		return ExitConnError
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		log.Error("schema initialization failed", "error", err)
		return ExitConnError
	}
	if err := store.HealthCheck(ctx); err != nil {
		log.Error("storage health check failed", "error", err)
		return ExitConnError
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimiterConfig(), logManager.Component("ratelimit"))
	limiter.Start()
	defer limiter.Stop()

	executor := request.NewExecutor(limiter, cfg.RetryPolicy(), logManager.Component("request"))
	client := exchange.NewClient(executor, logManager.Component("exchange"),
		exchange.WithBaseURL(cfg.Exchange.BaseURL),
		exchange.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout()}))

	if err := client.HealthCheck(ctx); err != nil {
		log.Error("exchange health check failed", "error", err)
		return ExitConnError
	}

	queue := persist.NewQueue(persist.NewStoreWriter(store), logManager.Component("persist"), cfg.Collector.QueueDepth)

	resolver := listing.NewResolver(client, logManager.Component("listing"))
	backfiller := backfill.NewBackfiller(client, queue, logManager.Component("backfill"))
	backfiller.SetPageSize(cfg.Collector.PageSize)

	pool := collector.NewWorkerPool(cfg.Collector.WorkerCount, logManager.Component("pool"))
	pipeline := collector.NewPipeline(store, resolver, backfiller, queue, pool,
		collector.PipelineConfig{
			BackfillDays: cfg.Collector.BackfillDays,
			Interval:     cfg.Collector.Interval,
		}, logManager.Component("pipeline"))

	targets := cfg.TargetList()
	if len(targets) == 0 {
		log.Error("no targets configured; set targets in the config file or the SYMBOLS environment variable")
		return ExitConfigError
	}

	summary, runErr := pipeline.Run(ctx, targets)

	// Drain accepted batches before reading final store stats, bounded by
	// the configured grace period.
	drained := make(chan struct{})
	go func() {
		queue.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.GracefulTimeout()):
		log.Warn("persistence queue drain timed out", "timeout", cfg.GracefulTimeout())
	}

	logSummary(log, store, summary)

	if runErr != nil {
		log.Warn("run interrupted", "error", runErr)
		return ExitInterrupt
	}
	if len(summary.Failed) > 0 && summary.Analyzed == 0 && summary.NoData == 0 {
		return ExitDataError
	}
	return ExitSuccess
}

func openStorage(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "postgres":
		return storage.NewPostgresStorage(ctx, cfg.Storage.DatabaseURL, log)
	default:
		return storage.NewDuckDBStorage(cfg.Storage.DatabaseURL, log)
	}
}

func logSummary(log *slog.Logger, store storage.Store, summary *collector.Summary) {
	attrs := []any{
		"analyzed", summary.Analyzed,
		"no_data", summary.NoData,
		"failed", len(summary.Failed),
		"klines_stored", summary.KlinesStored,
		"duration", summary.Duration,
	}
	statsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stats, err := store.Stats(statsCtx); err == nil {
		attrs = append(attrs,
			"total_symbols", stats.Symbols,
			"total_listings", stats.Listings,
			"total_klines", stats.Klines)
	}
	log.Info("run summary", attrs...)

	for _, failure := range summary.Failed {
		log.Warn("symbol failed", "symbol", failure.Symbol, "reason", failure.Reason)
	}
}
