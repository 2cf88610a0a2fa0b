// Package collector orchestrates a collection run: resolve each target's
// listing date, record the outcome, then backfill minute candles from the
// listing time forward. Per-item failures are isolated; the run always ends
// with a summary, never a crash.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/backfill"
	"github.com/tradelab/go-listing-backfill/internal/listing"
	"github.com/tradelab/go-listing-backfill/internal/models"
	"github.com/tradelab/go-listing-backfill/internal/request"
	"github.com/tradelab/go-listing-backfill/internal/storage"
)

// DefaultBackfillDays is how much history is collected after the listing
// time when no explicit window is configured.
const DefaultBackfillDays = 30

// ListingResolver finds the listing timestamp for one symbol.
type ListingResolver interface {
	Resolve(ctx context.Context, item models.WorkItem) listing.Resolution
}

// HistoryBackfiller collects candle history for one symbol window.
type HistoryBackfiller interface {
	Backfill(ctx context.Context, symbolID int64, symbol, interval string, start, end time.Time) (*backfill.Result, error)
}

// ListingSink records listing analysis outcomes. Implemented by the
// persistence queue so listing writes serialize with kline batches.
type ListingSink interface {
	SubmitListing(ctx context.Context, record *models.ListingRecord) error
}

// Failure is one failed symbol in the run summary.
type Failure struct {
	Symbol string
	Reason string
}

// Summary is the final outcome of a pipeline run.
type Summary struct {
	Analyzed     int
	NoData       int
	Failed       []Failure
	KlinesStored int
	Duration     time.Duration
}

// Pipeline wires the resolver, backfiller, worker pool, and persistence
// queue into one run over a list of targets.
type Pipeline struct {
	symbols      storage.SymbolStore
	resolver     ListingResolver
	backfiller   HistoryBackfiller
	sink         ListingSink
	pool         *WorkerPool
	logger       *slog.Logger
	backfillDays int
	interval     string
	now          func() time.Time
}

// PipelineConfig carries the pipeline's tunables.
type PipelineConfig struct {
	BackfillDays int
	Interval     string
}

// NewPipeline creates a pipeline. Zero config fields fall back to
// DefaultBackfillDays and "1m".
func NewPipeline(
	symbols storage.SymbolStore,
	resolver ListingResolver,
	backfiller HistoryBackfiller,
	sink ListingSink,
	pool *WorkerPool,
	cfg PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = DefaultBackfillDays
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		symbols:      symbols,
		resolver:     resolver,
		backfiller:   backfiller,
		sink:         sink,
		pool:         pool,
		logger:       logger,
		backfillDays: cfg.BackfillDays,
		interval:     cfg.Interval,
		now:          time.Now,
	}
}

// Run processes all targets and returns the run summary. Individual symbol
// failures are collected, not propagated; only a cancelled context cuts the
// run short, and even then every admitted item finishes and is reported.
func (p *Pipeline) Run(ctx context.Context, targets []models.Target) (*Summary, error) {
	start := p.now()
	p.logger.Info("starting collection run",
		"targets", len(targets), "backfill_days", p.backfillDays, "interval", p.interval)

	items, summary := p.admit(ctx, targets)

	results := p.pool.Run(ctx, items, p.processSymbol)

	for _, res := range results {
		switch {
		case res.Err == nil:
			summary.Analyzed++
			summary.KlinesStored += res.Stored
		case errors.Is(res.Err, errNoData):
			summary.NoData++
		default:
			summary.Failed = append(summary.Failed, Failure{
				Symbol: res.Symbol,
				Reason: failureReason(res.Err),
			})
		}
	}

	summary.Duration = p.now().Sub(start)
	p.logger.Info("collection run finished",
		"analyzed", summary.Analyzed,
		"no_data", summary.NoData,
		"failed", len(summary.Failed),
		"klines_stored", summary.KlinesStored,
		"duration", summary.Duration)
	return summary, ctx.Err()
}

// admit upserts the symbol rows and builds work items. Targets whose symbol
// row cannot be written are reported as failures without entering the pool.
func (p *Pipeline) admit(ctx context.Context, targets []models.Target) ([]models.WorkItem, *Summary) {
	summary := &Summary{}
	items := make([]models.WorkItem, 0, len(targets))

	for _, target := range targets {
		sym := &models.Symbol{
			Symbol:     target.Symbol,
			BaseAsset:  baseAsset(target.Symbol, target.QuoteAsset),
			QuoteAsset: target.QuoteAsset,
			Status:     models.SymbolStatusTrading,
		}
		if err := p.symbols.UpsertSymbol(ctx, sym); err != nil {
			p.logger.Error("symbol upsert failed", "symbol", target.Symbol, "error", err)
			summary.Failed = append(summary.Failed, Failure{
				Symbol: target.Symbol,
				Reason: failureReason(err),
			})
			continue
		}
		items = append(items, models.WorkItem{
			SymbolID: sym.ID,
			Symbol:   sym.Symbol,
			Hint:     target.ListingHint,
		})
	}
	return items, summary
}

// errNoData marks a symbol that has no discoverable history. It is a valid
// terminal outcome, tracked separately from failures.
var errNoData = errors.New("no trading history")

// processSymbol is the per-item task: resolve the listing date, record it,
// then backfill from the listing time.
func (p *Pipeline) processSymbol(ctx context.Context, item models.WorkItem) (int, error) {
	res := p.resolver.Resolve(ctx, item)

	record := &models.ListingRecord{
		SymbolID:    item.SymbolID,
		ListingTime: res.Time,
		Status:      res.Status,
		AnalyzedAt:  p.now().UTC(),
		RetryCount:  item.Attempt,
	}
	if res.Err != nil {
		record.ErrorMessage = res.Err.Error()
	}
	if err := p.sink.SubmitListing(ctx, record); err != nil {
		return 0, fmt.Errorf("record listing for %s: %w", item.Symbol, err)
	}

	switch res.Status {
	case models.ListingNoData:
		return 0, errNoData
	case models.ListingError:
		return 0, fmt.Errorf("resolve listing for %s: %w", item.Symbol, res.Err)
	}

	start := res.Time.UTC()
	end := start.Add(time.Duration(p.backfillDays) * 24 * time.Hour)
	if now := p.now().UTC(); end.After(now) {
		end = now
	}
	if !end.After(start) {
		return 0, nil
	}

	result, err := p.backfiller.Backfill(ctx, item.SymbolID, item.Symbol, p.interval, start, end)
	if err != nil {
		stored := 0
		if result != nil {
			stored = result.Stored
		}
		return stored, fmt.Errorf("backfill %s: %w", item.Symbol, err)
	}
	return result.Stored, nil
}

func failureReason(err error) string {
	return fmt.Sprintf("%s: %v", request.TypeOf(err), err)
}

// baseAsset strips the quote suffix from a pair name when it matches;
// otherwise the full pair is kept as the base.
func baseAsset(symbol, quote string) string {
	if quote != "" && len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
		return symbol[:len(symbol)-len(quote)]
	}
	return symbol
}
