// Package listing discovers the true listing timestamp of a symbol: the
// first moment it shows genuine trading activity. Exchanges pre-register
// symbols with placeholder candles, so the first returned candle is not
// trustworthy; the resolver scans for the first candle with real volume and
// a positive price, then narrows the estimate coarse-to-fine.
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/exchange"
	"github.com/tradelab/go-listing-backfill/internal/models"
)

const (
	// lookback bounds the daily scan. Two years of daily candles fits in
	// a single page.
	lookback = 2 * 365 * 24 * time.Hour

	dailyLimit  = 1000
	hourlyLimit = 100
	minuteLimit = 500
)

// KlineSource is the slice of the exchange client the resolver needs.
type KlineSource interface {
	Klines(ctx context.Context, q exchange.KlineQuery) ([]models.Kline, error)
}

// Resolution is the outcome of one listing analysis. Exactly one of the
// following holds: Status is analyzed and Time is set; Status is no_data;
// Status is error and Err is set. There is no silent success with a wrong
// value.
type Resolution struct {
	Time   *time.Time
	Status models.ListingStatus
	Err    error
}

// Resolver performs coarse-to-fine listing-date discovery.
type Resolver struct {
	source KlineSource
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver reading candles from source.
func NewResolver(source KlineSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger, now: time.Now}
}

// Resolve finds the listing timestamp for one symbol.
//
// Stages, each an optional fallback to the next:
//  1. An explicit onboarding hint from exchange metadata is accepted as-is.
//  2. Daily candles over the lookback window; the first candle with genuine
//     activity marks the listing day. None found means no_data.
//  3. Hourly candles around that day tighten the estimate.
//  4. Minute candles around that hour give the final timestamp.
//
// Refinement stages are best-effort: a failed refining call falls back to
// the coarser estimate instead of aborting.
func (r *Resolver) Resolve(ctx context.Context, item models.WorkItem) Resolution {
	log := r.logger.With("symbol", item.Symbol)

	if item.Hint != nil {
		t := item.Hint.UTC()
		log.Debug("listing date from exchange metadata", "listing_time", t)
		return Resolution{Time: &t, Status: models.ListingAnalyzed}
	}

	day, res := r.scanDaily(ctx, item.Symbol, log)
	if res != nil {
		return *res
	}

	estimate := day
	if hour, ok := r.refine(ctx, item.Symbol, "1h", day, 24*time.Hour, hourlyLimit, log); ok {
		estimate = hour
		if minute, ok := r.refine(ctx, item.Symbol, "1m", hour, time.Hour, minuteLimit, log); ok {
			estimate = minute
		}
	}

	estimate = estimate.UTC()
	log.Debug("listing date resolved", "listing_time", estimate)
	return Resolution{Time: &estimate, Status: models.ListingAnalyzed}
}

// scanDaily finds the listing day. Returns either a day estimate, or a
// terminal Resolution (no_data or error).
func (r *Resolver) scanDaily(ctx context.Context, symbol string, log *slog.Logger) (time.Time, *Resolution) {
	end := r.now().UTC()
	klines, err := r.source.Klines(ctx, exchange.KlineQuery{
		Symbol:   symbol,
		Interval: "1d",
		Start:    end.Add(-lookback),
		End:      end,
		Limit:    dailyLimit,
	})
	if err != nil {
		return time.Time{}, &Resolution{
			Status: models.ListingError,
			Err:    fmt.Errorf("daily candle scan: %w", err),
		}
	}

	for i := range klines {
		if klines[i].HasTrades() {
			return klines[i].OpenTime, nil
		}
	}

	log.Debug("no genuine trading activity in lookback window", "candles", len(klines))
	return time.Time{}, &Resolution{Status: models.ListingNoData}
}

// refine fetches finer candles in a ±window around the current estimate and
// returns the first one with genuine activity. ok is false when the call
// failed or nothing in the window traded; the caller keeps the coarser
// estimate.
func (r *Resolver) refine(ctx context.Context, symbol, interval string, around time.Time, window time.Duration, limit int, log *slog.Logger) (time.Time, bool) {
	klines, err := r.source.Klines(ctx, exchange.KlineQuery{
		Symbol:   symbol,
		Interval: interval,
		Start:    around.Add(-window),
		End:      around.Add(window),
		Limit:    limit,
	})
	if err != nil {
		log.Warn("listing refinement failed, keeping coarser estimate",
			"interval", interval, "error", err)
		return time.Time{}, false
	}

	for i := range klines {
		if klines[i].HasTrades() {
			return klines[i].OpenTime, true
		}
	}

	log.Warn("listing refinement found no trading candles, keeping coarser estimate",
		"interval", interval, "candles", len(klines))
	return time.Time{}, false
}
