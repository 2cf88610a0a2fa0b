// Package backfill retrieves the complete candle history for a symbol
// between two timestamps, despite the API returning bounded-size pages.
// Pages are deduplicated at their boundaries and flushed to the persistence
// sink as they complete, so a failure late in a long backfill never loses
// the pages already collected.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/exchange"
	"github.com/tradelab/go-listing-backfill/internal/models"
)

const (
	// DefaultPageSize matches the server-side ceiling.
	DefaultPageSize = exchange.MaxKlinesPerRequest

	// maxPages caps one backfill run so a pathological server (full pages
	// forever, cursors that never reach end) cannot loop indefinitely.
	maxPages = 100
)

// KlineSource is the slice of the exchange client the backfiller needs.
type KlineSource interface {
	Klines(ctx context.Context, q exchange.KlineQuery) ([]models.Kline, error)
}

// Sink receives completed page batches. Implemented by the persistence
// queue; Submit returns once the batch is durably committed.
type Sink interface {
	Submit(ctx context.Context, symbolID int64, klines []models.Kline) error
}

// Result summarizes one backfill run.
type Result struct {
	Pages  int
	Stored int
	First  time.Time
	Last   time.Time
}

// Backfiller pages through candle history for one symbol at a time. Paging
// within a symbol is strictly sequential: each page's cursor depends on the
// previous page's last candle.
type Backfiller struct {
	source   KlineSource
	sink     Sink
	logger   *slog.Logger
	pageSize int
}

// NewBackfiller creates a Backfiller writing completed pages to sink.
func NewBackfiller(source KlineSource, sink Sink, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		source:   source,
		sink:     sink,
		logger:   logger,
		pageSize: DefaultPageSize,
	}
}

// SetPageSize overrides the request page size. Values below 2 or above the
// server ceiling are clamped.
func (b *Backfiller) SetPageSize(n int) {
	if n < 2 {
		n = 2
	}
	if n > exchange.MaxKlinesPerRequest {
		n = exchange.MaxKlinesPerRequest
	}
	b.pageSize = n
}

// Backfill collects all candles with start <= openTime < end for the
// symbol, so every stored candle closes inside the window. A full page
// means the final candle's closing boundary cannot be trusted, so it is
// dropped from the emitted batch and refetched from the advanced cursor. A short page ends the run. Rate-limit failures mid-run
// are absorbed by the executor's retry and resume from the same cursor;
// already-flushed pages are never reprocessed.
func (b *Backfiller) Backfill(ctx context.Context, symbolID int64, symbol, interval string, start, end time.Time) (*Result, error) {
	if _, err := exchange.IntervalDuration(interval); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("backfill window for %s is empty: start %s, end %s", symbol, start, end)
	}

	log := b.logger.With("symbol", symbol, "interval", interval)
	result := &Result{}
	cursor := start
	var lastEmitted time.Time

	for page := 1; page <= maxPages; page++ {
		if !cursor.Before(end) {
			return result, nil
		}

		klines, err := b.source.Klines(ctx, exchange.KlineQuery{
			Symbol:   symbol,
			Interval: interval,
			Start:    cursor,
			End:      end,
			Limit:    b.pageSize,
		})
		if err != nil {
			return result, fmt.Errorf("backfill %s page %d: %w", symbol, page, err)
		}
		result.Pages++

		if len(klines) == 0 {
			return result, nil
		}

		fullPage := len(klines) == b.pageSize
		emit := klines
		if fullPage {
			emit = klines[:len(klines)-1]
		}

		batch := make([]models.Kline, 0, len(emit))
		for _, k := range emit {
			if k.OpenTime.Before(start) || !k.OpenTime.Before(end) {
				continue
			}
			if !k.OpenTime.After(lastEmitted) && !lastEmitted.IsZero() {
				continue
			}
			if err := k.Validate(); err != nil {
				log.Warn("skipping malformed kline", "open_time", k.OpenTime, "error", err)
				continue
			}
			k.SymbolID = symbolID
			batch = append(batch, k)
		}

		if len(batch) > 0 {
			if err := b.sink.Submit(ctx, symbolID, batch); err != nil {
				return result, fmt.Errorf("persist %s page %d: %w", symbol, page, err)
			}
			if result.Stored == 0 {
				result.First = batch[0].OpenTime
			}
			result.Stored += len(batch)
			result.Last = batch[len(batch)-1].OpenTime
			lastEmitted = batch[len(batch)-1].OpenTime
		}

		if !fullPage {
			return result, nil
		}

		// Advance past the last emitted candle; the dropped final candle
		// is refetched on the next page.
		cursor = emit[len(emit)-1].CloseTime.Add(time.Millisecond)
	}

	log.Warn("backfill page cap reached, stopping",
		"pages", result.Pages, "stored", result.Stored, "cursor", cursor)
	return result, nil
}
