package persist

import (
	"context"

	"github.com/tradelab/go-listing-backfill/internal/storage"
)

// StoreWriter adapts a storage.Store to the queue's BatchWriter. Kline
// batches go through InsertKlines (one transaction, duplicates skipped);
// listing batches go through UpsertListing. The returned count is inserted
// kline rows; listing upserts count zero so Stored tracks candle volume.
type StoreWriter struct {
	store storage.Store
}

// NewStoreWriter wraps a store for use as the queue's writer.
func NewStoreWriter(store storage.Store) *StoreWriter {
	return &StoreWriter{store: store}
}

func (w *StoreWriter) WriteBatch(ctx context.Context, batch Batch) (int, error) {
	if batch.Listing != nil {
		return 0, w.store.UpsertListing(ctx, batch.Listing)
	}
	return w.store.InsertKlines(ctx, batch.Klines)
}
