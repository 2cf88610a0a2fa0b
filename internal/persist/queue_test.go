package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	batches  []Batch
	failFor  int64 // symbol ID whose batches fail
	active   atomic.Int32
	maxSeen  atomic.Int32
	writeLag time.Duration
}

func (w *fakeWriter) WriteBatch(_ context.Context, batch Batch) (int, error) {
	cur := w.active.Add(1)
	defer w.active.Add(-1)
	for {
		max := w.maxSeen.Load()
		if cur <= max || w.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if w.writeLag > 0 {
		time.Sleep(w.writeLag)
	}

	if w.failFor != 0 && batch.SymbolID == w.failFor {
		return 0, errors.New("constraint violation")
	}
	w.mu.Lock()
	w.batches = append(w.batches, batch)
	w.mu.Unlock()
	if batch.Listing != nil {
		return 0, nil
	}
	return len(batch.Klines), nil
}

func testKlines(n int) []models.Kline {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Kline, n)
	for i := range out {
		open := base.Add(time.Duration(i) * time.Minute)
		out[i] = models.Kline{
			OpenTime:  open,
			CloseTime: open.Add(time.Minute - time.Millisecond),
			Open:      "1.0", High: "1.0", Low: "1.0", Close: "1.0",
			Volume: "5.0", QuoteVolume: "5.0",
			TakerBuyBase: "2.0", TakerBuyQuote: "2.0",
		}
	}
	return out
}

func TestQueueCommitsConcurrentBatchesSerially(t *testing.T) {
	writer := &fakeWriter{writeLag: 5 * time.Millisecond}
	q := NewQueue(writer, nil, 4)
	defer q.Close()

	var wg sync.WaitGroup
	for i := int64(1); i <= 4; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, q.Submit(context.Background(), id, testKlines(10)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), writer.maxSeen.Load(), "writes must not overlap")
	assert.Len(t, writer.batches, 4)
	assert.Equal(t, int64(40), q.Stored())
}

func TestQueueFailureScopedToSubmitter(t *testing.T) {
	writer := &fakeWriter{failFor: 2}
	q := NewQueue(writer, nil, 4)
	defer q.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.Submit(context.Background(), int64(i+1), testKlines(5))
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])
	assert.Len(t, writer.batches, 2)
	assert.Equal(t, int64(10), q.Stored())
}

func TestQueueSubmitListing(t *testing.T) {
	writer := &fakeWriter{}
	q := NewQueue(writer, nil, 0)
	defer q.Close()

	now := time.Now().UTC()
	record := &models.ListingRecord{
		SymbolID:    9,
		ListingTime: &now,
		Status:      models.ListingAnalyzed,
		AnalyzedAt:  now,
	}
	require.NoError(t, q.SubmitListing(context.Background(), record))

	require.Len(t, writer.batches, 1)
	require.NotNil(t, writer.batches[0].Listing)
	assert.Equal(t, int64(9), writer.batches[0].Listing.SymbolID)
	assert.Zero(t, q.Stored())
}

func TestQueueEmptyBatchIsNoop(t *testing.T) {
	writer := &fakeWriter{}
	q := NewQueue(writer, nil, 0)
	defer q.Close()

	assert.NoError(t, q.Submit(context.Background(), 1, nil))
	assert.NoError(t, q.SubmitListing(context.Background(), nil))
	assert.Empty(t, writer.batches)
}

func TestQueueCloseDrainsAcceptedBatches(t *testing.T) {
	writer := &fakeWriter{writeLag: 2 * time.Millisecond}
	q := NewQueue(writer, nil, 8)

	var wg sync.WaitGroup
	for i := int64(1); i <= 5; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, q.Submit(context.Background(), id, testKlines(3)))
		}(i)
	}
	wg.Wait()
	q.Close()

	assert.Len(t, writer.batches, 5)
	assert.Equal(t, ErrQueueClosed, q.Submit(context.Background(), 6, testKlines(1)))
	// Close is idempotent.
	q.Close()
}

func TestQueueSubmitHonorsContext(t *testing.T) {
	writer := &fakeWriter{writeLag: 200 * time.Millisecond}
	q := NewQueue(writer, nil, 1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// First batch occupies the writer; the second waits on its result and
	// gives up when the context expires.
	go q.Submit(context.Background(), 1, testKlines(1))
	time.Sleep(5 * time.Millisecond)
	err := q.Submit(ctx, 2, testKlines(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
