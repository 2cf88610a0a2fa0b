package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelab/go-listing-backfill/internal/backfill"
	"github.com/tradelab/go-listing-backfill/internal/listing"
	"github.com/tradelab/go-listing-backfill/internal/models"
	"github.com/tradelab/go-listing-backfill/internal/storage"
)

type fakeResolver struct {
	mu          sync.Mutex
	resolutions map[string]listing.Resolution
	items       []models.WorkItem
}

func (r *fakeResolver) Resolve(_ context.Context, item models.WorkItem) listing.Resolution {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
	return r.resolutions[item.Symbol]
}

type backfillCall struct {
	symbolID   int64
	symbol     string
	interval   string
	start, end time.Time
}

type fakeBackfiller struct {
	mu     sync.Mutex
	calls  []backfillCall
	stored map[string]int
	fail   map[string]error
}

func (b *fakeBackfiller) Backfill(_ context.Context, symbolID int64, symbol, interval string, start, end time.Time) (*backfill.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, backfillCall{symbolID, symbol, interval, start, end})
	b.mu.Unlock()
	if err := b.fail[symbol]; err != nil {
		return &backfill.Result{}, err
	}
	return &backfill.Result{Stored: b.stored[symbol]}, nil
}

type fakeListingSink struct {
	mu      sync.Mutex
	records []*models.ListingRecord
	err     error
}

func (s *fakeListingSink) SubmitListing(_ context.Context, record *models.ListingRecord) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

func (s *fakeListingSink) bySymbolID(id int64) *models.ListingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.SymbolID == id {
			return rec
		}
	}
	return nil
}

func newTestPipeline(t *testing.T, resolver *fakeResolver, backfiller *fakeBackfiller, sink *fakeListingSink) (*Pipeline, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	p := NewPipeline(store, resolver, backfiller, sink, NewWorkerPool(2, nil),
		PipelineConfig{BackfillDays: 7, Interval: "1m"}, nil)
	return p, store
}

func TestPipelineMixedOutcomes(t *testing.T) {
	listed := time.Date(2024, 3, 7, 7, 23, 0, 0, time.UTC)
	resolver := &fakeResolver{resolutions: map[string]listing.Resolution{
		"GOODUSDT":  {Time: &listed, Status: models.ListingAnalyzed},
		"EMPTYUSDT": {Status: models.ListingNoData},
		"BADUSDT":   {Status: models.ListingError, Err: errors.New("daily scan failed")},
	}}
	backfiller := &fakeBackfiller{stored: map[string]int{"GOODUSDT": 2880}}
	sink := &fakeListingSink{}
	p, store := newTestPipeline(t, resolver, backfiller, sink)

	summary, err := p.Run(context.Background(), []models.Target{
		{Symbol: "GOODUSDT", QuoteAsset: "USDT"},
		{Symbol: "EMPTYUSDT", QuoteAsset: "USDT"},
		{Symbol: "BADUSDT", QuoteAsset: "USDT"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Analyzed)
	assert.Equal(t, 1, summary.NoData)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "BADUSDT", summary.Failed[0].Symbol)
	assert.Contains(t, summary.Failed[0].Reason, "daily scan failed")
	assert.Equal(t, 2880, summary.KlinesStored)

	// Every symbol got a listing record, whatever its outcome.
	assert.Len(t, sink.records, 3)

	// Only the analyzed symbol was backfilled, from its listing time.
	require.Len(t, backfiller.calls, 1)
	call := backfiller.calls[0]
	assert.Equal(t, "GOODUSDT", call.symbol)
	assert.Equal(t, "1m", call.interval)
	assert.Equal(t, listed, call.start)
	assert.Equal(t, listed.Add(7*24*time.Hour), call.end)

	// Symbol rows were upserted with split assets.
	sym, err := store.GetSymbol(context.Background(), "GOODUSDT")
	require.NoError(t, err)
	assert.Equal(t, "GOOD", sym.BaseAsset)
	assert.Equal(t, "USDT", sym.QuoteAsset)
	assert.Equal(t, call.symbolID, sym.ID)

	rec := sink.bySymbolID(sym.ID)
	require.NotNil(t, rec)
	assert.Equal(t, models.ListingAnalyzed, rec.Status)
}

func TestPipelineHintReachesResolver(t *testing.T) {
	hint := time.Date(2023, 11, 2, 8, 0, 0, 0, time.UTC)
	resolver := &fakeResolver{resolutions: map[string]listing.Resolution{
		"HINTUSDT": {Time: &hint, Status: models.ListingAnalyzed},
	}}
	backfiller := &fakeBackfiller{stored: map[string]int{}}
	sink := &fakeListingSink{}
	p, _ := newTestPipeline(t, resolver, backfiller, sink)

	_, err := p.Run(context.Background(), []models.Target{
		{Symbol: "HINTUSDT", QuoteAsset: "USDT", ListingHint: &hint},
	})
	require.NoError(t, err)

	require.Len(t, resolver.items, 1)
	require.NotNil(t, resolver.items[0].Hint)
	assert.True(t, resolver.items[0].Hint.Equal(hint))
}

func TestPipelineBackfillWindowClampedToNow(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	listed := now.Add(-48 * time.Hour)
	resolver := &fakeResolver{resolutions: map[string]listing.Resolution{
		"FRESHUSDT": {Time: &listed, Status: models.ListingAnalyzed},
	}}
	backfiller := &fakeBackfiller{stored: map[string]int{"FRESHUSDT": 100}}
	sink := &fakeListingSink{}
	p, _ := newTestPipeline(t, resolver, backfiller, sink)
	p.now = func() time.Time { return now }

	_, err := p.Run(context.Background(), []models.Target{{Symbol: "FRESHUSDT", QuoteAsset: "USDT"}})
	require.NoError(t, err)

	require.Len(t, backfiller.calls, 1)
	assert.Equal(t, now, backfiller.calls[0].end, "window must not extend into the future")
}

func TestPipelineBackfillFailureIsScoped(t *testing.T) {
	listed := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	resolver := &fakeResolver{resolutions: map[string]listing.Resolution{
		"OKUSDT":   {Time: &listed, Status: models.ListingAnalyzed},
		"FLAKUSDT": {Time: &listed, Status: models.ListingAnalyzed},
	}}
	backfiller := &fakeBackfiller{
		stored: map[string]int{"OKUSDT": 500},
		fail:   map[string]error{"FLAKUSDT": errors.New("server error")},
	}
	sink := &fakeListingSink{}
	p, _ := newTestPipeline(t, resolver, backfiller, sink)

	summary, err := p.Run(context.Background(), []models.Target{
		{Symbol: "OKUSDT", QuoteAsset: "USDT"},
		{Symbol: "FLAKUSDT", QuoteAsset: "USDT"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Analyzed)
	assert.Equal(t, 500, summary.KlinesStored)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "FLAKUSDT", summary.Failed[0].Symbol)
}

func TestPipelineListingRecordedBeforeBackfill(t *testing.T) {
	resolver := &fakeResolver{resolutions: map[string]listing.Resolution{
		"EMPTYUSDT": {Status: models.ListingNoData},
	}}
	backfiller := &fakeBackfiller{}
	sink := &fakeListingSink{}
	p, _ := newTestPipeline(t, resolver, backfiller, sink)

	summary, err := p.Run(context.Background(), []models.Target{{Symbol: "EMPTYUSDT", QuoteAsset: "USDT"}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NoData)
	assert.Empty(t, summary.Failed)
	assert.Empty(t, backfiller.calls, "no_data symbols are never backfilled")
	require.Len(t, sink.records, 1)
	assert.Equal(t, models.ListingNoData, sink.records[0].Status)
}

func TestPipelineSinkFailure(t *testing.T) {
	listed := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	resolver := &fakeResolver{resolutions: map[string]listing.Resolution{
		"GOODUSDT": {Time: &listed, Status: models.ListingAnalyzed},
	}}
	backfiller := &fakeBackfiller{}
	sink := &fakeListingSink{err: errors.New("queue closed")}
	p, _ := newTestPipeline(t, resolver, backfiller, sink)

	summary, err := p.Run(context.Background(), []models.Target{{Symbol: "GOODUSDT", QuoteAsset: "USDT"}})
	require.NoError(t, err)

	require.Len(t, summary.Failed, 1)
	assert.Empty(t, backfiller.calls, "unrecorded listing must not be backfilled")
}
