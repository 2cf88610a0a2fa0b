package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelab/go-listing-backfill/internal/models"
	"github.com/tradelab/go-listing-backfill/internal/request"
)

func workItems(n int) []models.WorkItem {
	items := make([]models.WorkItem, n)
	for i := range items {
		items[i] = models.WorkItem{SymbolID: int64(i + 1), Symbol: fmt.Sprintf("SYM%dUSDT", i+1)}
	}
	return items
}

func TestWorkerPoolOneResultPerItem(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	items := workItems(10)

	results := pool.Run(context.Background(), items, func(_ context.Context, item models.WorkItem) (int, error) {
		if item.Symbol == "SYM7USDT" {
			return 0, errors.New("exchange rejected symbol")
		}
		return 5, nil
	})

	require.Len(t, results, 10)
	failed := 0
	for i, res := range results {
		assert.Equal(t, items[i].Symbol, res.Symbol)
		if res.Err != nil {
			failed++
			assert.Equal(t, "SYM7USDT", res.Symbol)
		} else {
			assert.Equal(t, 5, res.Stored)
		}
	}
	assert.Equal(t, 1, failed)

	stats := pool.Stats()
	assert.Equal(t, int64(9), stats.CompletedJobs)
	assert.Equal(t, int64(1), stats.FailedJobs)
}

func TestWorkerPoolPanicBecomesProcessingError(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	items := workItems(4)

	results := pool.Run(context.Background(), items, func(_ context.Context, item models.WorkItem) (int, error) {
		if item.Symbol == "SYM2USDT" {
			panic("nil map write")
		}
		return 1, nil
	})

	require.Len(t, results, 4)
	require.Error(t, results[1].Err)
	assert.Equal(t, request.ErrorTypeProcessing, request.TypeOf(results[1].Err))
	assert.Contains(t, results[1].Err.Error(), "nil map write")
	for _, i := range []int{0, 2, 3} {
		assert.NoError(t, results[i].Err)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewWorkerPool(workers, nil)

	var active, maxActive atomic.Int32
	results := pool.Run(context.Background(), workItems(20), func(_ context.Context, _ models.WorkItem) (int, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			max := maxActive.Load()
			if cur <= max || maxActive.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return 0, nil
	})

	require.Len(t, results, 20)
	assert.LessOrEqual(t, maxActive.Load(), int32(workers))
}

func TestWorkerPoolCancellationStopsAdmission(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	items := workItems(5)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	results := make(chan []Result, 1)
	go func() {
		results <- pool.Run(ctx, items, func(_ context.Context, _ models.WorkItem) (int, error) {
			once.Do(func() { close(started) })
			<-release
			return 3, nil
		})
	}()

	<-started
	cancel()
	close(release)

	got := <-results
	require.Len(t, got, 5)
	// The in-flight item finished normally.
	assert.NoError(t, got[0].Err)
	assert.Equal(t, 3, got[0].Stored)
	// Items never admitted carry the context error.
	for _, res := range got[2:] {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
}

func TestWorkerPoolClampsWorkerCount(t *testing.T) {
	pool := NewWorkerPool(0, nil)
	results := pool.Run(context.Background(), workItems(2), func(_ context.Context, _ models.WorkItem) (int, error) {
		return 1, nil
	})
	require.Len(t, results, 2)
}
