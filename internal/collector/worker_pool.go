package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/models"
	"github.com/tradelab/go-listing-backfill/internal/request"
)

// Task processes one work item and reports how many klines it stored.
type Task func(ctx context.Context, item models.WorkItem) (int, error)

// Result is the outcome of one work item. Exactly one Result is produced per
// submitted item, failure or not.
type Result struct {
	Symbol string
	Stored int
	Err    error
}

// WorkerPoolStats is a point-in-time snapshot of pool counters.
type WorkerPoolStats struct {
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// WorkerPool runs tasks over a set of work items with bounded concurrency.
// A panicking task is converted into a processing_error result; it never
// takes down a worker or the run.
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	totalJobTime  atomic.Int64 // nanoseconds
}

// NewWorkerPool creates a pool with the given concurrency. Counts below 1
// are treated as 1.
func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{workerCount: workerCount, logger: logger}
}

// Run distributes items across the pool's workers and blocks until every
// admitted item has a result. Cancelling ctx stops admission of further
// items; items already being processed run to completion, and items never
// admitted get a result carrying the context error.
func (wp *WorkerPool) Run(ctx context.Context, items []models.WorkItem, task Task) []Result {
	results := make([]Result, len(items))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 1; w <= wp.workerCount; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = wp.process(ctx, workerID, items[idx], task)
			}
		}(w)
	}

	admitted := 0
feed:
	for idx := range items {
		select {
		case jobs <- idx:
			admitted++
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if admitted < len(items) {
		wp.logger.Warn("run cancelled before all items were admitted",
			"admitted", admitted, "total", len(items))
		for idx := admitted; idx < len(items); idx++ {
			results[idx] = Result{Symbol: items[idx].Symbol, Err: ctx.Err()}
		}
	}
	return results
}

func (wp *WorkerPool) process(ctx context.Context, workerID int, item models.WorkItem, task Task) (res Result) {
	start := time.Now()
	res.Symbol = item.Symbol

	defer func() {
		if r := recover(); r != nil {
			res.Err = &request.ClassifiedError{
				Type:     request.ErrorTypeProcessing,
				Err:      fmt.Errorf("task panic: %v", r),
				Attempts: 1,
			}
		}
		duration := time.Since(start)
		wp.totalJobTime.Add(duration.Nanoseconds())
		if res.Err != nil {
			wp.failedJobs.Add(1)
			wp.logger.Error("job failed",
				"worker_id", workerID, "symbol", item.Symbol,
				"error", res.Err, "duration", duration)
		} else {
			wp.completedJobs.Add(1)
			wp.logger.Debug("job completed",
				"worker_id", workerID, "symbol", item.Symbol,
				"stored", res.Stored, "duration", duration)
		}
	}()

	res.Stored, res.Err = task(ctx, item)
	return res
}

// Stats returns the pool's counters so far.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	completed := wp.completedJobs.Load()
	failed := wp.failedJobs.Load()
	stats := WorkerPoolStats{CompletedJobs: completed, FailedJobs: failed}
	if jobs := completed + failed; jobs > 0 {
		stats.AvgJobDuration = time.Duration(wp.totalJobTime.Load() / jobs)
	}
	return stats
}
