// Package persist funnels all storage writes through a single queue so the
// store only ever sees one writer. Workers block on their own batch until it
// commits, and a failed batch fails only the worker that submitted it.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

// ErrQueueClosed is returned by Submit calls after Close.
var ErrQueueClosed = errors.New("persist: queue closed")

// DefaultDepth bounds how many batches may wait ahead of a submitter.
const DefaultDepth = 64

// Batch is one unit of persistence work. Either Klines or Listing is set.
type Batch struct {
	ID       uuid.UUID
	SymbolID int64
	Klines   []models.Kline
	Listing  *models.ListingRecord
}

// BatchWriter commits one batch atomically. Implementations wrap each call
// in a single transaction; a non-nil error means nothing from the batch was
// stored.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch Batch) (int, error)
}

type job struct {
	batch Batch
	done  chan error
}

// Queue accepts batches from concurrent workers and drains them to the
// writer one at a time, in arrival order.
type Queue struct {
	writer BatchWriter
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	jobs     chan job
	drain    sync.WaitGroup

	stored atomic.Int64
}

// NewQueue creates a queue with the given buffer depth and starts its drain
// goroutine. Depth values below 1 fall back to DefaultDepth.
func NewQueue(writer BatchWriter, logger *slog.Logger, depth int) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if depth < 1 {
		depth = DefaultDepth
	}
	q := &Queue{
		writer: writer,
		logger: logger,
		jobs:   make(chan job, depth),
	}
	q.drain.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.drain.Done()
	for j := range q.jobs {
		n, err := q.writer.WriteBatch(context.Background(), j.batch)
		if err != nil {
			q.logger.Error("batch write failed",
				"batch_id", j.batch.ID, "symbol_id", j.batch.SymbolID, "error", err)
		} else {
			q.stored.Add(int64(n))
		}
		j.done <- err
	}
}

// Submit enqueues a kline batch and blocks until it is committed or fails.
// Implements the backfill sink.
func (q *Queue) Submit(ctx context.Context, symbolID int64, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	return q.submit(ctx, Batch{
		ID:       uuid.New(),
		SymbolID: symbolID,
		Klines:   klines,
	})
}

// SubmitListing enqueues a listing record upsert and blocks until committed.
func (q *Queue) SubmitListing(ctx context.Context, record *models.ListingRecord) error {
	if record == nil {
		return nil
	}
	return q.submit(ctx, Batch{
		ID:       uuid.New(),
		SymbolID: record.SymbolID,
		Listing:  record,
	})
}

func (q *Queue) submit(ctx context.Context, batch Batch) error {
	j := job{batch: batch, done: make(chan error, 1)}

	// Register as in flight before enqueueing; Close waits for in-flight
	// submitters before closing the channel, so the send below can never
	// hit a closed channel.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stored returns the total number of rows committed so far.
func (q *Queue) Stored() int64 {
	return q.stored.Load()
}

// Close stops accepting new batches, drains everything already accepted,
// then returns. Safe to call once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.inflight.Wait()
	close(q.jobs)
	q.drain.Wait()
}
