// Package storage defines the persistence interfaces for symbols, listing
// analysis, and historical klines, with DuckDB, Postgres, and in-memory
// backends. Backends tolerate a single writer; callers serialize writes
// through the persistence queue.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// SymbolStore handles the symbols table.
type SymbolStore interface {
	// UpsertSymbol inserts the symbol or updates its status if the name
	// already exists. The generated ID is written back to sym.
	UpsertSymbol(ctx context.Context, sym *models.Symbol) error

	// GetSymbol looks up a symbol by its exchange name.
	// Returns ErrNotFound if absent.
	GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error)

	// ListSymbols returns all tracked symbols ordered by name.
	ListSymbols(ctx context.Context) ([]models.Symbol, error)
}

// ListingStore handles the listing_analysis table. One row per symbol,
// upserted on retry.
type ListingStore interface {
	// UpsertListing inserts or replaces the analysis row for
	// record.SymbolID.
	UpsertListing(ctx context.Context, record *models.ListingRecord) error

	// GetListing returns the analysis row for a symbol.
	// Returns ErrNotFound if the symbol was never analyzed.
	GetListing(ctx context.Context, symbolID int64) (*models.ListingRecord, error)
}

// KlineQuery selects a kline range for one symbol.
type KlineQuery struct {
	SymbolID int64
	Start    time.Time
	End      time.Time
	Limit    int
}

// KlineStore handles the historical_klines table. Rows are unique per
// (symbol_id, open_time) and never updated.
type KlineStore interface {
	// InsertKlines stores a batch in one transaction and reports how many
	// rows were actually inserted. Duplicates on (symbol_id, open_time)
	// are skipped, not errors. On error nothing from the batch is stored.
	InsertKlines(ctx context.Context, klines []models.Kline) (int, error)

	// CountKlines returns the number of stored klines for a symbol.
	CountKlines(ctx context.Context, symbolID int64) (int64, error)

	// QueryKlines returns klines matching q ordered by open_time ascending.
	QueryKlines(ctx context.Context, q KlineQuery) ([]models.Kline, error)
}

// HealthChecker verifies a backend is reachable with a lightweight probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Manager handles backend lifecycle.
type Manager interface {
	// Initialize creates tables and indexes. Idempotent.
	Initialize(ctx context.Context) error

	// Close releases connections. The store must not be used afterwards.
	Close() error

	// Stats returns row counts for the run summary.
	Stats(ctx context.Context) (*Stats, error)

	HealthChecker
}

// Stats summarizes stored data volume.
type Stats struct {
	Symbols  int64
	Listings int64
	Klines   int64
}

// Store is the full persistence surface the pipeline depends on.
type Store interface {
	SymbolStore
	ListingStore
	KlineStore
	Manager
}

// StorageError wraps a failed storage operation with its context.
type StorageError struct {
	Operation string
	Table     string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}
