package models

import (
	"fmt"
	"time"
)

// ListingStatus is the terminal state of a listing analysis attempt.
type ListingStatus string

const (
	// ListingPending means the symbol has not been analyzed yet.
	ListingPending ListingStatus = "pending"
	// ListingAnalyzed means a listing timestamp was found.
	ListingAnalyzed ListingStatus = "analyzed"
	// ListingNoData means the symbol has no discoverable trading history.
	// This is a valid terminal outcome, not an error.
	ListingNoData ListingStatus = "no_data"
	// ListingError means analysis failed after exhausting retries.
	ListingError ListingStatus = "error"
)

// ListingRecord holds the outcome of listing-date analysis for one symbol.
// Exactly one record exists per SymbolID; the store enforces this with a
// unique constraint and retries upsert over the existing row.
type ListingRecord struct {
	ID           int64         `json:"id" db:"id"`
	SymbolID     int64         `json:"symbol_id" db:"symbol_id"`
	ListingTime  *time.Time    `json:"listing_date,omitempty" db:"listing_date"`
	Status       ListingStatus `json:"data_status" db:"data_status"`
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`
	AnalyzedAt   time.Time     `json:"analysis_date" db:"analysis_date"`
	RetryCount   int           `json:"retry_count" db:"retry_count"`
}

// Validate checks internal consistency between status and listing time.
func (r *ListingRecord) Validate() error {
	switch r.Status {
	case ListingPending, ListingAnalyzed, ListingNoData, ListingError:
	default:
		return fmt.Errorf("invalid listing status %q", r.Status)
	}
	if r.Status == ListingAnalyzed && r.ListingTime == nil {
		return fmt.Errorf("analyzed listing record for symbol %d has no listing time", r.SymbolID)
	}
	if r.SymbolID <= 0 {
		return fmt.Errorf("listing record requires a symbol id")
	}
	return nil
}
