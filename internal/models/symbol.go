package models

import "time"

// SymbolStatus mirrors the exchange's trading status for a pair.
type SymbolStatus string

const (
	SymbolStatusTrading  SymbolStatus = "TRADING"
	SymbolStatusBreak    SymbolStatus = "BREAK"
	SymbolStatusDelisted SymbolStatus = "DELISTED"
)

// Symbol is a tradable pair tracked by the collector. Created once per pair;
// immutable except Status and UpdatedAt.
type Symbol struct {
	ID         int64        `json:"id" db:"id"`
	Symbol     string       `json:"symbol" db:"symbol"`
	BaseAsset  string       `json:"base_asset" db:"base_asset"`
	QuoteAsset string       `json:"quote_asset" db:"quote_asset"`
	Status     SymbolStatus `json:"status" db:"status"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// Target is the inbound unit of work handed to the pipeline by the symbol
// discovery step: a pair to analyze plus an optional listing-date hint.
type Target struct {
	Symbol      string     `json:"symbol"`
	QuoteAsset  string     `json:"quote_asset"`
	ListingHint *time.Time `json:"listing_hint,omitempty"`
}

// WorkItem is the transient per-worker view of one target. It lives only for
// the duration of a single worker task.
type WorkItem struct {
	SymbolID int64
	Symbol   string
	Hint     *time.Time
	Attempt  int
}
