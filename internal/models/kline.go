// Package models provides data structures and validation for listing analysis
// and historical kline collection. All prices and volumes are carried as
// decimal strings to avoid float precision loss between the exchange API and
// the store.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kline represents one OHLCV bucket for a symbol. A kline is unique per
// (SymbolID, OpenTime); rows are inserted once and never updated.
type Kline struct {
	SymbolID      int64     `json:"symbol_id" db:"symbol_id"`
	OpenTime      time.Time `json:"open_time" db:"open_time"`
	CloseTime     time.Time `json:"close_time" db:"close_time"`
	Open          string    `json:"open" db:"open_price"`
	High          string    `json:"high" db:"high_price"`
	Low           string    `json:"low" db:"low_price"`
	Close         string    `json:"close" db:"close_price"`
	Volume        string    `json:"volume" db:"volume"`
	QuoteVolume   string    `json:"quote_volume" db:"quote_asset_volume"`
	TradeCount    int64     `json:"trade_count" db:"number_of_trades"`
	TakerBuyBase  string    `json:"taker_buy_base" db:"taker_buy_base_asset_volume"`
	TakerBuyQuote string    `json:"taker_buy_quote" db:"taker_buy_quote_asset_volume"`
}

// ValidationError reports which kline field failed validation and why.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the kline is structurally sound: timestamps are set
// and ordered, all numeric fields parse as decimals, and nothing is negative.
// Zero prices are allowed because exchanges pre-register new symbols with
// placeholder candles; HasTrades distinguishes those from genuine activity.
func (k *Kline) Validate() error {
	if k.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}
	if !k.CloseTime.After(k.OpenTime) {
		return &ValidationError{Field: "close_time", Message: "close time must be after open time"}
	}

	fields := []struct {
		name  string
		value string
	}{
		{"open", k.Open},
		{"high", k.High},
		{"low", k.Low},
		{"close", k.Close},
		{"volume", k.Volume},
		{"quote_volume", k.QuoteVolume},
		{"taker_buy_base", k.TakerBuyBase},
		{"taker_buy_quote", k.TakerBuyQuote},
	}

	parsed := make(map[string]decimal.Decimal, len(fields))
	for _, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid decimal: %v", err)}
		}
		if d.IsNegative() {
			return &ValidationError{Field: f.name, Message: "value must not be negative"}
		}
		parsed[f.name] = d
	}

	if k.TradeCount < 0 {
		return &ValidationError{Field: "trade_count", Message: "trade count must not be negative"}
	}

	// OHLC relationships only apply to candles with a real price.
	open, high := parsed["open"], parsed["high"]
	low, close := parsed["low"], parsed["close"]
	if open.IsPositive() {
		maxOC := decimal.Max(open, close)
		if high.LessThan(maxOC) {
			return &ValidationError{
				Field:   "high",
				Message: fmt.Sprintf("high (%s) must be >= max(open, close) (%s)", high, maxOC),
			}
		}
		minOC := decimal.Min(open, close)
		if low.GreaterThan(minOC) {
			return &ValidationError{
				Field:   "low",
				Message: fmt.Sprintf("low (%s) must be <= min(open, close) (%s)", low, minOC),
			}
		}
	}

	return nil
}

// HasTrades reports whether the kline shows genuine trading activity:
// non-zero volume and a positive open price. Placeholder candles published
// before a symbol actually trades fail this check.
func (k *Kline) HasTrades() bool {
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return false
	}
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return false
	}
	return volume.IsPositive() && open.IsPositive()
}

// VolumeDecimal returns the volume as a decimal.Decimal for precise math.
func (k *Kline) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.Volume)
}

// OpenDecimal returns the open price as a decimal.Decimal for precise math.
func (k *Kline) OpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.Open)
}

// String implements fmt.Stringer for log output.
func (k *Kline) String() string {
	return fmt.Sprintf("Kline{SymbolID: %d, OpenTime: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		k.SymbolID, k.OpenTime.Format(time.RFC3339), k.Open, k.High, k.Low, k.Close, k.Volume)
}
