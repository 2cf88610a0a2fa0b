package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

// exchangeInfoResponse is the wire shape of the exchangeInfo endpoint.
type exchangeInfoResponse struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo is one symbol's metadata from exchangeInfo. OnboardDate is a
// millisecond timestamp and zero when the exchange does not publish one.
type SymbolInfo struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	BaseAsset   string `json:"baseAsset"`
	QuoteAsset  string `json:"quoteAsset"`
	OnboardDate int64  `json:"onboardDate,omitempty"`
}

// OnboardTime converts the onboarding timestamp, or nil when absent.
func (s SymbolInfo) OnboardTime() *time.Time {
	if s.OnboardDate <= 0 {
		return nil
	}
	t := time.UnixMilli(s.OnboardDate).UTC()
	return &t
}

// ToSymbol converts exchange metadata to the internal model. ID is assigned
// by the store on upsert.
func (s SymbolInfo) ToSymbol() models.Symbol {
	now := time.Now().UTC()
	return models.Symbol{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
		Status:     models.SymbolStatus(s.Status),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// rawKline is one row of the klines response: a fixed-position array
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// tradeCount, takerBuyBase, takerBuyQuote, unused].
type rawKline []json.RawMessage

const klineFieldCount = 11

func (r rawKline) toKline() (models.Kline, error) {
	var k models.Kline
	if len(r) < klineFieldCount {
		return k, fmt.Errorf("kline row has %d fields, want at least %d", len(r), klineFieldCount)
	}

	var openTime, closeTime, tradeCount int64
	if err := json.Unmarshal(r[0], &openTime); err != nil {
		return k, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(r[6], &closeTime); err != nil {
		return k, fmt.Errorf("close time: %w", err)
	}
	if err := json.Unmarshal(r[8], &tradeCount); err != nil {
		return k, fmt.Errorf("trade count: %w", err)
	}

	strings := []struct {
		idx  int
		name string
		dst  *string
	}{
		{1, "open", &k.Open},
		{2, "high", &k.High},
		{3, "low", &k.Low},
		{4, "close", &k.Close},
		{5, "volume", &k.Volume},
		{7, "quote volume", &k.QuoteVolume},
		{9, "taker buy base", &k.TakerBuyBase},
		{10, "taker buy quote", &k.TakerBuyQuote},
	}
	for _, f := range strings {
		if err := json.Unmarshal(r[f.idx], f.dst); err != nil {
			return k, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	k.OpenTime = time.UnixMilli(openTime).UTC()
	k.CloseTime = time.UnixMilli(closeTime).UTC()
	k.TradeCount = tradeCount
	return k, nil
}

// IntervalDuration maps an interval string to its bucket length.
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
}
