package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelab/go-listing-backfill/internal/ratelimit"
	"github.com/tradelab/go-listing-backfill/internal/request"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequestsPerSecond: 1000,
		MaxRequestsPerMinute: 10000,
		MaxWeightPerMinute:   10000,
		BaseInterval:         time.Microsecond,
		MinCooldown:          time.Millisecond,
	}, nil)

	policy := request.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
	exec := request.NewExecutor(limiter, policy, nil)

	return NewClient(exec, nil, WithBaseURL(server.URL))
}

const klinesBody = `[
	[1709251200000, "0.1050", "0.1100", "0.1010", "0.1080", "15230.5",
	 1709251259999, "1620.44", 311, "8000.1", "851.02", "0"],
	[1709251260000, "0.1080", "0.1120", "0.1075", "0.1110", "9800.2",
	 1709251319999, "1071.33", 240, "4900.0", "538.11", "0"]
]`

func TestKlinesParsesFixedPositionArrays(t *testing.T) {
	var gotQuery map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, klinesEndpoint, r.URL.Path)
		gotQuery = map[string]string{
			"symbol":    r.URL.Query().Get("symbol"),
			"interval":  r.URL.Query().Get("interval"),
			"limit":     r.URL.Query().Get("limit"),
			"startTime": r.URL.Query().Get("startTime"),
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "15")
		w.Write([]byte(klinesBody))
	})

	start := time.UnixMilli(1709251200000).UTC()
	klines, err := client.Klines(context.Background(), KlineQuery{
		Symbol:   "NEWUSDT",
		Interval: "1m",
		Start:    start,
		Limit:    500,
	})

	require.NoError(t, err)
	require.Len(t, klines, 2)

	assert.Equal(t, "NEWUSDT", gotQuery["symbol"])
	assert.Equal(t, "1m", gotQuery["interval"])
	assert.Equal(t, "500", gotQuery["limit"])
	assert.Equal(t, "1709251200000", gotQuery["startTime"])

	first := klines[0]
	assert.Equal(t, start, first.OpenTime)
	assert.Equal(t, time.UnixMilli(1709251259999).UTC(), first.CloseTime)
	assert.Equal(t, "0.1050", first.Open)
	assert.Equal(t, "0.1100", first.High)
	assert.Equal(t, "0.1010", first.Low)
	assert.Equal(t, "0.1080", first.Close)
	assert.Equal(t, "15230.5", first.Volume)
	assert.Equal(t, "1620.44", first.QuoteVolume)
	assert.Equal(t, int64(311), first.TradeCount)
	assert.Equal(t, "8000.1", first.TakerBuyBase)
	assert.Equal(t, "851.02", first.TakerBuyQuote)
	require.NoError(t, first.Validate())
}

func TestKlinesClampsOversizedLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		w.Write([]byte("[]"))
	})

	klines, err := client.Klines(context.Background(), KlineQuery{
		Symbol:   "NEWUSDT",
		Interval: "1m",
		Limit:    5000,
	})
	require.NoError(t, err)
	assert.Empty(t, klines)
}

func TestExchangeInfo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, exchangeInfoEndpoint, r.URL.Path)
		w.Write([]byte(`{
			"timezone": "UTC",
			"serverTime": 1709251200000,
			"symbols": [
				{"symbol": "NEWUSDT", "status": "TRADING", "baseAsset": "NEW",
				 "quoteAsset": "USDT", "onboardDate": 1709164800000},
				{"symbol": "OLDUSDT", "status": "BREAK", "baseAsset": "OLD",
				 "quoteAsset": "USDT"}
			]
		}`))
	})

	symbols, err := client.ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, symbols, 2)

	assert.Equal(t, "NEWUSDT", symbols[0].Symbol)
	onboard := symbols[0].OnboardTime()
	require.NotNil(t, onboard)
	assert.Equal(t, time.UnixMilli(1709164800000).UTC(), *onboard)

	assert.Nil(t, symbols[1].OnboardTime(), "missing onboardDate yields no hint")

	sym := symbols[0].ToSymbol()
	assert.Equal(t, "NEW", sym.BaseAsset)
	assert.Equal(t, "USDT", sym.QuoteAsset)
}

func TestBadRequestIsTerminal(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -1121, "msg": "Invalid symbol."}`))
	})

	_, err := client.Klines(context.Background(), KlineQuery{Symbol: "NOPE", Interval: "1m"})
	require.Error(t, err)
	assert.Equal(t, request.ErrorTypeBadRequest, request.TypeOf(err))
	assert.Equal(t, 1, calls, "bad request must not be retried")
}

func TestRateLimitResponseClassification(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code": -1003, "msg": "Too many requests."}`))
	})

	_, err := client.Klines(context.Background(), KlineQuery{Symbol: "NEWUSDT", Interval: "1m"})
	require.Error(t, err)
	assert.Equal(t, request.ErrorTypeRateLimit, request.TypeOf(err))
	assert.Equal(t, 2, calls, "rate limit is retried up to the attempt budget")
}

func TestServerErrorThenRecovery(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("[]"))
	})

	_, err := client.Klines(context.Background(), KlineQuery{Symbol: "NEWUSDT", Interval: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMalformedKlineRow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1709251200000, "0.1"]]`))
	})

	_, err := client.Klines(context.Background(), KlineQuery{Symbol: "NEWUSDT", Interval: "1m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fields")
}

func TestKlinesWeightTable(t *testing.T) {
	assert.Equal(t, 1, KlinesWeight(100))
	assert.Equal(t, 2, KlinesWeight(500))
	assert.Equal(t, 5, KlinesWeight(1000))
	assert.Equal(t, 10, KlinesWeight(1500))
}

func TestIntervalDuration(t *testing.T) {
	d, err := IntervalDuration("1m")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = IntervalDuration("7m")
	require.Error(t, err)
}
