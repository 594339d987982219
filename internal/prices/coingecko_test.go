package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/chains"
	"github.com/zilstream/grants-indexer/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

var ethToken = chains.Token{Address: "0x0000000000000000000000000000000000000000", Code: "ETH", Decimals: 18, CoingeckoID: "ethereum"}

func TestFetchRangeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/ethereum/market_chart/range", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("from"))
		assert.Equal(t, "1700003600", r.URL.Query().Get("to"))
		assert.Equal(t, "secret", r.Header.Get(coingeckoKeyHeader))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"prices":[[1700000123000,2031.123456789012],[1700001923000,2032]],"market_caps":[]}`))
	}))
	defer srv.Close()

	client := NewCoinGeckoClient(CoinGeckoConfig{BaseURL: srv.URL, APIKey: "secret", Retry: fastRetry}, zerolog.Nop())
	from := time.Unix(1700000000, 0)
	samples, err := client.FetchRange(context.Background(), ethToken, from, from.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, samples, 2)
	assert.Equal(t, time.Unix(1700000123, 0).UTC(), samples[0].Timestamp)
	assert.True(t, decimal.RequireFromString("2031.123456789012").Equal(samples[0].USD))
}

func TestFetchRangeNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"coin not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewCoinGeckoClient(CoinGeckoConfig{BaseURL: srv.URL, Retry: fastRetry}, zerolog.Nop())
	_, err := client.FetchRange(context.Background(), ethToken, time.Unix(0, 0), time.Unix(3600, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRangeServerErrorsExhaust(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewCoinGeckoClient(CoinGeckoConfig{BaseURL: srv.URL, Retry: fastRetry}, zerolog.Nop())
	_, err := client.FetchRange(context.Background(), ethToken, time.Unix(0, 0), time.Unix(3600, 0))
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestFetchLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2500.5,"last_updated_at":1700000000}}`))
	}))
	defer srv.Close()

	client := NewCoinGeckoClient(CoinGeckoConfig{BaseURL: srv.URL, Retry: fastRetry}, zerolog.Nop())
	s, err := client.FetchLatest(context.Background(), ethToken)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2500.5").Equal(s.USD))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), s.Timestamp)

	_, err = client.FetchLatest(context.Background(), chains.Token{CoingeckoID: "dai"})
	assert.ErrorIs(t, err, ErrPriceNotFound)
}
