package prices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/chains"
	"github.com/zilstream/grants-indexer/internal/retry"
)

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	coingeckoTimeout    = 10 * time.Second
	coingeckoKeyHeader  = "x-cg-pro-api-key"
)

// Sample is one USD quote reported by a price source.
type Sample struct {
	Timestamp time.Time
	USD       decimal.Decimal
}

// HistoryClient reads USD quotes from an external source.
type HistoryClient interface {
	// FetchRange returns the samples between from and to, oldest first.
	FetchRange(ctx context.Context, token chains.Token, from, to time.Time) ([]Sample, error)
	// FetchLatest returns the source's current quote.
	FetchLatest(ctx context.Context, token chains.Token) (Sample, error)
}

type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string
	Retry   retry.Policy
}

type CoinGeckoClient struct {
	baseURL    string
	apiKey     string
	policy     retry.Policy
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewCoinGeckoClient(cfg CoinGeckoConfig, logger zerolog.Logger) *CoinGeckoClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCoinGeckoURL
	}
	return &CoinGeckoClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		policy:  cfg.Retry,
		httpClient: &http.Client{
			Timeout: coingeckoTimeout,
		},
		logger: logger.With().Str("component", "coingecko").Logger(),
	}
}

// FetchRange queries the market_chart/range endpoint. Prices are parsed from
// the raw JSON numbers so no precision is lost to float64.
func (c *CoinGeckoClient) FetchRange(ctx context.Context, token chains.Token, from, to time.Time) ([]Sample, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	endpoint := fmt.Sprintf("%s/coins/%s/market_chart/range?%s", c.baseURL, url.PathEscape(token.CoingeckoID), q.Encode())

	body, err := c.get(ctx, "coingecko.market_chart_range", endpoint)
	if err != nil {
		return nil, err
	}

	prices := gjson.GetBytes(body, "prices")
	if !prices.IsArray() {
		return nil, fmt.Errorf("coingecko %s: response has no prices array", token.CoingeckoID)
	}

	var (
		samples  []Sample
		parseErr error
	)
	prices.ForEach(func(_, point gjson.Result) bool {
		pair := point.Array()
		if len(pair) != 2 {
			parseErr = fmt.Errorf("malformed price point %s", point.Raw)
			return false
		}
		usd, err := decimal.NewFromString(pair[1].Raw)
		if err != nil {
			parseErr = fmt.Errorf("parse price %s: %w", pair[1].Raw, err)
			return false
		}
		samples = append(samples, Sample{
			Timestamp: time.UnixMilli(pair[0].Int()).UTC(),
			USD:       usd,
		})
		return true
	})
	if parseErr != nil {
		return nil, fmt.Errorf("coingecko %s: %w", token.CoingeckoID, parseErr)
	}
	return samples, nil
}

// FetchLatest queries the simple/price endpoint.
func (c *CoinGeckoClient) FetchLatest(ctx context.Context, token chains.Token) (Sample, error) {
	q := url.Values{}
	q.Set("ids", token.CoingeckoID)
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	endpoint := fmt.Sprintf("%s/simple/price?%s", c.baseURL, q.Encode())

	body, err := c.get(ctx, "coingecko.simple_price", endpoint)
	if err != nil {
		return Sample{}, err
	}

	entry := gjson.GetBytes(body, token.CoingeckoID)
	usd := entry.Get("usd")
	if !usd.Exists() {
		return Sample{}, ErrPriceNotFound
	}
	value, err := decimal.NewFromString(usd.Raw)
	if err != nil {
		return Sample{}, fmt.Errorf("parse price %s: %w", usd.Raw, err)
	}

	ts := time.Now().UTC()
	if updated := entry.Get("last_updated_at"); updated.Exists() {
		ts = time.Unix(updated.Int(), 0).UTC()
	}
	return Sample{Timestamp: ts, USD: value}, nil
}

// get performs a GET with retries. Rate limits and server errors are
// retried; other non-2xx statuses are permanent.
func (c *CoinGeckoClient) get(ctx context.Context, op, endpoint string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, op, c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request to %s: %w", endpoint, err))
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(coingeckoKeyHeader, c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return errors.New("rate limited")
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 200)))
		}

		if !gjson.ValidBytes(data) {
			return retry.Permanent(errors.New("response is not valid JSON"))
		}
		body = data
		return nil
	})
	return body, err
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
