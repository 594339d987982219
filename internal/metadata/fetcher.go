// Package metadata resolves IPFS content ids to JSON documents.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/zilstream/grants-indexer/internal/retry"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultMaxConcurrent = 8
	maxDocumentSize      = 4 << 20
)

var (
	ErrNotFound   = errors.New("metadata not found")
	ErrInvalidDoc = errors.New("metadata is not valid JSON")
)

// Cache stores fetched documents by content id.
type Cache interface {
	Get(ctx context.Context, cid string) ([]byte, bool, error)
	Set(ctx context.Context, cid string, doc []byte) error
}

type Config struct {
	Gateways      []string
	Timeout       time.Duration
	MaxConcurrent int64
	Retry         retry.Policy
}

// Fetcher downloads documents from a list of gateways, trying each in turn.
// Content ids are immutable, so successful fetches are cached indefinitely
// when a cache is configured.
type Fetcher struct {
	gateways   []string
	httpClient *http.Client
	sem        *semaphore.Weighted
	cache      Cache
	policy     retry.Policy
	logger     zerolog.Logger
}

// NewFetcher builds a Fetcher. cache may be nil.
func NewFetcher(cfg Config, cache Cache, logger zerolog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	gateways := make([]string, 0, len(cfg.Gateways))
	for _, g := range cfg.Gateways {
		gateways = append(gateways, strings.TrimRight(g, "/"))
	}
	return &Fetcher{
		gateways:   gateways,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		cache:      cache,
		policy:     cfg.Retry,
		logger:     logger.With().Str("component", "metadata").Logger(),
	}
}

// Fetch returns the JSON document stored under cid.
func (f *Fetcher) Fetch(ctx context.Context, cid string) (json.RawMessage, error) {
	cid = strings.TrimPrefix(strings.TrimSpace(cid), "ipfs://")
	if cid == "" {
		return nil, ErrNotFound
	}

	if f.cache != nil {
		doc, ok, err := f.cache.Get(ctx, cid)
		if err != nil {
			f.logger.Warn().Err(err).Str("cid", cid).Msg("Metadata cache read failed")
		} else if ok {
			return doc, nil
		}
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	var errs []error
	for _, gateway := range f.gateways {
		doc, err := f.fetchFrom(ctx, gateway, cid)
		if err == nil {
			if f.cache != nil {
				if err := f.cache.Set(ctx, cid, doc); err != nil {
					f.logger.Warn().Err(err).Str("cid", cid).Msg("Metadata cache write failed")
				}
			}
			return doc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Debug().Err(err).Str("gateway", gateway).Str("cid", cid).Msg("Gateway fetch failed")
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("fetch %s: %w", cid, errors.Join(errs...))
}

func (f *Fetcher) fetchFrom(ctx context.Context, gateway, cid string) ([]byte, error) {
	endpoint := gateway + "/ipfs/" + cid

	var doc []byte
	err := retry.Do(ctx, f.policy, "ipfs.get", f.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%s: unexpected status %d", gateway, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("%s: unexpected status %d", gateway, resp.StatusCode))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if !gjson.ValidBytes(data) {
			return retry.Permanent(ErrInvalidDoc)
		}
		doc = data
		return nil
	})
	return doc, err
}
