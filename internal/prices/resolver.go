package prices

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/zilstream/grants-indexer/internal/chains"
	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/metrics"
	"github.com/zilstream/grants-indexer/internal/models"
)

const (
	DefaultBucketSize = 2000
	DefaultCacheSize  = 100

	fetchWindow = time.Hour
)

// Locator maps between block numbers and timestamps on one chain.
type Locator interface {
	Timestamp(ctx context.Context, block uint64) (time.Time, error)
	Locate(ctx context.Context, ts time.Time) (uint64, error)
	Head(ctx context.Context) (uint64, error)
}

// PriceStore is the subset of the state store the resolver uses.
type PriceStore interface {
	GetPriceInRange(ctx context.Context, chainID int64, token string, minBlock, maxBlock uint64) (*models.Price, error)
	GetLatestPrice(ctx context.Context, chainID int64, token string, maxBlock uint64) (*models.Price, error)
	Mutate(ctx context.Context, cs changeset.Changeset) error
}

type ResolverConfig struct {
	BucketSize uint64
	CacheSize  int
}

type cacheKey struct {
	chainID int64
	token   string
	bucket  uint64
}

// Resolver answers token prices at a block. Prices are bucketed by block
// range; each bucket is fetched at most once and then served from an LRU or
// the store.
type Resolver struct {
	catalog    *chains.Catalog
	store      PriceStore
	client     HistoryClient
	bucketSize uint64
	cache      *lru.Cache[cacheKey, Price]
	group      singleflight.Group
	logger     zerolog.Logger

	mu       sync.RWMutex
	locators map[int64]Locator
}

func NewResolver(catalog *chains.Catalog, store PriceStore, client HistoryClient, cfg ResolverConfig, logger zerolog.Logger) (*Resolver, error) {
	if cfg.BucketSize == 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, Price](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &Resolver{
		catalog:    catalog,
		store:      store,
		client:     client,
		bucketSize: cfg.BucketSize,
		cache:      cache,
		locators:   make(map[int64]Locator),
		logger:     logger.With().Str("component", "price_resolver").Logger(),
	}, nil
}

// AddChain registers the block locator used for a chain.
func (r *Resolver) AddChain(chainID int64, locator Locator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locators[chainID] = locator
}

func (r *Resolver) locator(chainID int64) (Locator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.locators[chainID]
	if !ok {
		return nil, fmt.Errorf("no block locator for chain %d", chainID)
	}
	return loc, nil
}

func (r *Resolver) token(chainID int64, address string) (chains.Token, error) {
	t, ok := r.catalog.Token(chainID, address)
	if !ok {
		return chains.Token{}, &UnknownTokenError{ChainID: chainID, Token: strings.ToLower(address)}
	}
	return t, nil
}

// Resolve returns the price of token at block.
func (r *Resolver) Resolve(ctx context.Context, chainID int64, address string, block uint64) (*Price, error) {
	token, err := r.token(chainID, address)
	if err != nil {
		return nil, err
	}

	key := cacheKey{chainID: chainID, token: token.Address, bucket: block - block%r.bucketSize}
	if p, ok := r.cache.Get(key); ok {
		metrics.PriceCacheLookups.WithLabelValues("hit").Inc()
		return &p, nil
	}

	// Only the bucket's own row answers; the poller's rows inside the bucket
	// would make the answer depend on when the block was first resolved.
	stored, err := r.store.GetPriceInRange(ctx, chainID, token.Address, key.bucket, key.bucket)
	switch {
	case err == nil:
		metrics.PriceCacheLookups.WithLabelValues("store").Inc()
		p := fromModel(stored, token.Decimals)
		r.cache.Add(key, p)
		return &p, nil
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("read stored price: %w", err)
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%d:%s:%d", key.chainID, key.token, key.bucket), func() (any, error) {
		return r.fetchBucket(ctx, key, token)
	})
	if err != nil {
		return nil, err
	}
	p := v.(Price)
	return &p, nil
}

func (r *Resolver) fetchBucket(ctx context.Context, key cacheKey, token chains.Token) (Price, error) {
	metrics.PriceCacheLookups.WithLabelValues("fetch").Inc()

	loc, err := r.locator(key.chainID)
	if err != nil {
		return Price{}, err
	}
	ts, err := loc.Timestamp(ctx, key.bucket)
	if err != nil {
		return Price{}, fmt.Errorf("timestamp of block %d: %w", key.bucket, err)
	}

	samples, err := r.client.FetchRange(ctx, token, ts, ts.Add(fetchWindow))
	if err != nil {
		return Price{}, fmt.Errorf("fetch %s price: %w", token.Code, err)
	}
	if len(samples) == 0 {
		return Price{}, fmt.Errorf("%s at %s: %w", token.Code, ts.Format(time.RFC3339), ErrPriceNotFound)
	}

	sample := samples[0]
	if drift := sample.Timestamp.Sub(ts).Abs(); drift > fetchWindow {
		r.logger.Warn().
			Int64("chain_id", key.chainID).
			Str("token", token.Code).
			Uint64("block", key.bucket).
			Dur("drift", drift).
			Msg("Price sample is far from block time")
	}

	p := Price{
		USD:       ToFixed(sample.USD),
		Decimals:  token.Decimals,
		Block:     key.bucket,
		Timestamp: sample.Timestamp,
	}
	if err := r.store.Mutate(ctx, changeset.InsertPrice{Price: models.Price{
		ChainID:      key.chainID,
		TokenAddress: token.Address,
		BlockNumber:  key.bucket,
		PriceInUSD:   p.USD,
		Timestamp:    sample.Timestamp,
	}}); err != nil {
		return Price{}, fmt.Errorf("store price: %w", err)
	}
	r.cache.Add(key, p)

	r.logger.Debug().
		Int64("chain_id", key.chainID).
		Str("token", token.Code).
		Uint64("bucket", key.bucket).
		Str("usd", sample.USD.String()).
		Msg("Fetched price")
	return p, nil
}

// ResolveLatest returns the newest stored price at or below the chain head,
// fetching the head's bucket when nothing is stored yet.
func (r *Resolver) ResolveLatest(ctx context.Context, chainID int64, address string) (*Price, error) {
	token, err := r.token(chainID, address)
	if err != nil {
		return nil, err
	}
	loc, err := r.locator(chainID)
	if err != nil {
		return nil, err
	}
	head, err := loc.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}

	stored, err := r.store.GetLatestPrice(ctx, chainID, token.Address, head)
	if err == nil {
		p := fromModel(stored, token.Decimals)
		return &p, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("read latest price: %w", err)
	}
	return r.Resolve(ctx, chainID, address, head)
}

// ToUSD values amount of token at block.
func (r *Resolver) ToUSD(ctx context.Context, chainID int64, token string, amount *big.Int, block uint64) (decimal.Decimal, error) {
	p, err := r.Resolve(ctx, chainID, token, block)
	if err != nil {
		return decimal.Zero, err
	}
	return ConvertToUSD(amount, *p), nil
}

// FromUSD returns the amount of token worth usd at block.
func (r *Resolver) FromUSD(ctx context.Context, chainID int64, token string, usd decimal.Decimal, block uint64) (*big.Int, error) {
	p, err := r.Resolve(ctx, chainID, token, block)
	if err != nil {
		return nil, err
	}
	return ConvertFromUSD(usd, *p), nil
}

func fromModel(m *models.Price, decimals int) Price {
	return Price{
		USD:       m.PriceInUSD,
		Decimals:  decimals,
		Block:     m.BlockNumber,
		Timestamp: m.Timestamp,
	}
}
