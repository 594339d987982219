package prices

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/chains"
	"github.com/zilstream/grants-indexer/internal/database"
)

const (
	testChain = int64(10)
	daiAddr   = "0xda10009cbd5d07dd0cecc66161fc93d7c9000da1"
)

const testCatalog = `
chains:
  - id: 10
    name: optimism
    tokens:
      - address: "0x0000000000000000000000000000000000000000"
        code: ETH
        decimals: 18
        coingecko_id: ethereum
      - address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"
        code: DAI
        decimals: 18
        coingecko_id: dai
`

// blockTimes maps block n to genesis + 2n seconds.
type blockTimes struct {
	head uint64
}

var genesis = time.Unix(1_700_000_000, 0).UTC()

func (b blockTimes) Timestamp(ctx context.Context, block uint64) (time.Time, error) {
	return genesis.Add(time.Duration(block) * 2 * time.Second), nil
}

func (b blockTimes) Locate(ctx context.Context, ts time.Time) (uint64, error) {
	return uint64(ts.Sub(genesis) / (2 * time.Second)), nil
}

func (b blockTimes) Head(ctx context.Context) (uint64, error) { return b.head, nil }

type fakeHistory struct {
	mu       sync.Mutex
	calls    []time.Time
	usd      decimal.Decimal
	offset   time.Duration
	empty    bool
	latestTS time.Time
}

func (f *fakeHistory) FetchRange(ctx context.Context, token chains.Token, from, to time.Time) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, from)
	if f.empty {
		return nil, nil
	}
	return []Sample{{Timestamp: from.Add(f.offset), USD: f.usd}}, nil
}

func (f *fakeHistory) FetchLatest(ctx context.Context, token chains.Token) (Sample, error) {
	return Sample{Timestamp: f.latestTS, USD: f.usd}, nil
}

func (f *fakeHistory) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestResolver(t *testing.T, store PriceStore, client HistoryClient) *Resolver {
	t.Helper()
	cat, err := chains.NewLoader(zerolog.Nop()).Parse([]byte(testCatalog))
	require.NoError(t, err)
	r, err := NewResolver(cat, store, client, ResolverConfig{}, zerolog.Nop())
	require.NoError(t, err)
	r.AddChain(testChain, blockTimes{head: 10_500})
	return r
}

func TestResolveFetchesBucketOnce(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	client := &fakeHistory{usd: decimal.RequireFromString("1.0002")}
	r := newTestResolver(t, store, client)

	p, err := r.Resolve(ctx, testChain, daiAddr, 4_123)
	require.NoError(t, err)
	assert.Equal(t, uint64(4_000), p.Block)
	assert.Equal(t, int64(100_020_000), p.USD.Int64())
	assert.Equal(t, 18, p.Decimals)
	assert.Equal(t, []time.Time{genesis.Add(8_000 * time.Second)}, client.calls)

	_, err = r.Resolve(ctx, testChain, "0xDA10009CBD5D07DD0CECC66161FC93D7C9000DA1", 5_999)
	require.NoError(t, err)
	assert.Equal(t, 1, client.fetches())

	stored, err := store.GetPriceInRange(ctx, testChain, daiAddr, 4_000, 4_000)
	require.NoError(t, err)
	assert.Equal(t, int64(100_020_000), stored.PriceInUSD.Int64())

	_, err = r.Resolve(ctx, testChain, daiAddr, 6_000)
	require.NoError(t, err)
	assert.Equal(t, 2, client.fetches())
}

func TestResolveUsesStoreAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	first := &fakeHistory{usd: decimal.NewFromInt(3000)}
	_, err := newTestResolver(t, store, first).Resolve(ctx, testChain, "0x0000000000000000000000000000000000000000", 2_500)
	require.NoError(t, err)

	second := &fakeHistory{usd: decimal.NewFromInt(1)}
	p, err := newTestResolver(t, store, second).Resolve(ctx, testChain, "0x0000000000000000000000000000000000000000", 3_999)
	require.NoError(t, err)
	assert.Equal(t, 0, second.fetches())
	assert.Equal(t, int64(300_000_000_000), p.USD.Int64())
}

func TestResolveIgnoresLatestPricesInsideBucket(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	client := &fakeHistory{usd: decimal.NewFromInt(1), latestTS: genesis.Add(9_000 * time.Second)}
	live := newTestResolver(t, store, client)

	p, err := live.Resolve(ctx, testChain, daiAddr, 4_123)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), p.USD.Int64())

	// The poller lands a newer quote at block 4500, inside the same bucket.
	client.usd = decimal.NewFromInt(5)
	require.NoError(t, NewPoller(live, PollerConfig{}, zerolog.Nop()).PollOnce(ctx))
	latest, err := store.GetLatestPrice(ctx, testChain, daiAddr, 5_999)
	require.NoError(t, err)
	require.Equal(t, uint64(4_500), latest.BlockNumber)

	// A rebuilt process with a cold cache still sees the bucket price.
	rebuilt := newTestResolver(t, store, client)
	for _, block := range []uint64{4_000, 4_499, 4_500, 5_999} {
		p, err := rebuilt.Resolve(ctx, testChain, daiAddr, block)
		require.NoError(t, err)
		assert.Equal(t, uint64(4_000), p.Block, "block %d", block)
		assert.Equal(t, int64(100_000_000), p.USD.Int64(), "block %d", block)
	}
	assert.Equal(t, 1, client.fetches())
}

func TestResolveConcurrentMissesShareFetch(t *testing.T) {
	ctx := context.Background()
	client := &fakeHistory{usd: decimal.NewFromInt(1)}
	r := newTestResolver(t, database.NewMemoryStore(), client)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Resolve(ctx, testChain, daiAddr, uint64(100+i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, client.fetches(), 8)
	assert.GreaterOrEqual(t, client.fetches(), 1)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		r := newTestResolver(t, database.NewMemoryStore(), &fakeHistory{})
		_, err := r.Resolve(ctx, testChain, "0x1111111111111111111111111111111111111111", 1)
		var unknown *UnknownTokenError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, testChain, unknown.ChainID)
	})

	t.Run("unknown chain", func(t *testing.T) {
		r := newTestResolver(t, database.NewMemoryStore(), &fakeHistory{})
		_, err := r.Resolve(ctx, 1, daiAddr, 1)
		var unknown *UnknownTokenError
		assert.ErrorAs(t, err, &unknown)
	})

	t.Run("no samples", func(t *testing.T) {
		r := newTestResolver(t, database.NewMemoryStore(), &fakeHistory{empty: true})
		_, err := r.Resolve(ctx, testChain, daiAddr, 1)
		assert.ErrorIs(t, err, ErrPriceNotFound)
	})

	t.Run("distant sample still used", func(t *testing.T) {
		r := newTestResolver(t, database.NewMemoryStore(), &fakeHistory{usd: decimal.NewFromInt(1), offset: 3 * time.Hour})
		p, err := r.Resolve(ctx, testChain, daiAddr, 1)
		require.NoError(t, err)
		assert.Equal(t, genesis.Add(3*time.Hour), p.Timestamp)
	})
}

func TestToAndFromUSD(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, database.NewMemoryStore(), &fakeHistory{usd: decimal.NewFromInt(2)})

	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	usd, err := r.ToUSD(ctx, testChain, "0x0000000000000000000000000000000000000000", oneEther, 42)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(usd))

	amount, err := r.FromUSD(ctx, testChain, "0x0000000000000000000000000000000000000000", decimal.NewFromInt(1), 42)
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", amount.String())
}

func TestResolveLatest(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	client := &fakeHistory{usd: decimal.NewFromInt(5), latestTS: genesis.Add(20_200 * time.Second)}
	r := newTestResolver(t, store, client)

	// Nothing stored: falls back to the head's bucket.
	p, err := r.ResolveLatest(ctx, testChain, daiAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), p.Block)

	client.usd = decimal.NewFromInt(7)
	require.NoError(t, NewPoller(r, PollerConfig{}, zerolog.Nop()).PollOnce(ctx))

	p, err = r.ResolveLatest(ctx, testChain, daiAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_100), p.Block)
	assert.Equal(t, int64(700_000_000), p.USD.Int64())
	assert.Equal(t, 1, client.fetches())
}
