package blocks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Source reads block facts from a node.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, block uint64) (time.Time, error)
}

// Locator answers block/timestamp questions for one chain.
type Locator struct {
	chainID int64
	source  Source
	cache   *Cache
	logger  zerolog.Logger
}

func NewLocator(chainID int64, source Source, cache *Cache, logger zerolog.Logger) *Locator {
	return &Locator{
		chainID: chainID,
		source:  source,
		cache:   cache,
		logger:  logger.With().Str("component", "block_locator").Int64("chain_id", chainID).Logger(),
	}
}

// Head returns the chain's latest block number.
func (l *Locator) Head(ctx context.Context) (uint64, error) {
	return l.source.BlockNumber(ctx)
}

// Timestamp returns a block's timestamp, consulting the cache first.
func (l *Locator) Timestamp(ctx context.Context, block uint64) (time.Time, error) {
	ts, ok, err := l.cache.Get(ctx, l.chainID, block)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return ts, nil
	}

	ts, err = l.source.BlockTimestamp(ctx, block)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch block %d: %w", block, err)
	}
	if err := l.cache.Put(ctx, l.chainID, block, ts); err != nil {
		l.logger.Warn().Err(err).Uint64("block", block).Msg("Failed to cache block timestamp")
	}
	return ts.UTC(), nil
}

// Locate returns the block whose timestamp is closest to ts, preferring the
// earlier block on ties. Targets before genesis map to 0 and targets past the
// head map to the head.
func (l *Locator) Locate(ctx context.Context, ts time.Time) (uint64, error) {
	head, err := l.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain head: %w", err)
	}

	first, err := l.Timestamp(ctx, 0)
	if err != nil {
		return 0, err
	}
	if !first.Before(ts) {
		return 0, nil
	}
	last, err := l.Timestamp(ctx, head)
	if err != nil {
		return 0, err
	}
	if last.Before(ts) {
		return head, nil
	}

	// ts(lo) < target <= ts(hi)
	lo, hi := uint64(0), head
	if e, ok, err := l.cache.NearestBefore(ctx, l.chainID, ts); err == nil && ok && e.Number > lo && e.Number < hi {
		lo = e.Number
	}
	if e, ok, err := l.cache.NearestAfter(ctx, l.chainID, ts); err == nil && ok && e.Number > lo && e.Number < hi {
		hi = e.Number
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		t, err := l.Timestamp(ctx, mid)
		if err != nil {
			return 0, err
		}
		if t.Before(ts) {
			lo = mid
		} else {
			hi = mid
		}
	}

	loTS, err := l.Timestamp(ctx, lo)
	if err != nil {
		return 0, err
	}
	hiTS, err := l.Timestamp(ctx, hi)
	if err != nil {
		return 0, err
	}
	if ts.Sub(loTS) <= hiTS.Sub(ts) {
		return lo, nil
	}
	return hi, nil
}
