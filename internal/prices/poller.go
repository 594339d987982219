package prices

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/models"
)

const defaultPollInterval = 5 * time.Minute

type PollerConfig struct {
	Interval time.Duration
}

// Poller keeps the newest price of every catalog token current, so that
// ResolveLatest rarely falls through to a range fetch.
type Poller struct {
	resolver *Resolver
	interval time.Duration
	logger   zerolog.Logger
}

func NewPoller(resolver *Resolver, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	return &Poller{
		resolver: resolver,
		interval: cfg.Interval,
		logger:   logger.With().Str("component", "price_poller").Logger(),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("Starting price poller")

	if err := p.PollOnce(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Initial price poll failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Price poller shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Failed to poll prices")
			}
		}
	}
}

// PollOnce stores the current quote of every token on every registered
// chain. Tokens that fail are logged and the rest still polled; the last
// failure is returned.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.resolver.mu.RLock()
	chainIDs := make([]int64, 0, len(p.resolver.locators))
	for id := range p.resolver.locators {
		chainIDs = append(chainIDs, id)
	}
	p.resolver.mu.RUnlock()
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	var lastErr error
	for _, chainID := range chainIDs {
		ch, ok := p.resolver.catalog.Chain(chainID)
		if !ok {
			continue
		}
		for _, token := range ch.Tokens {
			if err := p.pollToken(ctx, chainID, token.Address); err != nil {
				p.logger.Warn().
					Err(err).
					Int64("chain_id", chainID).
					Str("token", token.Code).
					Msg("Failed to poll token price")
				lastErr = err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (p *Poller) pollToken(ctx context.Context, chainID int64, address string) error {
	token, err := p.resolver.token(chainID, address)
	if err != nil {
		return err
	}
	loc, err := p.resolver.locator(chainID)
	if err != nil {
		return err
	}

	sample, err := p.resolver.client.FetchLatest(ctx, token)
	if err != nil {
		return fmt.Errorf("fetch latest: %w", err)
	}
	block, err := loc.Locate(ctx, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("locate %s: %w", sample.Timestamp.Format(time.RFC3339), err)
	}

	if err := p.resolver.store.Mutate(ctx, changeset.InsertPrice{Price: models.Price{
		ChainID:      chainID,
		TokenAddress: token.Address,
		BlockNumber:  block,
		PriceInUSD:   ToFixed(sample.USD),
		Timestamp:    sample.Timestamp,
	}}); err != nil {
		return fmt.Errorf("store price: %w", err)
	}

	p.logger.Debug().
		Int64("chain_id", chainID).
		Str("token", token.Code).
		Uint64("block", block).
		Str("usd", sample.USD.String()).
		Msg("Stored latest price")
	return nil
}
