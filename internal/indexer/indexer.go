// Package indexer wires the shared services and runs one listener per
// configured chain.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zilstream/grants-indexer/internal/api"
	"github.com/zilstream/grants-indexer/internal/blocks"
	"github.com/zilstream/grants-indexer/internal/chains"
	"github.com/zilstream/grants-indexer/internal/config"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/listener"
	"github.com/zilstream/grants-indexer/internal/metadata"
	"github.com/zilstream/grants-indexer/internal/metrics"
	"github.com/zilstream/grants-indexer/internal/modules/allov1"
	"github.com/zilstream/grants-indexer/internal/modules/allov2"
	"github.com/zilstream/grants-indexer/internal/modules/core"
	"github.com/zilstream/grants-indexer/internal/prices"
	"github.com/zilstream/grants-indexer/internal/realtime"
	"github.com/zilstream/grants-indexer/internal/retry"
	"github.com/zilstream/grants-indexer/internal/rpc"
	"github.com/zilstream/grants-indexer/internal/subscriptions"
)

// Indexer owns the services shared by every chain.
type Indexer struct {
	config   *config.Config
	catalog  *chains.Catalog
	registry *core.Registry
	store    database.Store
	blocks   *blocks.Cache
	resolver *prices.Resolver
	poller   *prices.Poller
	metadata *metadata.Fetcher
	redis    *metadata.RedisCache
	pruner   *subscriptions.Pruner
	realtime *realtime.Publisher

	logger zerolog.Logger
}

// NewIndexer opens the store and builds the shared services. Chains are
// connected in Start.
func NewIndexer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Indexer, error) {
	i := &Indexer{config: cfg, logger: logger}
	if err := i.init(ctx); err != nil {
		i.close()
		return nil, err
	}
	return i, nil
}

func (i *Indexer) init(ctx context.Context) error {
	cfg := i.config
	var err error

	i.catalog, err = chains.NewLoader(i.logger).Load(cfg.Indexer.CatalogPath)
	if err != nil {
		return err
	}

	i.registry = core.NewRegistry(i.logger)
	if err := allov1.Register(i.registry); err != nil {
		return fmt.Errorf("register allo v1: %w", err)
	}
	if err := allov2.Register(i.registry); err != nil {
		return fmt.Errorf("register allo v2: %w", err)
	}

	i.store, err = openStore(ctx, cfg, i.logger)
	if err != nil {
		return err
	}

	i.blocks, err = blocks.OpenCache(cfg.Storage.BlockCachePath, 0, i.logger)
	if err != nil {
		return fmt.Errorf("open block cache: %w", err)
	}

	policy := retryPolicy(cfg.Retry)
	coingecko := prices.NewCoinGeckoClient(prices.CoinGeckoConfig{
		BaseURL: cfg.Prices.CoingeckoURL,
		APIKey:  cfg.Prices.CoingeckoAPIKey,
		Retry:   policy,
	}, i.logger)
	i.resolver, err = prices.NewResolver(i.catalog, i.store, coingecko, prices.ResolverConfig{
		BucketSize: cfg.Prices.BucketSize,
		CacheSize:  cfg.Prices.CacheSize,
	}, i.logger)
	if err != nil {
		return err
	}
	i.poller = prices.NewPoller(i.resolver, prices.PollerConfig{Interval: cfg.Prices.PollInterval}, i.logger)

	var cache metadata.Cache
	if cfg.Metadata.RedisURL != "" {
		i.redis, err = metadata.NewRedisCacheFromURL(ctx, cfg.Metadata.RedisURL, cfg.Metadata.CacheTTL)
		if err != nil {
			return fmt.Errorf("connect metadata cache: %w", err)
		}
		cache = i.redis
	}
	i.metadata = metadata.NewFetcher(metadata.Config{
		Gateways:      cfg.Metadata.Gateways,
		Timeout:       cfg.Metadata.Timeout,
		MaxConcurrent: cfg.Metadata.MaxConcurrent,
		Retry:         policy,
	}, cache, i.logger)

	i.pruner, err = subscriptions.NewPruner(subscriptions.PrunerConfig{
		Interval:   cfg.Subscriptions.PruneInterval,
		Expiration: cfg.Subscriptions.Expiration,
	}, i.logger)
	if err != nil {
		return fmt.Errorf("create subscription pruner: %w", err)
	}

	if cfg.Realtime.APIURL != "" {
		i.realtime = realtime.NewPublisher(realtime.PublishConfig{
			APIURL: cfg.Realtime.APIURL,
			APIKey: cfg.Realtime.APIKey,
		}, i.store, i.logger)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (database.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("Using in-memory store; state is rebuilt from the event log on every start")
		return database.NewMemoryStore(), nil
	}

	if err := database.RunMigrations(ctx, &cfg.Database, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	donations := database.NewDonationBuffer(database.NewCopySink(db), database.DonationBufferConfig{
		MaxBatchSize:  cfg.Database.DonationBatchSize,
		FlushInterval: cfg.Database.DonationFlushInterval,
		OnFlush:       func(n int) { metrics.DonationFlushSize.Observe(float64(n)) },
	}, logger)
	return database.NewPGStore(db, donations, logger), nil
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.InitialInterval = cfg.InitialInterval
	p.MaxInterval = cfg.MaxInterval
	return p
}

// Start runs every chain until a signal arrives or a chain halts.
func (i *Indexer) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	var (
		clients   []*rpc.Client
		listeners []*listener.Listener
	)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	for _, chainCfg := range i.config.Indexer.Chains {
		l, client, err := i.newListener(gctx, chainCfg)
		if err != nil {
			return err
		}
		clients = append(clients, client)
		listeners = append(listeners, l)
	}

	if err := i.pruner.Start(gctx); err != nil {
		return fmt.Errorf("start subscription pruner: %w", err)
	}
	reporters := make([]api.ChainReporter, 0, len(listeners))
	for _, l := range listeners {
		l := l
		reporters = append(reporters, l)
		g.Go(func() error { return l.Run(gctx) })
	}
	if port := i.config.Server.MetricsPort; port != 0 {
		health := api.NewHealthServer(port, reporters, i.logger)
		g.Go(func() error { return health.Start(gctx) })
	}
	g.Go(func() error {
		if err := i.poller.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	i.logger.Info().Int("chains", len(i.config.Indexer.Chains)).Msg("Indexer started")
	err := g.Wait()
	if err != nil {
		i.logger.Error().Err(err).Msg("Indexer halted")
	} else {
		i.logger.Info().Msg("Shutdown requested")
	}
	return err
}

// Rebuild replays the event logs of the given chains, or of every configured
// chain when none are named, without polling for new blocks.
func (i *Indexer) Rebuild(ctx context.Context, chainIDs ...int64) error {
	filter := len(chainIDs) > 0
	wanted := make(map[int64]bool, len(chainIDs))
	for _, id := range chainIDs {
		wanted[id] = true
	}

	type target struct {
		id       int64
		listener *listener.Listener
		client   *rpc.Client
	}
	var targets []target
	defer func() {
		for _, t := range targets {
			t.client.Close()
		}
	}()
	for _, chainCfg := range i.config.Indexer.Chains {
		if filter && !wanted[chainCfg.ID] {
			continue
		}
		delete(wanted, chainCfg.ID)
		l, client, err := i.newListener(ctx, chainCfg)
		if err != nil {
			return err
		}
		targets = append(targets, target{chainCfg.ID, l, client})
	}
	for id := range wanted {
		return fmt.Errorf("chain %d is not configured", id)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			start := time.Now()
			if err := t.listener.Rebuild(gctx); err != nil {
				return fmt.Errorf("rebuild chain %d: %w", t.id, err)
			}
			i.logger.Info().
				Int64("chain_id", t.id).
				Uint64("indexed_block", t.listener.Status().IndexedBlock).
				Dur("elapsed", time.Since(start)).
				Msg("Chain rebuilt")
			return nil
		})
	}
	return g.Wait()
}

func (i *Indexer) newListener(ctx context.Context, chainCfg config.ChainConfig) (*listener.Listener, *rpc.Client, error) {
	chain, ok := i.catalog.Chain(chainCfg.ID)
	if !ok {
		return nil, nil, fmt.Errorf("chain %d is not in the catalog", chainCfg.ID)
	}
	static := chain.StaticSubscriptions(chainCfg.FromBlock)
	if err := i.registry.Validate(static); err != nil {
		return nil, nil, fmt.Errorf("chain %d: %w", chainCfg.ID, err)
	}

	client, err := rpc.NewClient(ctx, rpc.Config{
		Endpoint:      chainCfg.RPCURL,
		ChainID:       chainCfg.ID,
		MaxBlockRange: i.config.Indexer.MaxBlockRange,
		Retry:         retryPolicy(i.config.Retry),
	}, i.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("chain %d: %w", chainCfg.ID, err)
	}

	locator := blocks.NewLocator(chainCfg.ID, client, i.blocks, i.logger)
	i.resolver.AddChain(chainCfg.ID, locator)

	subs := subscriptions.NewManager(chainCfg.ID)
	i.pruner.AddChain(chainCfg.ID, subs, locator)

	hctx := &core.Context{
		ChainID:   chainCfg.ID,
		Store:     i.store,
		Prices:    i.resolver,
		Contracts: client,
		Chain:     client,
		Metadata:  i.metadata,
		Logger:    i.logger.With().Int64("chain_id", chainCfg.ID).Logger(),
	}

	var notifier listener.Notifier
	if i.realtime != nil {
		notifier = i.realtime
	}

	l := listener.New(listener.Config{
		ChainID:       chainCfg.ID,
		PollInterval:  i.config.Indexer.PollInterval,
		Confirmations: i.config.Indexer.Confirmations,
		MaxBlockRange: i.config.Indexer.MaxBlockRange,
		LogPath:       filepath.Join(i.config.Storage.DataDir, strconv.FormatInt(chainCfg.ID, 10)+".jsonl"),
		Static:        static,
	}, client, i.registry, i.store, hctx, subs, notifier, i.logger)

	i.logger.Info().
		Int64("chain_id", chainCfg.ID).
		Str("name", chain.Name).
		Int("static_subscriptions", len(static)).
		Msg("Chain configured")
	return l, client, nil
}

// Stop releases the shared services. Listeners stop themselves when Start
// returns.
func (i *Indexer) Stop() {
	i.logger.Info().Msg("Stopping indexer")
	i.close()
	i.logger.Info().Msg("Indexer stopped")
}

func (i *Indexer) close() {
	if i.pruner != nil {
		if err := i.pruner.Stop(); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to stop subscription pruner")
		}
	}
	if i.realtime != nil {
		_ = i.realtime.Close()
	}
	if i.store != nil {
		if err := i.store.Close(); err != nil {
			i.logger.Error().Err(err).Msg("Failed to close store")
		}
	}
	if i.blocks != nil {
		_ = i.blocks.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
}
