package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/metrics"
)

const (
	DefaultPruneInterval = 10 * time.Minute
	defaultPruneWorkers  = 8
)

// BlockClock resolves block timestamps.
type BlockClock interface {
	Timestamp(ctx context.Context, block uint64) (time.Time, error)
}

type PrunerConfig struct {
	Interval time.Duration
	Workers  int
	// Expiration returns how long after its from block a contract stays
	// subscribed. Contracts without a window never expire.
	Expiration func(contractName string) (time.Duration, bool)
	Now        func() time.Time
}

type prunedChain struct {
	manager *Manager
	clock   BlockClock
}

// Pruner periodically removes subscriptions whose window has elapsed. It
// only edits managers; indexed data is left alone.
type Pruner struct {
	cfg       PrunerConfig
	scheduler gocron.Scheduler
	pool      *ants.Pool
	logger    zerolog.Logger

	mu     sync.RWMutex
	chains map[int64]prunedChain

	stopOnce sync.Once
	stopErr  error
}

func NewPruner(cfg PrunerConfig, logger zerolog.Logger) (*Pruner, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPruneInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPruneWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Expiration == nil {
		cfg.Expiration = func(string) (time.Duration, bool) { return 0, false }
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("create prune pool: %w", err)
	}

	return &Pruner{
		cfg:       cfg,
		scheduler: s,
		pool:      pool,
		chains:    make(map[int64]prunedChain),
		logger:    logger.With().Str("component", "subscription-pruner").Logger(),
	}, nil
}

// AddChain puts a chain's subscriptions under the pruner's care.
func (p *Pruner) AddChain(chainID int64, manager *Manager, clock BlockClock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chainID] = prunedChain{manager: manager, clock: clock}
}

func (p *Pruner) Start(ctx context.Context) error {
	_, err := p.scheduler.NewJob(
		gocron.DurationJob(p.cfg.Interval),
		gocron.NewTask(func(ctx context.Context) {
			if _, err := p.PruneOnce(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Subscription prune run had failures")
			}
		}, ctx),
		gocron.WithName("prune-subscriptions"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("Subscription pruner started")
	p.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down and releases the worker pool. Calling it
// again is a no-op.
func (p *Pruner) Stop() error {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stopping subscription pruner")
		p.stopErr = p.scheduler.Shutdown()
		p.pool.Release()
	})
	return p.stopErr
}

// PruneOnce checks every subscription with an expiration window and removes
// those whose window has ended. It returns how many were removed. A failed
// timestamp lookup keeps the subscription until the next run.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	p.mu.RLock()
	ids := make([]int64, 0, len(p.chains))
	chains := make(map[int64]prunedChain, len(p.chains))
	for id, ch := range p.chains {
		ids = append(ids, id)
		chains[id] = ch
	}
	p.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := p.cfg.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		removed int
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, chainID := range ids {
		ch := chains[chainID]
		for _, entry := range ch.manager.Active() {
			window, ok := p.cfg.Expiration(entry.ContractName)
			if !ok {
				continue
			}

			entry, chainID := entry, chainID
			wg.Add(1)
			err := p.pool.Submit(func() {
				defer wg.Done()

				start, err := ch.clock.Timestamp(ctx, entry.FromBlock)
				if err != nil {
					fail(fmt.Errorf("chain %d %s: %w", chainID, entry.Address, err))
					return
				}
				if now.Before(start.Add(window)) {
					return
				}
				if ch.manager.Remove(entry.Address) {
					mu.Lock()
					removed++
					mu.Unlock()
					metrics.SubscriptionsPruned.WithLabelValues(metrics.Chain(chainID)).Inc()
					p.logger.Info().
						Int64("chain_id", chainID).
						Str("contract", entry.ContractName).
						Str("address", entry.Address).
						Time("subscribed_at", start).
						Msg("Subscription expired")
				}
			})
			if err != nil {
				wg.Done()
				fail(fmt.Errorf("submit prune task: %w", err))
			}
		}
	}
	wg.Wait()

	return removed, errors.Join(errs...)
}
