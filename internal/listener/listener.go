// Package listener drives one chain: it rebuilds state from the event log,
// then polls the node for new logs and applies them in block order.
package listener

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/eventlog"
	"github.com/zilstream/grants-indexer/internal/metrics"
	"github.com/zilstream/grants-indexer/internal/modules/core"
	"github.com/zilstream/grants-indexer/internal/subscriptions"
)

type State int

const (
	StateStarting State = iota
	StateReplaying
	StateListening
	StateStopped
)

var stateNames = [...]string{"starting", "replaying", "listening", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

const (
	DefaultPollInterval  = 20 * time.Second
	DefaultMaxBlockRange = 10000
)

type Config struct {
	ChainID       int64
	PollInterval  time.Duration
	Confirmations uint64
	MaxBlockRange uint64
	// LogPath is the chain's JSONL event log.
	LogPath string
	// Static are the subscriptions every run starts with.
	Static []changeset.Subscription
}

type Listener struct {
	cfg      Config
	source   Source
	registry *core.Registry
	parser   *core.Parser
	store    database.Store
	hctx     *core.Context
	subs     *subscriptions.Manager
	notifier Notifier
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	indexed   uint64
	haltErr   error
	log       *eventlog.Log
	scheduler gocron.Scheduler

	// unlogged holds processed events at or above the lowest cursor. They
	// reach the event log once every subscription has indexed past them.
	unlogged []*event.Event

	pollMu   sync.Mutex
	fatal    chan error
	stopOnce sync.Once
	stopErr  error
}

// New builds a listener. The handler context must read from store. notifier
// may be nil.
func New(cfg Config, source Source, registry *core.Registry, store database.Store, hctx *core.Context,
	subs *subscriptions.Manager, notifier Notifier, logger zerolog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultMaxBlockRange
	}
	l := &Listener{
		cfg:      cfg,
		source:   source,
		registry: registry,
		parser:   core.NewParser(cfg.ChainID, registry),
		store:    store,
		hctx:     hctx,
		subs:     subs,
		notifier: notifier,
		fatal:    make(chan error, 1),
		logger:   logger.With().Str("component", "listener").Int64("chain_id", cfg.ChainID).Logger(),
	}
	l.setState(StateStarting)
	return l
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()

	chain := metrics.Chain(l.cfg.ChainID)
	for i, name := range stateNames {
		v := 0.0
		if State(i) == s {
			v = 1
		}
		metrics.ListenerState.WithLabelValues(chain, name).Set(v)
	}
}

// Start rebuilds the chain from its event log and schedules polling.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.bootstrap(ctx); err != nil {
		return err
	}
	return l.schedule(ctx)
}

// Rebuild resets the chain's store state from the event log and stops. The
// node is only consulted by handlers that read contracts.
func (l *Listener) Rebuild(ctx context.Context) error {
	err := l.bootstrap(ctx)
	return errors.Join(err, l.Stop())
}

func (l *Listener) bootstrap(ctx context.Context) error {
	l.setState(StateStarting)
	if err := l.store.ResetChain(ctx, l.cfg.ChainID); err != nil {
		return fmt.Errorf("reset chain %d: %w", l.cfg.ChainID, err)
	}

	log, err := eventlog.Open(l.cfg.LogPath, l.logger)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.log = log
	l.mu.Unlock()

	l.setState(StateReplaying)
	var deferred []changeset.Subscription
	stats, err := log.Replay(ctx, func(ev *event.Event) error {
		css, err := l.process(ctx, ev)
		if err != nil {
			return err
		}
		_, subs := changeset.Split(css)
		deferred = append(deferred, subs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", log.Path(), err)
	}
	if err := l.store.Drain(ctx); err != nil {
		return fmt.Errorf("drain after replay: %w", err)
	}

	// Every subscription was indexed through the last logged block when it
	// was written.
	var resume uint64
	if stats.Events > 0 {
		resume = stats.LastBlock + 1
	}
	activate := append(append([]changeset.Subscription(nil), l.cfg.Static...), deferred...)
	for _, sub := range activate {
		l.subs.AddAt(sub, resume)
	}
	if stats.Events > 0 {
		l.setIndexed(stats.LastBlock)
	}

	l.logger.Info().
		Int("replayed_events", stats.Events).
		Uint64("last_block", stats.LastBlock).
		Int("subscriptions", l.subs.Len()).
		Msg("Listener ready")
	l.setState(StateListening)
	return nil
}

func (l *Listener) schedule(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(l.cfg.PollInterval),
		gocron.NewTask(l.pollJob, ctx),
		gocron.WithName(fmt.Sprintf("poll-chain-%d", l.cfg.ChainID)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule poll: %w", err)
	}

	l.mu.Lock()
	l.scheduler = s
	l.mu.Unlock()
	s.Start()
	return nil
}

func (l *Listener) pollJob(ctx context.Context) {
	if l.State() != StateListening {
		return
	}
	err := l.Poll(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		l.logger.Warn().Err(err).Msg("Poll cycle failed, retrying on next tick")
		return
	}
	select {
	case l.fatal <- err:
	default:
	}
}

// Run starts the listener and blocks until ctx is cancelled or a poll fails
// fatally. The listener is stopped before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return errors.Join(err, l.Stop())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-l.fatal:
		l.logger.Error().Err(runErr).Msg("Listener halted")
	}
	return errors.Join(runErr, l.Stop())
}

// Stop shuts the scheduler down, drains the store buffer and closes the
// event log. Calling it again is a no-op.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		scheduler, log := l.scheduler, l.log
		l.mu.Unlock()

		var errs []error
		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("shutdown scheduler: %w", err))
			}
		}

		l.pollMu.Lock()
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := l.store.Drain(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain store: %w", err))
		}
		cancel()
		if log != nil {
			if err := log.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		l.setState(StateStopped)
		l.pollMu.Unlock()

		l.logger.Info().Msg("Listener stopped")
		l.stopErr = errors.Join(errs...)
	})
	return l.stopErr
}

// Poll indexes every subscription up to the confirmed head. An event is
// appended to the event log once every subscription has indexed its block,
// even when a later window fails. After a failure other than a FetchError the listener is
// halted and every later Poll returns that failure.
func (l *Listener) Poll(ctx context.Context) error {
	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	l.mu.Lock()
	halted := l.haltErr
	l.mu.Unlock()
	if halted != nil {
		return halted
	}
	if l.State() != StateListening {
		return fmt.Errorf("listener for chain %d is %s", l.cfg.ChainID, l.State())
	}

	err := l.poll(ctx)
	var fetchErr *FetchError
	if err != nil && !errors.As(err, &fetchErr) {
		l.mu.Lock()
		l.haltErr = err
		l.mu.Unlock()
	}
	return err
}

// Status is a point-in-time summary for health checks.
type Status struct {
	ChainID       int64  `json:"chain_id"`
	State         string `json:"state"`
	IndexedBlock  uint64 `json:"indexed_block"`
	Subscriptions int    `json:"subscriptions"`
	Halted        string `json:"halted,omitempty"`
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		ChainID:       l.cfg.ChainID,
		State:         l.state.String(),
		IndexedBlock:  l.indexed,
		Subscriptions: l.subs.Len(),
	}
	if l.haltErr != nil {
		st.Halted = l.haltErr.Error()
	}
	return st
}

func (l *Listener) setIndexed(block uint64) {
	l.mu.Lock()
	if block > l.indexed {
		l.indexed = block
	}
	l.mu.Unlock()
	metrics.IndexedBlock.WithLabelValues(metrics.Chain(l.cfg.ChainID)).Set(float64(block))
}

func (l *Listener) poll(ctx context.Context) error {
	chain := metrics.Chain(l.cfg.ChainID)
	start := time.Now()
	defer func() {
		metrics.PollDuration.WithLabelValues(chain).Observe(time.Since(start).Seconds())
	}()

	head, err := l.source.BlockNumber(ctx)
	if err != nil {
		return &FetchError{Err: err}
	}
	if head < l.cfg.Confirmations {
		return nil
	}
	target := head - l.cfg.Confirmations

	var (
		processed int
		touched   []changeset.Changeset
		pollErr   error
	)
	for {
		behind := l.subs.Behind(target)
		if len(behind) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			pollErr = err
			break
		}

		events, css, err := l.window(ctx, behind, target)
		if err != nil {
			pollErr = err
			break
		}
		processed += len(events)
		l.unlogged = append(l.unlogged, events...)
		touched = append(touched, css...)
	}

	if err := l.flushLog(); err != nil {
		return errors.Join(pollErr, err)
	}
	if err := l.store.Drain(ctx); err != nil {
		return errors.Join(pollErr, fmt.Errorf("drain store: %w", err))
	}
	if l.notifier != nil {
		if ids := changeset.RoundIDs(touched); len(ids) > 0 {
			l.notifier.RoundsChanged(l.cfg.ChainID, target, ids)
		}
	}
	if pollErr != nil {
		return pollErr
	}

	l.setIndexed(target)
	if processed > 0 {
		l.logger.Info().
			Int("events", processed).
			Uint64("head", head).
			Uint64("target", target).
			Dur("elapsed", time.Since(start)).
			Msg("Poll cycle complete")
	}
	return nil
}

// flushLog appends the held events whose block every subscription has
// indexed. The rest stay held in processing order.
func (l *Listener) flushLog() error {
	if len(l.unlogged) == 0 {
		return nil
	}
	low := uint64(math.MaxUint64)
	for _, e := range l.subs.Active() {
		low = min(low, e.Next)
	}

	var ready, held []*event.Event
	for _, ev := range l.unlogged {
		if ev.BlockNumber < low {
			ready = append(ready, ev)
		} else {
			held = append(held, ev)
		}
	}
	if err := l.log.Append(ready); err != nil {
		return err
	}
	l.unlogged = held
	return nil
}

// window processes one block range starting at the lowest cursor. Logs are
// fetched per distinct cursor, merged and applied in (block, logIndex) order.
func (l *Listener) window(ctx context.Context, behind []subscriptions.Entry, target uint64) ([]*event.Event, []changeset.Changeset, error) {
	from := behind[0].Next
	to := from + l.cfg.MaxBlockRange - 1
	if to > target || to < from {
		to = target
	}

	cursors := make(map[uint64][]string)
	var order []uint64
	var addrs []string
	for _, e := range behind {
		if e.Next > to {
			continue
		}
		if _, ok := cursors[e.Next]; !ok {
			order = append(order, e.Next)
		}
		cursors[e.Next] = append(cursors[e.Next], e.Address)
		addrs = append(addrs, e.Address)
	}

	var logs []types.Log
	for _, next := range order {
		got, err := l.source.Logs(ctx, cursors[next], next, to)
		if err != nil {
			return nil, nil, &FetchError{From: next, To: to, Err: err}
		}
		logs = append(logs, got...)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	var (
		events  []*event.Event
		touched []changeset.Changeset
	)
	for _, raw := range logs {
		entry, ok := l.subs.Get(raw.Address.Hex())
		if !ok || raw.BlockNumber < entry.Next || raw.Removed {
			continue
		}
		ev, err := l.parser.Decode(entry.Subscription, raw)
		if err != nil {
			var decodeErr *core.DecodeError
			if !errors.As(err, &decodeErr) {
				return nil, nil, err
			}
			l.logger.Warn().Err(err).
				Uint64("block", raw.BlockNumber).
				Str("tx", raw.TxHash.Hex()).
				Msg("Skipping undecodable log")
			metrics.EventsSkipped.WithLabelValues(metrics.Chain(l.cfg.ChainID), "decode").Inc()
			continue
		}
		if ev == nil {
			continue
		}

		css, err := l.process(ctx, ev)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
		touched = append(touched, css...)

		_, subs := changeset.Split(css)
		for _, sub := range subs {
			if l.subs.Add(sub) {
				l.logger.Info().
					Str("contract", sub.ContractName).
					Str("address", sub.Address).
					Uint64("from_block", sub.FromBlock).
					Msg("Subscribed to contract")
			}
		}
	}

	l.subs.MarkIndexed(addrs, to)
	return events, touched, nil
}

// process dispatches an event and applies its store mutations atomically.
// Subscription requests are returned to the caller with the mutations.
// Known-domain failures drop the event and return no changesets.
func (l *Listener) process(ctx context.Context, ev *event.Event) ([]changeset.Changeset, error) {
	chain := metrics.Chain(l.cfg.ChainID)

	css, err := l.registry.Dispatch(ctx, l.hctx, ev)
	if err != nil {
		if reason, ok := skipReason(err); ok {
			l.logger.Warn().Err(err).
				Str("contract", ev.ContractName).
				Str("event", ev.Name).
				Uint64("block", ev.BlockNumber).
				Str("tx", ev.TransactionHash).
				Msg("Skipping event")
			metrics.EventsSkipped.WithLabelValues(chain, reason).Inc()
			return nil, nil
		}
		return nil, l.wrap(ev, err)
	}

	mutations, _ := changeset.Split(css)
	if len(mutations) > 0 {
		if err := l.store.MutateMany(ctx, mutations); err != nil {
			return nil, l.wrap(ev, err)
		}
	}
	metrics.EventsProcessed.WithLabelValues(chain, ev.ContractName).Inc()
	return css, nil
}

func (l *Listener) wrap(ev *event.Event, err error) error {
	return &ProcessError{
		ChainID:  l.cfg.ChainID,
		Contract: ev.ContractName,
		Event:    ev.Name,
		Block:    ev.BlockNumber,
		TxHash:   ev.TransactionHash,
		Err:      err,
	}
}
