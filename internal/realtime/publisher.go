// Package realtime pushes round updates to Centrifugo as they are indexed.
package realtime

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/centrifugal/gocent/v3"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/models"
)

const (
	flushInterval = 250 * time.Millisecond
	batchChannel  = "grants.rounds"
)

// centrifugo is the subset of gocent.Client the publisher uses.
type centrifugo interface {
	Publish(ctx context.Context, channel string, data []byte, opts ...gocent.PublishOption) (gocent.PublishResult, error)
}

type PublishConfig struct {
	APIURL string
	APIKey string
}

type roundRef struct {
	chainID int64
	id      string
}

// Publisher coalesces round changes and publishes a summary of each changed
// round once per flush.
type Publisher struct {
	gc     centrifugo
	store  database.Reader
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[roundRef]struct{}
	blocks  map[int64]uint64

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPublisher(config PublishConfig, store database.Reader, logger zerolog.Logger) *Publisher {
	p := newPublisher(gocent.New(gocent.Config{
		Addr: config.APIURL,
		Key:  config.APIKey,
	}), store, logger)
	p.startFlusher()
	return p
}

func newPublisher(gc centrifugo, store database.Reader, logger zerolog.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		gc:      gc,
		store:   store,
		logger:  logger.With().Str("component", "realtime-publisher").Logger(),
		pending: make(map[roundRef]struct{}),
		blocks:  make(map[int64]uint64),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Publisher) startFlusher() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				p.logger.Info().Msg("Stopping publisher flusher")
				return
			case <-ticker.C:
				p.flush(p.ctx)
			case <-p.flushCh:
				p.flush(p.ctx)
			}
		}
	}()
}

// RoundsChanged queues rounds for publication at the given block.
func (p *Publisher) RoundsChanged(chainID int64, block uint64, roundIDs []string) {
	if len(roundIDs) == 0 {
		return
	}
	p.mu.Lock()
	for _, id := range roundIDs {
		p.pending[roundRef{chainID, id}] = struct{}{}
	}
	if block > p.blocks[chainID] {
		p.blocks[chainID] = block
	}
	p.mu.Unlock()

	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *Publisher) Flush() {
	p.flush(p.ctx)
}

type roundSummary struct {
	ChainID                 int64   `json:"chainId"`
	ID                      string  `json:"id"`
	StrategyName            string  `json:"strategyName"`
	MatchTokenAddress       string  `json:"matchTokenAddress"`
	MatchAmount             string  `json:"matchAmount"`
	MatchAmountInUSD        string  `json:"matchAmountInUsd"`
	FundedAmount            string  `json:"fundedAmount"`
	FundedAmountInUSD       string  `json:"fundedAmountInUsd"`
	TotalAmountDonatedInUSD string  `json:"totalAmountDonatedInUsd"`
	TotalDonationsCount     int64   `json:"totalDonationsCount"`
	UniqueDonorsCount       int64   `json:"uniqueDonorsCount"`
	TotalDistributed        string  `json:"totalDistributed"`
	RoundMetadataCID        *string `json:"roundMetadataCid,omitempty"`
	UpdatedAtBlock          uint64  `json:"updatedAtBlock"`
}

func summarize(r *models.Round) roundSummary {
	s := roundSummary{
		ChainID:                 r.ChainID,
		ID:                      r.ID,
		StrategyName:            r.StrategyName,
		MatchTokenAddress:       r.MatchTokenAddress,
		MatchAmountInUSD:        r.MatchAmountInUSD.String(),
		FundedAmountInUSD:       r.FundedAmountInUSD.String(),
		TotalAmountDonatedInUSD: r.TotalAmountDonatedInUSD.String(),
		TotalDonationsCount:     r.TotalDonationsCount,
		UniqueDonorsCount:       r.UniqueDonorsCount,
		RoundMetadataCID:        r.RoundMetadataCID,
		UpdatedAtBlock:          r.UpdatedAtBlock,
	}
	s.MatchAmount = bigString(r.MatchAmount)
	s.FundedAmount = bigString(r.FundedAmount)
	s.TotalDistributed = bigString(r.TotalDistributed)
	return s
}

func bigString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	refs := make([]roundRef, 0, len(p.pending))
	for ref := range p.pending {
		refs = append(refs, ref)
	}
	blocks := make(map[int64]uint64, len(p.blocks))
	for k, v := range p.blocks {
		blocks[k] = v
	}
	p.pending = make(map[roundRef]struct{})
	p.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].chainID != refs[j].chainID {
			return refs[i].chainID < refs[j].chainID
		}
		return refs[i].id < refs[j].id
	})

	p.logger.Debug().Int("count", len(refs)).Msg("Flushing round updates")

	ts := time.Now().UTC().Unix()
	items := make([]roundSummary, 0, len(refs))
	for _, ref := range refs {
		round, err := p.store.GetRound(ctx, ref.chainID, ref.id)
		if err != nil {
			p.logger.Warn().Err(err).Int64("chain_id", ref.chainID).Str("round", ref.id).Msg("Failed to load round for publication")
			continue
		}
		summary := summarize(round)
		items = append(items, summary)

		channel := fmt.Sprintf("grants.round.%d.%s", ref.chainID, ref.id)
		p.publish(ctx, channel, map[string]any{
			"type":         "round.update",
			"block_number": blocks[ref.chainID],
			"ts":           ts,
			"round":        summary,
		})
	}

	if len(items) == 0 {
		return
	}
	p.publish(ctx, batchChannel, map[string]any{
		"type":  "round.batch",
		"ts":    ts,
		"items": items,
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, payload map[string]any) {
	data, err := sonnet.Marshal(payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to marshal payload")
		return
	}
	if _, err := p.gc.Publish(ctx, channel, data); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to publish round update")
	}
}

// Close stops the flusher after publishing whatever is pending.
func (p *Publisher) Close() error {
	p.logger.Info().Msg("Closing publisher")
	p.flush(p.ctx)
	p.cancel()
	p.wg.Wait()
	return nil
}
