package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/models"
)

// DonationSink persists a batch of donations idempotently.
type DonationSink interface {
	WriteDonations(ctx context.Context, donations []models.Donation) error
}

type DonationBufferConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	// OnFlush, when set, observes the size of every successful flush.
	OnFlush func(n int)
}

// DonationBuffer collects donations and writes them in batches, either when
// MaxBatchSize rows are pending or every FlushInterval.
type DonationBuffer struct {
	sink   DonationSink
	cfg    DonationBufferConfig
	logger zerolog.Logger

	mu      sync.Mutex
	pending []models.Donation

	// flushMu serializes writers so Drain observes every earlier batch.
	flushMu sync.Mutex

	flushCh   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewDonationBuffer(sink DonationSink, cfg DonationBufferConfig, logger zerolog.Logger) *DonationBuffer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &DonationBuffer{
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("component", "donation_buffer").Logger(),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.startFlusher()
	return b
}

func (b *DonationBuffer) startFlusher() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
			case <-b.flushCh:
			}
			if err := b.flush(b.ctx); err != nil && b.ctx.Err() == nil {
				b.logger.Error().Err(err).Msg("Background donation flush failed")
			}
		}
	}()
}

// Add queues donations. It never blocks on the database.
func (b *DonationBuffer) Add(donations ...models.Donation) {
	b.mu.Lock()
	b.pending = append(b.pending, donations...)
	full := len(b.pending) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many donations are not yet written.
func (b *DonationBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drain writes everything queued so far and returns once it is durable.
func (b *DonationBuffer) Drain(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *DonationBuffer) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return nil
		}
		n := len(b.pending)
		if n > b.cfg.MaxBatchSize {
			n = b.cfg.MaxBatchSize
		}
		batch := make([]models.Donation, n)
		copy(batch, b.pending[:n])
		b.mu.Unlock()

		start := time.Now()
		if err := b.sink.WriteDonations(ctx, batch); err != nil {
			return fmt.Errorf("write %d donations: %w", len(batch), err)
		}

		// Only drop the batch once it is written; a failed write stays queued.
		b.mu.Lock()
		b.pending = b.pending[n:]
		b.mu.Unlock()

		if b.cfg.OnFlush != nil {
			b.cfg.OnFlush(n)
		}
		b.logger.Debug().
			Int("count", n).
			Dur("elapsed", time.Since(start)).
			Msg("Flushed donations")
	}
}

// Close drains the buffer and stops the background flusher.
func (b *DonationBuffer) Close() error {
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		b.closeErr = b.Drain(ctx)
		b.cancel()
		b.wg.Wait()
	})
	return b.closeErr
}

// CopySink writes donations with COPY into a temp table followed by an
// idempotent INSERT ... SELECT.
type CopySink struct {
	pool *pgxpool.Pool
}

func NewCopySink(db *Database) *CopySink {
	return &CopySink{pool: db.pool}
}

var donationCopyColumns = []string{
	"chain_id", "id", "round_id", "application_id", "project_id", "donor_address", "recipient_address",
	"token_address", "amount", "amount_in_usd", "amount_in_round_match_token", "transaction_hash",
	"block_number", "timestamp",
}

func (s *CopySink) WriteDonations(ctx context.Context, donations []models.Donation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin donation batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		CREATE TEMPORARY TABLE temp_donations (LIKE donations INCLUDING DEFAULTS) ON COMMIT DROP
	`); err != nil {
		return fmt.Errorf("failed to create temp donations table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"temp_donations"}, donationCopyColumns,
		&donationCopySource{donations: donations, idx: -1}); err != nil {
		return fmt.Errorf("failed to copy donations: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO donations SELECT * FROM temp_donations
		ON CONFLICT (chain_id, id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("failed to insert donations from temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit donation batch: %w", err)
	}
	return nil
}

// donationCopySource implements pgx.CopyFromSource for donations
type donationCopySource struct {
	donations []models.Donation
	idx       int
}

func (s *donationCopySource) Next() bool {
	s.idx++
	return s.idx < len(s.donations)
}

func (s *donationCopySource) Values() ([]any, error) {
	return donationValues(s.donations[s.idx]), nil
}

func (s *donationCopySource) Err() error {
	return nil
}
