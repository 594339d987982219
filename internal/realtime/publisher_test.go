package realtime

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/centrifugal/gocent/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/models"
)

type published struct {
	channel string
	data    []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(ctx context.Context, channel string, data []byte, opts ...gocent.PublishOption) (gocent.PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{channel, data})
	return gocent.PublishResult{}, nil
}

func (r *recorder) snapshot() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}

func TestPublisherCoalescesRounds(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	require.NoError(t, store.Mutate(ctx, changeset.InsertRound{Round: models.Round{
		ID:             "0x01",
		ChainID:        10,
		MatchAmount:    big.NewInt(5000),
		CreatedAtBlock: 7,
		StrategyName:   "allov2.DonationVotingMerkleDistributionDirectTransferStrategy",
	}}))

	rec := &recorder{}
	p := newPublisher(rec, store, zerolog.Nop())

	p.RoundsChanged(10, 100, []string{"0x01", "0x01"})
	p.RoundsChanged(10, 101, []string{"0x01", "0xmissing"})
	require.NoError(t, p.Close())

	msgs := rec.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "grants.round.10.0x01", msgs[0].channel)
	assert.Equal(t, "5000", gjson.GetBytes(msgs[0].data, "round.matchAmount").String())
	assert.Equal(t, int64(101), gjson.GetBytes(msgs[0].data, "block_number").Int())
	assert.Equal(t, batchChannel, msgs[1].channel)
	assert.Equal(t, int64(1), gjson.GetBytes(msgs[1].data, "items.#").Int())
}

func TestPublisherFlushesOnSignal(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	require.NoError(t, store.Mutate(ctx, changeset.InsertRound{Round: models.Round{ID: "0x02", ChainID: 1}}))

	rec := &recorder{}
	p := newPublisher(rec, store, zerolog.Nop())
	p.startFlusher()
	defer p.Close()

	p.RoundsChanged(1, 5, []string{"0x02"})
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
}
