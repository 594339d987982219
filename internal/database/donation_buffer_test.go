package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]models.Donation
	fail    error
}

func (s *recordingSink) WriteDonations(ctx context.Context, donations []models.Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, append([]models.Donation(nil), donations...))
	return nil
}

func (s *recordingSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func donations(n int) []models.Donation {
	out := make([]models.Donation, n)
	for i := range out {
		out[i] = models.Donation{ID: fmt.Sprintf("0x%d", i), ChainID: testChain}
	}
	return out
}

func TestDonationBufferDrain(t *testing.T) {
	sink := &recordingSink{}
	buf := NewDonationBuffer(sink, DonationBufferConfig{MaxBatchSize: 4, FlushInterval: time.Hour}, zerolog.Nop())
	defer buf.Close()

	buf.Add(donations(3)...)
	require.NoError(t, buf.Drain(context.Background()))

	assert.Equal(t, 3, sink.written())
	assert.Equal(t, 0, buf.Pending())
}

func TestDonationBufferFlushesFullBatches(t *testing.T) {
	sink := &recordingSink{}
	var flushed []int
	var mu sync.Mutex
	buf := NewDonationBuffer(sink, DonationBufferConfig{
		MaxBatchSize:  4,
		FlushInterval: time.Hour,
		OnFlush: func(n int) {
			mu.Lock()
			flushed = append(flushed, n)
			mu.Unlock()
		},
	}, zerolog.Nop())
	defer buf.Close()

	buf.Add(donations(10)...)

	assert.Eventually(t, func() bool { return sink.written() == 10 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4, 4, 2}, flushed)
}

func TestDonationBufferKeepsFailedBatch(t *testing.T) {
	sink := &recordingSink{fail: errors.New("connection reset")}
	buf := NewDonationBuffer(sink, DonationBufferConfig{MaxBatchSize: 10, FlushInterval: time.Hour}, zerolog.Nop())

	buf.Add(donations(2)...)
	assert.Error(t, buf.Drain(context.Background()))
	assert.Equal(t, 2, buf.Pending())

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()

	require.NoError(t, buf.Close())
	assert.Equal(t, 2, sink.written())
	assert.NoError(t, buf.Close())
}
