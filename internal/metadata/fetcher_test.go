package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/retry"
)

type mapCache struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (c *mapCache) Get(ctx context.Context, cid string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[cid]
	return d, ok, nil
}

func (c *mapCache) Set(ctx context.Context, cid string, doc []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[cid] = doc
	return nil
}

var once = retry.Policy{MaxAttempts: 1}

func TestFetchFallsBackAcrossGateways(t *testing.T) {
	var downCalls atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	var upCalls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upCalls.Add(1)
		assert.Equal(t, "/ipfs/bafyround", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"Climate Round","eligibility":{"description":"open"}}`))
	}))
	defer up.Close()

	cache := &mapCache{docs: map[string][]byte{}}
	f := NewFetcher(Config{Gateways: []string{down.URL, up.URL + "/"}, Retry: once}, cache, zerolog.Nop())

	doc, err := f.Fetch(context.Background(), "ipfs://bafyround")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Climate Round","eligibility":{"description":"open"}}`, string(doc))

	_, err = f.Fetch(context.Background(), "bafyround")
	require.NoError(t, err)
	assert.Equal(t, int32(1), downCalls.Load())
	assert.Equal(t, int32(1), upCalls.Load(), "second fetch is served from cache")
}

func TestFetchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/missing":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	f := NewFetcher(Config{Gateways: []string{srv.URL}, Retry: once, Timeout: time.Second}, nil, zerolog.Nop())

	_, err := f.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Fetch(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidDoc)

	_, err = f.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}
