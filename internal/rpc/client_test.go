package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/retry"
)

// fakeNode answers a handful of JSON-RPC methods for chain 10.
func fakeNode(t *testing.T, getLogsCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		id := gjson.GetBytes(body, "id").Raw
		method := gjson.GetBytes(body, "method").String()

		var result any
		switch method {
		case "eth_chainId":
			result = "0xa"
		case "eth_blockNumber":
			result = "0x3e8"
		case "eth_getTransactionByHash":
			result = map[string]any{"from": "0xAbC0000000000000000000000000000000000001"}
		case "eth_call":
			// matchAmount() == 1000
			result = "0x00000000000000000000000000000000000000000000000000000000000003e8"
		case "eth_getLogs":
			getLogsCalls.Add(1)
			from := gjson.GetBytes(body, "params.0.fromBlock").String()
			result = []map[string]any{{
				"address":          "0x0000000000000000000000000000000000000001",
				"topics":           []string{"0x0000000000000000000000000000000000000000000000000000000000000001"},
				"data":             "0x",
				"blockNumber":      from,
				"transactionHash":  "0x0000000000000000000000000000000000000000000000000000000000000002",
				"transactionIndex": "0x0",
				"blockHash":        "0x0000000000000000000000000000000000000000000000000000000000000003",
				"logIndex":         "0x0",
				"removed":          false,
			}}
		default:
			t.Errorf("unexpected method %s", method)
		}

		out, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + id + `,"result":` + string(out) + `}`))
	}))
}

func newTestClient(t *testing.T, maxRange uint64) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := fakeNode(t, &calls)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), Config{
		Endpoint:      srv.URL,
		ChainID:       10,
		MaxBlockRange: maxRange,
		Retry:         retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, &calls
}

func TestBlockNumber(t *testing.T) {
	c, _ := newTestClient(t, 0)
	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), n)
}

func TestTransactionSender(t *testing.T) {
	c, _ := newTestClient(t, 0)
	from, err := c.TransactionSender(context.Background(), "0x02")
	require.NoError(t, err)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", from)
}

func TestLogsSplitsWideRanges(t *testing.T) {
	c, calls := newTestClient(t, 100)

	logs, err := c.Logs(context.Background(), []string{"0x0000000000000000000000000000000000000001"}, 0, 349)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	require.Len(t, logs, 4)
	for i, want := range []uint64{0, 100, 200, 300} {
		assert.Equal(t, want, logs[i].BlockNumber)
	}

	logs, err = c.Logs(context.Background(), nil, 0, 10)
	assert.NoError(t, err)
	assert.Empty(t, logs)
}

func TestNewClientRejectsWrongChain(t *testing.T) {
	var calls atomic.Int32
	srv := fakeNode(t, &calls)
	defer srv.Close()

	_, err := NewClient(context.Background(), Config{Endpoint: srv.URL, ChainID: 1}, zerolog.Nop())
	assert.ErrorContains(t, err, "expected 1")
}

func TestCallContract(t *testing.T) {
	c, _ := newTestClient(t, 0)
	roundABI, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"matchAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}]`))
	require.NoError(t, err)

	out, err := c.CallContract(context.Background(), "0x0000000000000000000000000000000000000001", &roundABI, "matchAmount", 900)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "1000", fmt.Sprint(out[0]))
}
