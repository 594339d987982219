// Package rpc reads blocks, logs and contract state from an EVM node.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/zilstream/grants-indexer/internal/retry"
)

const (
	requestTimeout       = 30 * time.Second
	defaultMaxBlockRange = 2000
	maxLogConcurrency    = 4
)

type Config struct {
	Endpoint      string
	ChainID       int64
	MaxBlockRange uint64
	Retry         retry.Policy
}

// Client wraps an Ethereum client. Every call is retried under the
// configured policy.
type Client struct {
	rpc      *rpc.Client
	client   *ethclient.Client
	chainID  int64
	maxRange uint64
	policy   retry.Policy
	logger   zerolog.Logger
}

// NewClient dials the endpoint and checks that it serves the expected chain.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	rpcClient, err := rpc.DialOptions(ctx, cfg.Endpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}
	c := &Client{
		rpc:      rpcClient,
		client:   ethclient.NewClient(rpcClient),
		chainID:  cfg.ChainID,
		maxRange: cfg.MaxBlockRange,
		policy:   cfg.Retry,
		logger:   logger.With().Str("component", "rpc").Int64("chain_id", cfg.ChainID).Logger(),
	}

	networkID, err := c.client.ChainID(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to verify chain ID, continuing anyway")
	} else if networkID.Int64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("endpoint serves chain %d, expected %d", networkID.Int64(), cfg.ChainID)
	}

	c.logger.Info().Msg("Connected to RPC endpoint")
	return c, nil
}

func (c *Client) Close() {
	c.client.Close()
	c.logger.Info().Msg("RPC client connection closed")
}

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.policy, op, c.logger, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return fn(ctx)
	})
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return n, nil
}

// BlockTimestamp returns the timestamp in a block's header.
func (c *Client) BlockTimestamp(ctx context.Context, block uint64) (time.Time, error) {
	var header *types.Header
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err == ethereum.NotFound {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get block %d: %w", block, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// TransactionSender returns the lowercased from address of a transaction.
// The field is read from the node's response so that every transaction type
// is supported without recovering signatures.
func (c *Client) TransactionSender(ctx context.Context, txHash string) (string, error) {
	var from string
	err := c.do(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var raw json.RawMessage
		if err := c.rpc.CallContext(ctx, &raw, "eth_getTransactionByHash", common.HexToHash(txHash)); err != nil {
			return err
		}
		f := gjson.GetBytes(raw, "from")
		if !f.Exists() {
			return retry.Permanent(fmt.Errorf("transaction %s not found", txHash))
		}
		from = strings.ToLower(f.String())
		return nil
	})
	return from, err
}

// Logs returns the logs emitted by addresses in [from, to], ordered by block
// and log index. Ranges wider than the configured maximum are split into
// chunks fetched concurrently.
func (c *Client) Logs(ctx context.Context, addresses []string, from, to uint64) ([]types.Log, error) {
	if from > to || len(addresses) == 0 {
		return nil, nil
	}
	addrs := make([]common.Address, len(addresses))
	for i, a := range addresses {
		addrs[i] = common.HexToAddress(a)
	}

	if to-from+1 <= c.maxRange {
		return c.logsRange(ctx, addrs, from, to)
	}

	sem := semaphore.NewWeighted(maxLogConcurrency)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		all      []types.Log
		fetchErr error
	)
	for start := from; start <= to; start += c.maxRange {
		end := start + c.maxRange - 1
		if end > to {
			end = to
		}

		wg.Add(1)
		go func(chunkStart, chunkEnd uint64) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				if fetchErr == nil {
					fetchErr = err
				}
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			logs, err := c.logsRange(ctx, addrs, chunkStart, chunkEnd)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fetchErr == nil {
					fetchErr = err
				}
				return
			}
			all = append(all, logs...)
		}(start, end)
	}
	wg.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].BlockNumber != all[j].BlockNumber {
			return all[i].BlockNumber < all[j].BlockNumber
		}
		return all[i].Index < all[j].Index
	})
	return all, nil
}

func (c *Client) logsRange(ctx context.Context, addrs []common.Address, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
	}
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for range %d-%d: %w", from, to, err)
	}

	c.logger.Debug().
		Uint64("from", from).
		Uint64("to", to).
		Int("logs", len(logs)).
		Msg("Fetched logs")
	return logs, nil
}

// CallContract invokes a view method at block and returns its decoded outputs.
func (c *Client) CallContract(ctx context.Context, address string, contractABI *abi.ABI, method string, block uint64, args ...any) ([]any, error) {
	contract := bind.NewBoundContract(common.HexToAddress(address), *contractABI, c.client, nil, nil)

	var values []any
	err := c.do(ctx, "eth_call", func(ctx context.Context) error {
		values = nil
		err := contract.Call(&bind.CallOpts{Context: ctx, BlockNumber: new(big.Int).SetUint64(block)}, &values, method, args...)
		if errors.Is(err, bind.ErrNoCode) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s at %d: %w", method, address, block, err)
	}
	return values, nil
}
