package core

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/zilstream/grants-indexer/internal/database"
)

// PriceConverter converts token amounts at a block.
type PriceConverter interface {
	ToUSD(ctx context.Context, chainID int64, token string, amount *big.Int, block uint64) (decimal.Decimal, error)
	FromUSD(ctx context.Context, chainID int64, token string, usd decimal.Decimal, block uint64) (*big.Int, error)
}

// ContractReader performs read-only contract calls pinned to a block.
type ContractReader interface {
	CallContract(ctx context.Context, address string, contractABI *abi.ABI, method string, block uint64, args ...any) ([]any, error)
}

// ChainReader exposes the block and transaction facts handlers need.
type ChainReader interface {
	BlockTimestamp(ctx context.Context, block uint64) (time.Time, error)
	TransactionSender(ctx context.Context, txHash string) (string, error)
}

// MetadataFetcher resolves a content id to its JSON document.
type MetadataFetcher interface {
	Fetch(ctx context.Context, cid string) (json.RawMessage, error)
}

// Context is everything a handler may read. Handlers never write through it.
type Context struct {
	ChainID   int64
	Store     database.Reader
	Prices    PriceConverter
	Contracts ContractReader
	Chain     ChainReader
	Metadata  MetadataFetcher
	Logger    zerolog.Logger
}

// FetchMetadata returns the document for cid, or nil when it cannot be
// fetched or is not JSON. Failures are logged and never returned.
func (c *Context) FetchMetadata(ctx context.Context, cid string) json.RawMessage {
	if cid == "" || c.Metadata == nil {
		return nil
	}
	doc, err := c.Metadata.Fetch(ctx, cid)
	if err != nil {
		c.Logger.Warn().Err(err).Str("cid", cid).Msg("Failed to fetch metadata")
		return nil
	}
	if !json.Valid(doc) {
		c.Logger.Warn().Str("cid", cid).Msg("Metadata is not valid JSON")
		return nil
	}
	return doc
}
