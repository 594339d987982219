package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
)

const (
	// NativeToken is the placeholder contracts use for the chain's native currency.
	NativeToken = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	// ZeroAddress is how the catalog lists the native currency.
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

// NormalizeToken lowercases a token address and maps the native placeholder
// to the zero address.
func NormalizeToken(address string) string {
	a := strings.ToLower(address)
	if a == NativeToken {
		return ZeroAddress
	}
	return a
}

// EventID derives a stable id for records created by one log:
// keccak256(txHash ‖ uint64(logIndex)).
func EventID(ev *event.Event) string {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(ev.LogIndex))
	return strings.ToLower(crypto.Keccak256Hash(ev.TxHash().Bytes(), idx[:]).Hex())
}

// Bytes32 renders an integer as a 0x-prefixed 32-byte word.
func Bytes32(v *big.Int) string {
	return strings.ToLower(common.BigToHash(v).Hex())
}

// Amounts converts a transferred amount into USD and into the round's match
// token. Price lookups run at the event's block.
func (c *Context) Amounts(ctx context.Context, round *models.Round, token string, amount *big.Int, block uint64) (decimal.Decimal, *big.Int, error) {
	usd, err := c.Prices.ToUSD(ctx, c.ChainID, token, amount, block)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if strings.EqualFold(token, round.MatchTokenAddress) {
		return usd, new(big.Int).Set(amount), nil
	}
	inMatch, err := c.Prices.FromUSD(ctx, c.ChainID, round.MatchTokenAddress, usd, block)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return usd, inMatch, nil
}

// OptionalUSD values an amount for informational fields. Failures are logged
// and yield zero, since a missing price must not drop a round.
func (c *Context) OptionalUSD(ctx context.Context, token string, amount *big.Int, block uint64) decimal.Decimal {
	if amount == nil || amount.Sign() == 0 {
		return decimal.Zero
	}
	usd, err := c.Prices.ToUSD(ctx, c.ChainID, token, amount, block)
	if err != nil {
		c.Logger.Warn().Err(err).Str("token", token).Uint64("block", block).Msg("Could not value amount in USD")
		return decimal.Zero
	}
	return usd
}

// Sender returns the transaction's from address.
func (c *Context) Sender(ctx context.Context, ev *event.Event) (string, error) {
	from, err := c.Chain.TransactionSender(ctx, ev.TransactionHash)
	if err != nil {
		return "", fmt.Errorf("sender of %s: %w", ev.TransactionHash, err)
	}
	return from, nil
}
