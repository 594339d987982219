// Package coretest provides in-memory collaborators for handler tests.
package coretest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/modules/core"
	"github.com/zilstream/grants-indexer/internal/prices"
)

// Genesis is the timestamp of block 0. Blocks are two seconds apart.
var Genesis = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultSender signs every transaction unless a test overrides it.
const DefaultSender = "0x00000000000000000000000000000000000000aa"

// MetaPtr builds the (protocol, pointer) tuple for ABI packing.
func MetaPtr(pointer string) any {
	return struct {
		Protocol *big.Int
		Pointer  string
	}{big.NewInt(1), pointer}
}

// Prices values tokens at a fixed USD price per whole unit.
type Prices struct {
	mu       sync.Mutex
	usd      map[string]decimal.Decimal
	decimals map[string]int
}

func NewPrices() *Prices {
	return &Prices{usd: make(map[string]decimal.Decimal), decimals: make(map[string]int)}
}

// Set registers a token. Tokens never set are unknown.
func (p *Prices) Set(token string, decimals int, usd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token = strings.ToLower(token)
	p.usd[token] = decimal.RequireFromString(usd)
	p.decimals[token] = decimals
}

func (p *Prices) price(chainID int64, token string) (prices.Price, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token = strings.ToLower(token)
	usd, ok := p.usd[token]
	if !ok {
		return prices.Price{}, &prices.UnknownTokenError{ChainID: chainID, Token: token}
	}
	return prices.Price{USD: prices.ToFixed(usd), Decimals: p.decimals[token]}, nil
}

func (p *Prices) ToUSD(ctx context.Context, chainID int64, token string, amount *big.Int, block uint64) (decimal.Decimal, error) {
	price, err := p.price(chainID, token)
	if err != nil {
		return decimal.Zero, err
	}
	return prices.ConvertToUSD(amount, price), nil
}

func (p *Prices) FromUSD(ctx context.Context, chainID int64, token string, usd decimal.Decimal, block uint64) (*big.Int, error) {
	price, err := p.price(chainID, token)
	if err != nil {
		return nil, err
	}
	return prices.ConvertFromUSD(usd, price), nil
}

// Contracts answers view calls from a fixed table keyed by address and method.
type Contracts struct {
	mu      sync.Mutex
	results map[string][]any
}

func NewContracts() *Contracts {
	return &Contracts{results: make(map[string][]any)}
}

func (c *Contracts) Set(address, method string, out ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[strings.ToLower(address)+"."+method] = out
}

func (c *Contracts) CallContract(ctx context.Context, address string, contractABI *abi.ABI, method string, block uint64, args ...any) ([]any, error) {
	if _, ok := contractABI.Methods[method]; !ok {
		return nil, fmt.Errorf("method %s not in abi", method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.results[strings.ToLower(address)+"."+method]
	if !ok {
		return nil, fmt.Errorf("execution reverted: %s.%s", address, method)
	}
	return out, nil
}

// Chain derives timestamps from block numbers and senders from a table.
type Chain struct {
	mu      sync.Mutex
	senders map[string]string
}

func NewChain() *Chain {
	return &Chain{senders: make(map[string]string)}
}

func BlockTime(block uint64) time.Time {
	return Genesis.Add(time.Duration(block) * 2 * time.Second)
}

func (c *Chain) BlockTimestamp(ctx context.Context, block uint64) (time.Time, error) {
	return BlockTime(block), nil
}

func (c *Chain) SetSender(txHash, sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[strings.ToLower(txHash)] = strings.ToLower(sender)
}

func (c *Chain) TransactionSender(ctx context.Context, txHash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[strings.ToLower(txHash)]; ok {
		return s, nil
	}
	return DefaultSender, nil
}

// Metadata serves documents from a table. Unknown ids fail.
type Metadata struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage
}

func NewMetadata() *Metadata {
	return &Metadata{docs: make(map[string]json.RawMessage)}
}

func (m *Metadata) Set(cid, doc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[cid] = json.RawMessage(doc)
}

func (m *Metadata) Fetch(ctx context.Context, cid string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[cid]
	if !ok {
		return nil, fmt.Errorf("metadata %s not found", cid)
	}
	return doc, nil
}

// Harness wires a registry to a memory store and the fakes above.
type Harness struct {
	t         *testing.T
	ChainID   int64
	Registry  *core.Registry
	Store     *database.MemoryStore
	Prices    *Prices
	Contracts *Contracts
	Chain     *Chain
	Metadata  *Metadata

	parser *core.Parser
	txs    uint64
}

// New builds a harness with the given modules registered.
func New(t *testing.T, chainID int64, register ...func(*core.Registry) error) *Harness {
	t.Helper()
	reg := core.NewRegistry(zerolog.Nop())
	for _, r := range register {
		require.NoError(t, r(reg))
	}
	require.NoError(t, reg.Validate(nil))

	return &Harness{
		t:         t,
		ChainID:   chainID,
		Registry:  reg,
		Store:     database.NewMemoryStore(),
		Prices:    NewPrices(),
		Contracts: NewContracts(),
		Chain:     NewChain(),
		Metadata:  NewMetadata(),
		parser:    core.NewParser(chainID, reg),
	}
}

func (h *Harness) Context() *core.Context {
	return &core.Context{
		ChainID:   h.ChainID,
		Store:     h.Store,
		Prices:    h.Prices,
		Contracts: h.Contracts,
		Chain:     h.Chain,
		Metadata:  h.Metadata,
		Logger:    zerolog.Nop(),
	}
}

// Log encodes an event as the node would return it. Args follow the ABI's
// input order. Every log gets a fresh transaction hash.
func (h *Harness) Log(contract, version, address, name string, block uint64, args ...any) types.Log {
	h.t.Helper()
	contractABI, ok := h.Registry.ABI(contract, version)
	require.True(h.t, ok, "contract %s %s not registered", contract, version)
	ev, ok := contractABI.Events[name]
	require.True(h.t, ok, "event %s not in %s %s", name, contract, version)
	require.Len(h.t, args, len(ev.Inputs))

	topics := []common.Hash{ev.ID}
	var data []any
	for i, input := range ev.Inputs {
		if !input.Indexed {
			data = append(data, args[i])
			continue
		}
		encoded, err := abi.MakeTopics([]any{args[i]})
		require.NoError(h.t, err)
		topics = append(topics, encoded[0][0])
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(h.t, err)

	h.txs++
	return types.Log{
		Address:     common.HexToAddress(address),
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(h.txs)),
		Index:       uint(h.txs % 16),
	}
}

// Handle decodes and dispatches one event without applying its changesets.
func (h *Harness) Handle(contract, version, address, name string, block uint64, args ...any) ([]changeset.Changeset, error) {
	h.t.Helper()
	log := h.Log(contract, version, address, name, block, args...)
	sub := changeset.Subscription{ContractName: contract, Version: version, Address: address}
	ev, err := h.parser.Decode(sub, log)
	require.NoError(h.t, err)
	require.NotNil(h.t, ev)
	return h.Registry.Dispatch(context.Background(), h.Context(), ev)
}

// Apply dispatches one event and commits its store mutations. Subscription
// requests are returned.
func (h *Harness) Apply(contract, version, address, name string, block uint64, args ...any) []changeset.Subscription {
	h.t.Helper()
	css, err := h.Handle(contract, version, address, name, block, args...)
	require.NoError(h.t, err)
	mutations, subs := changeset.Split(css)
	require.NoError(h.t, h.Store.MutateMany(context.Background(), mutations))
	return subs
}

// Hash32 turns a string into a bytes32 value for packing.
func Hash32(hex string) [32]byte {
	return common.HexToHash(hex)
}
