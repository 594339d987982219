package core

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
)

var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// Parser turns raw logs into Events using the ABIs held by a Registry.
type Parser struct {
	chainID  int64
	registry *Registry
}

func NewParser(chainID int64, registry *Registry) *Parser {
	return &Parser{chainID: chainID, registry: registry}
}

// Decode selects the event by topic0 within the subscription's contract ABI.
// Logs whose topic is not part of that ABI yield nil, nil.
func (p *Parser) Decode(sub changeset.Subscription, log types.Log) (*event.Event, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	contractABI, ok := p.registry.ABI(sub.ContractName, sub.Version)
	if !ok {
		return nil, fmt.Errorf("contract %s %s is not registered", sub.ContractName, sub.Version)
	}

	eventABI, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, nil
	}

	args := make(map[string]any, len(eventABI.Inputs))

	// Indexed parameters live in topics[1:].
	topicIndex := 1
	for _, input := range eventABI.Inputs {
		if !input.Indexed {
			continue
		}
		if topicIndex >= len(log.Topics) {
			return nil, &DecodeError{
				Contract: sub.ContractName,
				Event:    eventABI.Name,
				Err:      fmt.Errorf("expected indexed %s in topic %d, log has %d topics", input.Name, topicIndex, len(log.Topics)),
			}
		}
		args[input.Name] = parseIndexedArg(log.Topics[topicIndex], input.Type)
		topicIndex++
	}

	// Non-indexed parameters are ABI-encoded in data.
	nonIndexed := eventABI.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return nil, &DecodeError{Contract: sub.ContractName, Event: eventABI.Name, Err: err}
		}
		for i, input := range nonIndexed {
			if i < len(values) {
				args[input.Name] = values[i]
			}
		}
	}

	return &event.Event{
		ChainID:         p.chainID,
		ContractName:    sub.ContractName,
		Version:         sub.Version,
		Address:         models.AddressToString(log.Address),
		Name:            eventABI.Name,
		Params:          event.NormalizeParams(args),
		BlockNumber:     log.BlockNumber,
		LogIndex:        log.Index,
		TransactionHash: models.HashToString(log.TxHash),
	}, nil
}

// parseIndexedArg converts a topic word to the argument's Go value. Dynamic
// types are only present as their keccak hash.
func parseIndexedArg(topic common.Hash, argType abi.Type) any {
	switch argType.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes())
	case abi.UintTy:
		return new(big.Int).SetBytes(topic.Bytes())
	case abi.IntTy:
		v := new(big.Int).SetBytes(topic.Bytes())
		if topic[0]&0x80 != 0 {
			v.Sub(v, twoTo256)
		}
		return v
	case abi.BoolTy:
		return topic.Big().Sign() != 0
	case abi.FixedBytesTy:
		return topic.Bytes()[:argType.Size]
	default:
		return strings.ToLower(topic.Hex())
	}
}
