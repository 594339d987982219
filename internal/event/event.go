// Package event holds the decoded, chain-agnostic form of a contract log.
package event

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Event is a fully decoded log. Params only hold strings, bools, nested
// maps and lists so that an Event survives a JSON round trip unchanged.
type Event struct {
	ChainID         int64          `json:"chainId"`
	ContractName    string         `json:"contract"`
	Version         string         `json:"version"`
	Address         string         `json:"address"`
	Name            string         `json:"event"`
	Params          map[string]any `json:"params"`
	BlockNumber     uint64         `json:"blockNumber"`
	LogIndex        uint           `json:"logIndex"`
	TransactionHash string         `json:"transactionHash"`
}

// MetaPtr is the (protocol, pointer) tuple contracts use to reference off-chain metadata.
type MetaPtr struct {
	Protocol *big.Int
	Pointer  string
}

// ParamError reports a missing or mistyped parameter.
type ParamError struct {
	Event  string
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("event %s: param %q %s", e.Event, e.Param, e.Reason)
}

// ContractAddress returns the emitting contract.
func (e *Event) ContractAddress() common.Address {
	return common.HexToAddress(e.Address)
}

// TxHash returns the transaction hash as a common.Hash.
func (e *Event) TxHash() common.Hash {
	return common.HexToHash(e.TransactionHash)
}

func (e *Event) raw(name string) (any, error) {
	v, ok := e.Params[name]
	if !ok {
		return nil, &ParamError{Event: e.Name, Param: name, Reason: "is missing"}
	}
	return v, nil
}

func (e *Event) Has(name string) bool {
	_, ok := e.Params[name]
	return ok
}

func (e *Event) String(name string) (string, error) {
	v, err := e.raw(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &ParamError{Event: e.Name, Param: name, Reason: fmt.Sprintf("is %T, not string", v)}
	}
	return s, nil
}

func (e *Event) Bool(name string) (bool, error) {
	v, err := e.raw(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ParamError{Event: e.Name, Param: name, Reason: fmt.Sprintf("is %T, not bool", v)}
	}
	return b, nil
}

// Addr returns an address param in lowercase hex.
func (e *Event) Addr(name string) (string, error) {
	s, err := e.String(name)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(s) {
		return "", &ParamError{Event: e.Name, Param: name, Reason: "is not an address"}
	}
	return strings.ToLower(s), nil
}

func (e *Event) BigInt(name string) (*big.Int, error) {
	s, err := e.String(name)
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &ParamError{Event: e.Name, Param: name, Reason: "is not a decimal integer"}
	}
	return v, nil
}

func (e *Event) Uint64(name string) (uint64, error) {
	s, err := e.String(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &ParamError{Event: e.Name, Param: name, Reason: "does not fit uint64"}
	}
	return v, nil
}

// Bytes returns a hex-encoded bytes param.
func (e *Event) Bytes(name string) ([]byte, error) {
	s, err := e.String(name)
	if err != nil {
		return nil, err
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, &ParamError{Event: e.Name, Param: name, Reason: "is not hex"}
	}
	return b, nil
}

// Hex returns a bytes32 param as lowercase 0x-prefixed hex.
func (e *Event) Hex(name string) (string, error) {
	s, err := e.String(name)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(s, "0x") {
		return "", &ParamError{Event: e.Name, Param: name, Reason: "is not hex"}
	}
	return strings.ToLower(s), nil
}

func (e *Event) Tuple(name string) (map[string]any, error) {
	v, err := e.raw(name)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ParamError{Event: e.Name, Param: name, Reason: fmt.Sprintf("is %T, not a tuple", v)}
	}
	return m, nil
}

// MetaPtr decodes a (protocol, pointer) tuple param.
func (e *Event) MetaPtr(name string) (MetaPtr, error) {
	t, err := e.Tuple(name)
	if err != nil {
		return MetaPtr{}, err
	}
	sub := &Event{Name: e.Name + "." + name, Params: t}
	protocol, err := sub.BigInt("protocol")
	if err != nil {
		return MetaPtr{}, err
	}
	pointer, err := sub.String("pointer")
	if err != nil {
		return MetaPtr{}, err
	}
	return MetaPtr{Protocol: protocol, Pointer: pointer}, nil
}
