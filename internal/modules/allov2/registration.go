package allov2

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
)

// registrationData is the recipient payload strategies emit on registration.
type registrationData struct {
	Anchor      string
	Recipient   string
	Metadata    event.MetaPtr
	GrantAmount *big.Int
}

var (
	metadataType = mustType("tuple", []abi.ArgumentMarshaling{
		{Name: "protocol", Type: "uint256"},
		{Name: "pointer", Type: "string"},
	})
	addressType = mustType("address", nil)
	uint256Type = mustType("uint256", nil)

	// (address anchor, address recipient, Metadata metadata)
	registrationArgs = abi.Arguments{{Type: addressType}, {Type: addressType}, {Type: metadataType}}
	// (bytes registration, uint256 recipientsCounter)
	counterArgs = abi.Arguments{{Type: mustType("bytes", nil)}, {Type: uint256Type}}
	// (address anchor, address recipient, uint256 grantAmount, Metadata metadata)
	grantArgs = abi.Arguments{{Type: addressType}, {Type: addressType}, {Type: uint256Type}, {Type: metadataType}}
)

func decodeRegistration(data []byte) (registrationData, error) {
	values, err := registrationArgs.Unpack(data)
	if err != nil {
		return registrationData{}, fmt.Errorf("decode registration: %w", err)
	}
	return registrationFrom(values[0], values[1], values[2])
}

// decodeCountedRegistration unwraps a registration that carries the
// strategy's recipient counter at the time of registration.
func decodeCountedRegistration(data []byte) (registrationData, *big.Int, error) {
	values, err := counterArgs.Unpack(data)
	if err != nil {
		return registrationData{}, nil, fmt.Errorf("decode registration envelope: %w", err)
	}
	inner, ok := values[0].([]byte)
	if !ok {
		return registrationData{}, nil, fmt.Errorf("decode registration envelope: got %T", values[0])
	}
	counter, ok := values[1].(*big.Int)
	if !ok || counter.Sign() == 0 {
		return registrationData{}, nil, fmt.Errorf("decode registration envelope: invalid counter %v", values[1])
	}
	reg, err := decodeRegistration(inner)
	if err != nil {
		return registrationData{}, nil, err
	}
	return reg, counter, nil
}

func decodeGrantRegistration(data []byte) (registrationData, error) {
	values, err := grantArgs.Unpack(data)
	if err != nil {
		return registrationData{}, fmt.Errorf("decode grant registration: %w", err)
	}
	reg, err := registrationFrom(values[0], values[1], values[3])
	if err != nil {
		return registrationData{}, err
	}
	if amount, ok := values[2].(*big.Int); ok {
		reg.GrantAmount = amount
	}
	return reg, nil
}

func registrationFrom(anchor, recipient, metadata any) (registrationData, error) {
	a, ok := anchor.(common.Address)
	if !ok {
		return registrationData{}, fmt.Errorf("decode registration: anchor is %T", anchor)
	}
	r, ok := recipient.(common.Address)
	if !ok {
		return registrationData{}, fmt.Errorf("decode registration: recipient is %T", recipient)
	}
	holder := &event.Event{
		Name:   "registration",
		Params: event.NormalizeParams(map[string]any{"metadata": metadata}),
	}
	meta, err := holder.MetaPtr("metadata")
	if err != nil {
		return registrationData{}, err
	}
	return registrationData{
		Anchor:    models.AddressToString(a),
		Recipient: models.AddressToString(r),
		Metadata:  meta,
	}, nil
}
