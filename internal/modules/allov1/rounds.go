package allov1

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

// Latest instant representable as a round time. Contracts use max uint256
// for open-ended windows.
const maxUnixTime = 253402300799

func unixTime(v *big.Int) *time.Time {
	if v == nil || !v.IsInt64() || v.Int64() > maxUnixTime {
		return nil
	}
	t := time.Unix(v.Int64(), 0).UTC()
	return &t
}

// roundReader reads round state at the block that created it.
type roundReader struct {
	ctx      context.Context
	hctx     *core.Context
	abi      *abi.ABI
	contract string
	block    uint64
}

func (r roundReader) call(method string) ([]any, error) {
	out, err := r.hctx.Contracts.CallContract(r.ctx, r.contract, r.abi, method, r.block)
	if err != nil {
		return nil, fmt.Errorf("read %s on %s: %w", method, r.contract, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("read %s on %s: empty result", method, r.contract)
	}
	return out, nil
}

func (r roundReader) address(method string) (string, error) {
	out, err := r.call(method)
	if err != nil {
		return "", err
	}
	a, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("read %s on %s: got %T", method, r.contract, out[0])
	}
	return models.AddressToString(a), nil
}

func (r roundReader) number(method string) (*big.Int, error) {
	out, err := r.call(method)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("read %s on %s: got %T", method, r.contract, out[0])
	}
	return v, nil
}

func (r roundReader) timestamp(method string) (*time.Time, error) {
	v, err := r.number(method)
	if err != nil {
		return nil, err
	}
	return unixTime(v), nil
}

// metaPtr returns the pointer half of a (protocol, pointer) getter.
func (r roundReader) metaPtr(method string) (string, error) {
	out, err := r.call(method)
	if err != nil {
		return "", err
	}
	if len(out) < 2 {
		return "", fmt.Errorf("read %s on %s: expected 2 values, got %d", method, r.contract, len(out))
	}
	pointer, ok := out[1].(string)
	if !ok {
		return "", fmt.Errorf("read %s on %s: got %T", method, r.contract, out[1])
	}
	return pointer, nil
}

// roundCreated handles factory deployments. Rounds deployed by a factory of
// a given version run the round and voting contracts of the same version.
func (m *module) roundCreated(version string) core.HandlerFunc {
	return func(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
		roundAddress, err := ev.Addr("roundAddress")
		if err != nil {
			return nil, err
		}
		roundABI, err := m.abi(RoundImplementation, version)
		if err != nil {
			return nil, err
		}
		rr := roundReader{ctx: ctx, hctx: hctx, abi: roundABI, contract: roundAddress, block: ev.BlockNumber}

		token, err := rr.address("token")
		if err != nil {
			return nil, err
		}
		token = core.NormalizeToken(token)

		matchAmount := models.Zero()
		if version != V1 {
			if matchAmount, err = rr.number("matchAmount"); err != nil {
				return nil, err
			}
		}

		var times [4]*time.Time
		for i, method := range []string{"applicationsStartTime", "applicationsEndTime", "roundStartTime", "roundEndTime"} {
			if times[i], err = rr.timestamp(method); err != nil {
				return nil, err
			}
		}

		roundPtr, err := rr.metaPtr("roundMetaPtr")
		if err != nil {
			return nil, err
		}
		applicationPtr, err := rr.metaPtr("applicationMetaPtr")
		if err != nil {
			return nil, err
		}
		strategy, err := rr.address("votingStrategy")
		if err != nil {
			return nil, err
		}
		sender, err := hctx.Sender(ctx, ev)
		if err != nil {
			return nil, err
		}

		round := models.Round{
			ID:                     roundAddress,
			ChainID:                hctx.ChainID,
			Tags:                   []string{models.TagAlloV1},
			MatchTokenAddress:      token,
			MatchAmount:            matchAmount,
			MatchAmountInUSD:       hctx.OptionalUSD(ctx, token, matchAmount, ev.BlockNumber),
			FundedAmount:           models.Zero(),
			RoundMetadataCID:       &roundPtr,
			RoundMetadata:          hctx.FetchMetadata(ctx, roundPtr),
			ApplicationMetadataCID: &applicationPtr,
			ApplicationMetadata:    hctx.FetchMetadata(ctx, applicationPtr),
			ApplicationsStartTime:  times[0],
			ApplicationsEndTime:    times[1],
			DonationsStartTime:     times[2],
			DonationsEndTime:       times[3],
			CreatedByAddress:       sender,
			CreatedAtBlock:         ev.BlockNumber,
			UpdatedAtBlock:         ev.BlockNumber,
			AdminRole:              roundAdminRole,
			ManagerRole:            roundOperatorRole,
			StrategyAddress:        strategy,
			StrategyName:           strategyName,
			TotalDistributed:       models.Zero(),
		}

		return []changeset.Changeset{
			changeset.InsertRound{Round: round},
			changeset.NewSubscription{Subscription: changeset.Subscription{
				ContractName: RoundImplementation,
				Version:      version,
				Address:      roundAddress,
				FromBlock:    ev.BlockNumber,
			}},
			changeset.NewSubscription{Subscription: changeset.Subscription{
				ContractName: VotingStrategy,
				Version:      version,
				Address:      strategy,
				FromBlock:    ev.BlockNumber,
			}},
		}, nil
	}
}

// requireRound loads the round an event belongs to. A round contract that
// emits before its creation was indexed means the chain state is corrupt.
func requireRound(ctx context.Context, hctx *core.Context, id string) (*models.Round, error) {
	round, err := hctx.Store.GetRound(ctx, hctx.ChainID, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, core.Invariant("round", id, "event for a round that was never created")
	}
	return round, err
}

func (m *module) handleMatchAmountUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	amount, err := ev.BigInt("newAmount")
	if err != nil {
		return nil, err
	}
	round, err := requireRound(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	usd := hctx.OptionalUSD(ctx, round.MatchTokenAddress, amount, ev.BlockNumber)
	return []changeset.Changeset{changeset.UpdateRound{
		ChainID: hctx.ChainID,
		RoundID: round.ID,
		Update: models.RoundUpdate{
			MatchAmount:      amount,
			MatchAmountInUSD: &usd,
			UpdatedAtBlock:   ev.BlockNumber,
		},
	}}, nil
}

func (m *module) handleRoundMetaPtrUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	meta, err := ev.MetaPtr("newMetaPtr")
	if err != nil {
		return nil, err
	}
	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	if doc == nil {
		return nil, nil
	}
	return []changeset.Changeset{changeset.UpdateRound{
		ChainID: hctx.ChainID,
		RoundID: ev.Address,
		Update: models.RoundUpdate{
			RoundMetadataCID: &meta.Pointer,
			RoundMetadata:    doc,
			UpdatedAtBlock:   ev.BlockNumber,
		},
	}}, nil
}

func (m *module) handleApplicationMetaPtrUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	meta, err := ev.MetaPtr("newMetaPtr")
	if err != nil {
		return nil, err
	}
	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	if doc == nil {
		return nil, nil
	}
	return []changeset.Changeset{changeset.UpdateRound{
		ChainID: hctx.ChainID,
		RoundID: ev.Address,
		Update: models.RoundUpdate{
			ApplicationMetadataCID: &meta.Pointer,
			ApplicationMetadata:    doc,
			UpdatedAtBlock:         ev.BlockNumber,
		},
	}}, nil
}

type roundTimeField int

const (
	applicationsStart roundTimeField = iota
	applicationsEnd
	donationsStart
	donationsEnd
)

func (m *module) timeUpdated(field roundTimeField) core.HandlerFunc {
	return func(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
		v, err := ev.BigInt("newTime")
		if err != nil {
			return nil, err
		}
		t := unixTime(v)
		if t == nil {
			return nil, nil
		}

		update := models.RoundUpdate{UpdatedAtBlock: ev.BlockNumber}
		switch field {
		case applicationsStart:
			update.ApplicationsStartTime = t
		case applicationsEnd:
			update.ApplicationsEndTime = t
		case donationsStart:
			update.DonationsStartTime = t
		case donationsEnd:
			update.DonationsEndTime = t
		}
		return []changeset.Changeset{changeset.UpdateRound{ChainID: hctx.ChainID, RoundID: ev.Address, Update: update}}, nil
	}
}

func roundRoleName(role string) (models.RoundRoleName, bool) {
	switch role {
	case roundAdminRole:
		return models.RoundRoleAdmin, true
	case roundOperatorRole:
		return models.RoundRoleManager, true
	default:
		return "", false
	}
}

func (m *module) handleRoleGranted(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	role, err := ev.Hex("role")
	if err != nil {
		return nil, err
	}
	account, err := ev.Addr("account")
	if err != nil {
		return nil, err
	}
	name, ok := roundRoleName(role)
	if !ok {
		return nil, nil
	}
	return []changeset.Changeset{changeset.InsertRoundRole{Role: models.RoundRole{
		ChainID:        hctx.ChainID,
		RoundID:        ev.Address,
		Address:        account,
		Role:           name,
		CreatedAtBlock: ev.BlockNumber,
	}}}, nil
}

func (m *module) handleRoleRevoked(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	role, err := ev.Hex("role")
	if err != nil {
		return nil, err
	}
	account, err := ev.Addr("account")
	if err != nil {
		return nil, err
	}
	name, ok := roundRoleName(role)
	if !ok {
		return nil, nil
	}
	return []changeset.Changeset{changeset.DeleteAllRoundRolesByRoleAndAddress{
		ChainID: hctx.ChainID,
		RoundID: ev.Address,
		Role:    name,
		Address: account,
	}}, nil
}
