package allov2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

// poolAdminRole is keccak256(abi.encodePacked(poolId, "admin")).
func poolAdminRole(poolID *big.Int) string {
	return strings.ToLower(crypto.Keccak256Hash(common.LeftPadBytes(poolID.Bytes(), 32), []byte("admin")).Hex())
}

// poolManagerRole is the pool id as a bytes32 word.
func poolManagerRole(poolID *big.Int) string {
	return core.Bytes32(poolID)
}

// splitPoolMetadata separates the round and application sections of a pool
// document. Documents without sections are treated as round metadata.
func splitPoolMetadata(doc json.RawMessage) (round, application json.RawMessage) {
	if doc == nil {
		return nil, nil
	}
	r := gjson.GetBytes(doc, "round")
	if !r.Exists() {
		return doc, nil
	}
	round = json.RawMessage(r.Raw)
	if a := gjson.GetBytes(doc, "application"); a.Exists() {
		application = json.RawMessage(a.Raw)
	}
	return round, application
}

func unixTime(v *big.Int) *time.Time {
	if v == nil || !v.IsInt64() || v.Sign() == 0 {
		return nil
	}
	t := time.Unix(v.Int64(), 0).UTC()
	return &t
}

// strategyReader reads strategy state at a block.
type strategyReader struct {
	ctx     context.Context
	hctx    *core.Context
	abi     *abi.ABI
	address string
	block   uint64
}

func (r strategyReader) call(method string) (any, error) {
	out, err := r.hctx.Contracts.CallContract(r.ctx, r.address, r.abi, method, r.block)
	if err != nil {
		return nil, fmt.Errorf("read %s on %s: %w", method, r.address, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("read %s on %s: empty result", method, r.address)
	}
	return out[0], nil
}

func (r strategyReader) id() (string, error) {
	v, err := r.call("getStrategyId")
	if err != nil {
		return "", err
	}
	word, ok := v.([32]byte)
	if !ok {
		return "", fmt.Errorf("read getStrategyId on %s: got %T", r.address, v)
	}
	return strings.ToLower(common.Hash(word).Hex()), nil
}

func (r strategyReader) timestamp(method string) (*time.Time, error) {
	v, err := r.call(method)
	if err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case uint64:
		return unixTime(new(big.Int).SetUint64(n)), nil
	case *big.Int:
		return unixTime(n), nil
	default:
		return nil, fmt.Errorf("read %s on %s: got %T", method, r.address, v)
	}
}

// windows reads the registration and allocation windows a strategy exposes.
func (r strategyReader) windows(contract string, round *models.Round) error {
	var err error
	if round.ApplicationsStartTime, err = r.timestamp("registrationStartTime"); err != nil {
		return err
	}
	if round.ApplicationsEndTime, err = r.timestamp("registrationEndTime"); err != nil {
		return err
	}
	if contract != DonationVoting {
		return nil
	}
	if round.DonationsStartTime, err = r.timestamp("allocationStartTime"); err != nil {
		return err
	}
	round.DonationsEndTime, err = r.timestamp("allocationEndTime")
	return err
}

func (m *module) handlePoolCreated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	poolID, err := ev.BigInt("poolId")
	if err != nil {
		return nil, err
	}
	profileID, err := ev.Hex("profileId")
	if err != nil {
		return nil, err
	}
	strategyAddress, err := ev.Addr("strategy")
	if err != nil {
		return nil, err
	}
	token, err := ev.Addr("token")
	if err != nil {
		return nil, err
	}
	token = core.NormalizeToken(token)
	amount, err := ev.BigInt("amount")
	if err != nil {
		return nil, err
	}
	meta, err := ev.MetaPtr("metadata")
	if err != nil {
		return nil, err
	}
	sender, err := hctx.Sender(ctx, ev)
	if err != nil {
		return nil, err
	}

	// Any known strategy ABI carries getStrategyId.
	probeABI, err := m.abi(DonationVoting)
	if err != nil {
		return nil, err
	}
	sr := strategyReader{ctx: ctx, hctx: hctx, abi: probeABI, address: strategyAddress, block: ev.BlockNumber}
	id, err := sr.id()
	if err != nil {
		hctx.Logger.Warn().Err(err).Str("strategy", strategyAddress).Msg("Could not read strategy id")
	}

	roundMeta, applicationMeta := splitPoolMetadata(hctx.FetchMetadata(ctx, meta.Pointer))
	round := models.Round{
		ID:                     poolID.String(),
		ChainID:                hctx.ChainID,
		Tags:                   []string{models.TagAlloV2},
		MatchTokenAddress:      token,
		MatchAmount:            models.Zero(),
		FundedAmount:           amount,
		FundedAmountInUSD:      hctx.OptionalUSD(ctx, token, amount, ev.BlockNumber),
		RoundMetadataCID:       &meta.Pointer,
		RoundMetadata:          roundMeta,
		ApplicationMetadataCID: &meta.Pointer,
		ApplicationMetadata:    applicationMeta,
		CreatedByAddress:       sender,
		CreatedAtBlock:         ev.BlockNumber,
		UpdatedAtBlock:         ev.BlockNumber,
		AdminRole:              poolAdminRole(poolID),
		ManagerRole:            poolManagerRole(poolID),
		StrategyAddress:        strategyAddress,
		StrategyID:             id,
		ProjectID:              &profileID,
		TotalDistributed:       models.Zero(),
	}

	known, ok := strategies[id]
	if !ok {
		hctx.Logger.Warn().
			Str("pool", round.ID).
			Str("strategy_id", id).
			Msg("Pool uses an unknown strategy, its events will not be indexed")
		return []changeset.Changeset{changeset.InsertRound{Round: round}}, nil
	}

	round.StrategyName = known.Name
	strategyABI, err := m.abi(known.Contract)
	if err != nil {
		return nil, err
	}
	sr.abi = strategyABI
	if err := sr.windows(known.Contract, &round); err != nil {
		return nil, err
	}

	return []changeset.Changeset{
		changeset.InsertRound{Round: round},
		changeset.NewSubscription{Subscription: changeset.Subscription{
			ContractName: known.Contract,
			Version:      V1,
			Address:      strategyAddress,
			FromBlock:    ev.BlockNumber,
		}},
	}, nil
}

func (m *module) handlePoolFunded(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	poolID, err := ev.BigInt("poolId")
	if err != nil {
		return nil, err
	}
	amount, err := ev.BigInt("amount")
	if err != nil {
		return nil, err
	}

	round, err := hctx.Store.GetRound(ctx, hctx.ChainID, poolID.String())
	if errors.Is(err, database.ErrNotFound) {
		return nil, core.Invariant("round", poolID.String(), "funded before it was created")
	}
	if err != nil {
		return nil, err
	}

	usd, err := hctx.Prices.ToUSD(ctx, hctx.ChainID, round.MatchTokenAddress, amount, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.IncrementRoundFundedAmount{
		ChainID:     hctx.ChainID,
		RoundID:     round.ID,
		Amount:      amount,
		AmountInUSD: usd,
	}}, nil
}

func (m *module) handlePoolMetadataUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	poolID, err := ev.BigInt("poolId")
	if err != nil {
		return nil, err
	}
	meta, err := ev.MetaPtr("metadata")
	if err != nil {
		return nil, err
	}
	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	if doc == nil {
		return nil, nil
	}

	roundMeta, applicationMeta := splitPoolMetadata(doc)
	update := models.RoundUpdate{
		RoundMetadataCID: &meta.Pointer,
		RoundMetadata:    roundMeta,
		UpdatedAtBlock:   ev.BlockNumber,
	}
	if applicationMeta != nil {
		update.ApplicationMetadataCID = &meta.Pointer
		update.ApplicationMetadata = applicationMeta
	}
	return []changeset.Changeset{changeset.UpdateRound{ChainID: hctx.ChainID, RoundID: poolID.String(), Update: update}}, nil
}

// poolRoleTarget finds the round a role id belongs to. Admin roles are
// checked before manager roles.
func poolRoleTarget(ctx context.Context, hctx *core.Context, role string) (*models.Round, models.RoundRoleName, error) {
	for _, name := range []models.RoundRoleName{models.RoundRoleAdmin, models.RoundRoleManager} {
		round, err := hctx.Store.GetRoundByRole(ctx, hctx.ChainID, name, role)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return round, name, nil
	}
	return nil, "", nil
}

// Pool roles are granted before PoolCreated, so unknown roles are parked
// until the round that owns them is inserted.
func (m *module) handlePoolRoleGranted(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	role, account, err := roleParams(ev)
	if err != nil || role == defaultAdminRole {
		return nil, err
	}
	round, name, err := poolRoleTarget(ctx, hctx, role)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return []changeset.Changeset{changeset.InsertPendingRoundRole{Pending: models.PendingRoundRole{
			ChainID:        hctx.ChainID,
			Role:           role,
			Address:        account,
			CreatedAtBlock: ev.BlockNumber,
		}}}, nil
	}
	return []changeset.Changeset{changeset.InsertRoundRole{Role: models.RoundRole{
		ChainID:        hctx.ChainID,
		RoundID:        round.ID,
		Address:        account,
		Role:           name,
		CreatedAtBlock: ev.BlockNumber,
	}}}, nil
}

func (m *module) handlePoolRoleRevoked(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	role, account, err := roleParams(ev)
	if err != nil || role == defaultAdminRole {
		return nil, err
	}
	round, name, err := poolRoleTarget(ctx, hctx, role)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return []changeset.Changeset{changeset.DeletePendingRoundRoles{
			ChainID: hctx.ChainID,
			Keys:    []models.PendingRoleKey{{Role: role, Address: account}},
		}}, nil
	}
	return []changeset.Changeset{changeset.DeleteAllRoundRolesByRoleAndAddress{
		ChainID: hctx.ChainID,
		RoundID: round.ID,
		Role:    name,
		Address: account,
	}}, nil
}
