package allov2

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

// Recipient status codes shared by v2 strategies. Zero means unset.
var recipientStatuses = map[uint64]models.ApplicationStatus{
	1: models.StatusPending,
	2: models.StatusApproved,
	3: models.StatusRejected,
	4: models.StatusPending, // appealed
	5: models.StatusInReview,
	6: models.StatusCancelled,
}

const (
	statusBits    = 4
	statusesInRow = 64
)

func requireRoundByStrategy(ctx context.Context, hctx *core.Context, strategy string) (*models.Round, error) {
	round, err := hctx.Store.GetRoundByStrategyAddress(ctx, hctx.ChainID, strategy)
	if errors.Is(err, database.ErrNotFound) {
		return nil, core.Invariant("round", strategy, "strategy event without a pool")
	}
	return round, err
}

// applicationByRecipient returns nil when the recipient never registered.
func applicationByRecipient(ctx context.Context, hctx *core.Context, ev *event.Event, round *models.Round, recipient string) (*models.Application, error) {
	app, err := hctx.Store.GetApplicationByAnchor(ctx, hctx.ChainID, round.ID, recipient)
	if errors.Is(err, database.ErrNotFound) {
		hctx.Logger.Warn().
			Str("round", round.ID).
			Str("recipient", recipient).
			Str("event", ev.Name).
			Str("tx", ev.TransactionHash).
			Msg("Event for unknown recipient, skipping")
		return nil, nil
	}
	return app, err
}

// registeredProject resolves the profile behind a registration anchor.
func registeredProject(ctx context.Context, hctx *core.Context, ev *event.Event, anchor string) (*models.Project, error) {
	project, err := hctx.Store.GetProjectByAnchor(ctx, hctx.ChainID, anchor)
	if errors.Is(err, database.ErrNotFound) {
		hctx.Logger.Warn().
			Str("anchor", anchor).
			Str("strategy", ev.Address).
			Str("tx", ev.TransactionHash).
			Msg("Registration from unknown profile, skipping")
		return nil, nil
	}
	return project, err
}

func (m *module) handleDonationVotingRegistered(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	recipient, err := ev.Addr("recipientId")
	if err != nil {
		return nil, err
	}
	data, err := ev.Bytes("data")
	if err != nil {
		return nil, err
	}
	sender, err := ev.Addr("sender")
	if err != nil {
		return nil, err
	}

	reg, counter, err := decodeCountedRegistration(data)
	if err != nil {
		hctx.Logger.Warn().Err(err).Str("tx", ev.TransactionHash).Msg("Malformed registration, skipping")
		return nil, nil
	}
	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	project, err := registeredProject(ctx, hctx, ev, reg.Anchor)
	if err != nil || project == nil {
		return nil, err
	}

	id := new(big.Int).Sub(counter, big.NewInt(1)).String()
	return []changeset.Changeset{insertApplication(ctx, hctx, ev, round, project, id, recipient, reg, sender)}, nil
}

func (m *module) handleDirectGrantsRegistered(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	recipient, err := ev.Addr("recipientId")
	if err != nil {
		return nil, err
	}
	data, err := ev.Bytes("data")
	if err != nil {
		return nil, err
	}
	sender, err := ev.Addr("sender")
	if err != nil {
		return nil, err
	}

	reg, err := decodeGrantRegistration(data)
	if err != nil {
		hctx.Logger.Warn().Err(err).Str("tx", ev.TransactionHash).Msg("Malformed registration, skipping")
		return nil, nil
	}
	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	project, err := registeredProject(ctx, hctx, ev, reg.Anchor)
	if err != nil || project == nil {
		return nil, err
	}

	n, err := hctx.Store.CountApplications(ctx, hctx.ChainID, round.ID)
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{insertApplication(ctx, hctx, ev, round, project, strconv.Itoa(n), recipient, reg, sender)}, nil
}

func insertApplication(ctx context.Context, hctx *core.Context, ev *event.Event, round *models.Round, project *models.Project,
	id, recipient string, reg registrationData, sender string) changeset.Changeset {
	return changeset.InsertApplication{Application: models.Application{
		ID:               id,
		ChainID:          hctx.ChainID,
		RoundID:          round.ID,
		ProjectID:        project.ID,
		AnchorAddress:    &recipient,
		Status:           models.StatusPending,
		MetadataCID:      &reg.Metadata.Pointer,
		Metadata:         hctx.FetchMetadata(ctx, reg.Metadata.Pointer),
		CreatedByAddress: sender,
		CreatedAtBlock:   ev.BlockNumber,
	}}
}

func (m *module) handleUpdatedRegistration(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	recipient, err := ev.Addr("recipientId")
	if err != nil {
		return nil, err
	}
	data, err := ev.Bytes("data")
	if err != nil {
		return nil, err
	}
	code, err := ev.Uint64("status")
	if err != nil {
		return nil, err
	}

	reg, err := decodeRegistration(data)
	if err != nil {
		hctx.Logger.Warn().Err(err).Str("tx", ev.TransactionHash).Msg("Malformed registration update, skipping")
		return nil, nil
	}
	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	app, err := applicationByRecipient(ctx, hctx, ev, round, recipient)
	if err != nil || app == nil {
		return nil, err
	}

	update := models.ApplicationUpdate{UpdatedAtBlock: ev.BlockNumber}
	if doc := hctx.FetchMetadata(ctx, reg.Metadata.Pointer); doc != nil {
		update.MetadataCID = &reg.Metadata.Pointer
		update.Metadata = doc
	}
	if status, ok := recipientStatuses[code]; ok && status != app.Status {
		at, err := hctx.Chain.BlockTimestamp(ctx, ev.BlockNumber)
		if err != nil {
			return nil, err
		}
		update.Status = &status
		update.StatusUpdatedAt = &at
	}
	if update.Status == nil && update.Metadata == nil {
		return nil, nil
	}
	return []changeset.Changeset{changeset.UpdateApplication{
		ChainID:       hctx.ChainID,
		RoundID:       round.ID,
		ApplicationID: app.ID,
		Update:        update,
	}}, nil
}

// handleStatusRowUpdated applies a packed row of statuses: four bits per
// application, 64 applications per row.
func (m *module) handleStatusRowUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	row, err := ev.BigInt("rowIndex")
	if err != nil {
		return nil, err
	}
	fullRow, err := ev.BigInt("fullRow")
	if err != nil {
		return nil, err
	}
	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	at, err := hctx.Chain.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}

	first := new(big.Int).Mul(row, big.NewInt(statusesInRow))
	mask := big.NewInt(1<<statusBits - 1)

	var css []changeset.Changeset
	for i := 0; i < statusesInRow; i++ {
		code := new(big.Int).Rsh(fullRow, uint(i*statusBits))
		status, ok := recipientStatuses[code.And(code, mask).Uint64()]
		if !ok {
			continue
		}

		id := new(big.Int).Add(first, big.NewInt(int64(i))).String()
		app, err := hctx.Store.GetApplication(ctx, hctx.ChainID, round.ID, id)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if app.Status == status {
			continue
		}
		css = append(css, changeset.UpdateApplication{
			ChainID:       hctx.ChainID,
			RoundID:       round.ID,
			ApplicationID: id,
			Update: models.ApplicationUpdate{
				Status:          &status,
				StatusUpdatedAt: &at,
				UpdatedAtBlock:  ev.BlockNumber,
			},
		})
	}
	return css, nil
}

func (m *module) handleRecipientStatusUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	recipient, err := ev.Addr("recipientId")
	if err != nil {
		return nil, err
	}
	code, err := ev.Uint64("status")
	if err != nil {
		return nil, err
	}
	status, ok := recipientStatuses[code]
	if !ok {
		return nil, nil
	}

	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	app, err := applicationByRecipient(ctx, hctx, ev, round, recipient)
	if err != nil || app == nil || app.Status == status {
		return nil, err
	}
	at, err := hctx.Chain.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.UpdateApplication{
		ChainID:       hctx.ChainID,
		RoundID:       round.ID,
		ApplicationID: app.ID,
		Update: models.ApplicationUpdate{
			Status:          &status,
			StatusUpdatedAt: &at,
			UpdatedAtBlock:  ev.BlockNumber,
		},
	}}, nil
}

func (m *module) handleAllocated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	recipient, err := ev.Addr("recipientId")
	if err != nil {
		return nil, err
	}
	amount, err := ev.BigInt("amount")
	if err != nil {
		return nil, err
	}
	token, err := ev.Addr("token")
	if err != nil {
		return nil, err
	}
	token = core.NormalizeToken(token)

	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	app, err := applicationByRecipient(ctx, hctx, ev, round, recipient)
	if err != nil || app == nil {
		return nil, err
	}

	// The event's sender is the checkout contract for batched donations.
	donor, err := hctx.Sender(ctx, ev)
	if err != nil {
		return nil, err
	}
	usd, inMatch, err := hctx.Amounts(ctx, round, token, amount, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	at, err := hctx.Chain.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}

	payee := recipient
	if r := gjson.GetBytes(app.Metadata, "application.recipient").String(); r != "" {
		payee = models.NormalizeAddress(r)
	}

	return []changeset.Changeset{
		changeset.InsertDonation{Donation: models.Donation{
			ID:                      core.EventID(ev),
			ChainID:                 hctx.ChainID,
			RoundID:                 round.ID,
			ApplicationID:           app.ID,
			ProjectID:               app.ProjectID,
			DonorAddress:            donor,
			RecipientAddress:        payee,
			TokenAddress:            token,
			Amount:                  amount,
			AmountInUSD:             usd,
			AmountInRoundMatchToken: inMatch,
			TransactionHash:         ev.TransactionHash,
			BlockNumber:             ev.BlockNumber,
			Timestamp:               at,
		}},
		changeset.IncrementRoundDonationStats{
			ChainID:     hctx.ChainID,
			RoundID:     round.ID,
			AmountInUSD: usd,
			Donor:       donor,
		},
		changeset.IncrementApplicationDonationStats{
			ChainID:       hctx.ChainID,
			RoundID:       round.ID,
			ApplicationID: app.ID,
			AmountInUSD:   usd,
			Donor:         donor,
		},
	}, nil
}

func (m *module) handleDistributionUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	meta, err := ev.MetaPtr("metadata")
	if err != nil {
		return nil, err
	}
	if _, err := requireRoundByStrategy(ctx, hctx, ev.Address); err != nil {
		return nil, err
	}
	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	if doc == nil {
		return nil, nil
	}

	distribution := doc
	if d := gjson.GetBytes(doc, "matchingDistribution"); d.Exists() {
		distribution = json.RawMessage(d.Raw)
	}
	return []changeset.Changeset{changeset.UpdateRoundByStrategyAddress{
		ChainID:         hctx.ChainID,
		StrategyAddress: ev.Address,
		Update: models.RoundUpdate{
			MatchingDistribution: distribution,
			UpdatedAtBlock:       ev.BlockNumber,
		},
	}}, nil
}

func (m *module) handleFundsDistributed(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	amount, err := ev.BigInt("amount")
	if err != nil {
		return nil, err
	}
	token, err := ev.Addr("token")
	if err != nil {
		return nil, err
	}
	token = core.NormalizeToken(token)
	recipient, err := ev.Addr("recipientId")
	if err != nil {
		return nil, err
	}

	round, err := requireRoundByStrategy(ctx, hctx, ev.Address)
	if err != nil {
		return nil, err
	}
	app, err := applicationByRecipient(ctx, hctx, ev, round, recipient)
	if err != nil || app == nil {
		return nil, err
	}

	usd, inMatch, err := hctx.Amounts(ctx, round, token, amount, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	sender, err := hctx.Sender(ctx, ev)
	if err != nil {
		return nil, err
	}
	at, err := hctx.Chain.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}

	tx := ev.TransactionHash
	return []changeset.Changeset{
		changeset.InsertApplicationPayout{Payout: models.ApplicationPayout{
			ID:                      core.EventID(ev),
			ChainID:                 hctx.ChainID,
			RoundID:                 round.ID,
			ApplicationID:           app.ID,
			TokenAddress:            token,
			Amount:                  amount,
			AmountInUSD:             usd,
			AmountInRoundMatchToken: inMatch,
			TransactionHash:         tx,
			SenderAddress:           sender,
			Timestamp:               at,
		}},
		changeset.IncrementRoundTotalDistributed{
			ChainID: hctx.ChainID,
			RoundID: round.ID,
			Amount:  amount,
		},
		changeset.UpdateApplication{
			ChainID:       hctx.ChainID,
			RoundID:       round.ID,
			ApplicationID: app.ID,
			Update: models.ApplicationUpdate{
				DistributionTransaction: &tx,
				UpdatedAtBlock:          ev.BlockNumber,
			},
		},
	}, nil
}

// handleTimestampsUpdated covers both strategies. Direct grants only carry
// the registration window.
func (m *module) handleTimestampsUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	if _, err := requireRoundByStrategy(ctx, hctx, ev.Address); err != nil {
		return nil, err
	}

	update := models.RoundUpdate{UpdatedAtBlock: ev.BlockNumber}
	fields := []struct {
		param string
		dst   **time.Time
	}{
		{"registrationStartTime", &update.ApplicationsStartTime},
		{"registrationEndTime", &update.ApplicationsEndTime},
		{"allocationStartTime", &update.DonationsStartTime},
		{"allocationEndTime", &update.DonationsEndTime},
	}
	for _, f := range fields {
		if !ev.Has(f.param) {
			continue
		}
		v, err := ev.BigInt(f.param)
		if err != nil {
			return nil, err
		}
		*f.dst = unixTime(v)
	}

	return []changeset.Changeset{changeset.UpdateRoundByStrategyAddress{
		ChainID:         hctx.ChainID,
		StrategyAddress: ev.Address,
		Update:          update,
	}}, nil
}
