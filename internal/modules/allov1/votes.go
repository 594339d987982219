package allov1

import (
	"context"
	"errors"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

func (m *module) handleVoted(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	roundAddress, err := ev.Addr("roundAddress")
	if err != nil {
		return nil, err
	}
	project, err := ev.Hex("projectId")
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
	voter, err := ev.Addr("voter")
	if err != nil {
		return nil, err
	}
	grantAddress, err := ev.Addr("grantAddress")
	if err != nil {
		return nil, err
	}

	round, err := requireRound(ctx, hctx, roundAddress)
	if err != nil {
		return nil, err
	}

	var app *models.Application
	if ev.Has("applicationIndex") {
		var index string
		if index, err = ev.String("applicationIndex"); err != nil {
			return nil, err
		}
		app, err = hctx.Store.GetApplication(ctx, hctx.ChainID, round.ID, index)
	} else {
		app, err = hctx.Store.GetApplicationByProjectID(ctx, hctx.ChainID, round.ID, project)
	}
	if errors.Is(err, database.ErrNotFound) {
		hctx.Logger.Warn().
			Str("round", round.ID).
			Str("project", project).
			Str("tx", ev.TransactionHash).
			Msg("Vote for unknown application, skipping")
		return nil, nil
	}
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

	return []changeset.Changeset{
		changeset.InsertDonation{Donation: models.Donation{
			ID:                      core.EventID(ev),
			ChainID:                 hctx.ChainID,
			RoundID:                 round.ID,
			ApplicationID:           app.ID,
			ProjectID:               project,
			DonorAddress:            voter,
			RecipientAddress:        grantAddress,
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
			Donor:       voter,
		},
		changeset.IncrementApplicationDonationStats{
			ChainID:       hctx.ChainID,
			RoundID:       round.ID,
			ApplicationID: app.ID,
			AmountInUSD:   usd,
			Donor:         voter,
		},
	}, nil
}
