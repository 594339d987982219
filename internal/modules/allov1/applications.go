package allov1

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

// Status codes packed two bits per application, 128 applications per row.
var packedStatuses = []models.ApplicationStatus{
	models.StatusPending,
	models.StatusApproved,
	models.StatusRejected,
	models.StatusCancelled,
}

const (
	statusBits    = 2
	statusesInRow = 128
)

func (m *module) handleNewProjectApplication(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	param := "projectID"
	if !ev.Has(param) {
		param = "project"
	}
	project, err := ev.Hex(param)
	if err != nil {
		return nil, err
	}
	meta, err := ev.MetaPtr("applicationMetaPtr")
	if err != nil {
		return nil, err
	}

	var id string
	if ev.Has("applicationIndex") {
		if id, err = ev.String("applicationIndex"); err != nil {
			return nil, err
		}
	} else {
		// Without an index the id is the application's position in the round.
		n, err := hctx.Store.CountApplications(ctx, hctx.ChainID, ev.Address)
		if err != nil {
			return nil, err
		}
		id = strconv.Itoa(n)
	}

	sender, err := hctx.Sender(ctx, ev)
	if err != nil {
		return nil, err
	}

	return []changeset.Changeset{changeset.InsertApplication{Application: models.Application{
		ID:               id,
		ChainID:          hctx.ChainID,
		RoundID:          ev.Address,
		ProjectID:        project,
		Status:           models.StatusPending,
		MetadataCID:      &meta.Pointer,
		Metadata:         hctx.FetchMetadata(ctx, meta.Pointer),
		CreatedByAddress: sender,
		CreatedAtBlock:   ev.BlockNumber,
	}}}, nil
}

func (m *module) handleApplicationStatusesUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	row, err := ev.BigInt("index")
	if err != nil {
		return nil, err
	}
	bitmap, err := ev.BigInt("status")
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
		code := new(big.Int).Rsh(bitmap, uint(i*statusBits))
		code.And(code, mask)
		status := packedStatuses[code.Int64()]

		id := new(big.Int).Add(first, big.NewInt(int64(i))).String()
		app, err := hctx.Store.GetApplication(ctx, hctx.ChainID, ev.Address, id)
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
			RoundID:       ev.Address,
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

// handleProjectsMetaPtrUpdated applies the off-chain status list the first
// round generation published: [{"id": projectId, "status": "APPROVED"}, ...].
func (m *module) handleProjectsMetaPtrUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	meta, err := ev.MetaPtr("newMetaPtr")
	if err != nil {
		return nil, err
	}
	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	if doc == nil {
		return nil, nil
	}
	at, err := hctx.Chain.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}

	var (
		css     []changeset.Changeset
		callErr error
	)
	gjson.ParseBytes(doc).ForEach(func(_, item gjson.Result) bool {
		project := strings.ToLower(item.Get("id").String())
		status, ok := parseStatus(item.Get("status").String())
		if project == "" || !ok {
			hctx.Logger.Warn().Str("round", ev.Address).Str("entry", item.Raw).Msg("Skipping malformed status entry")
			return true
		}

		app, err := hctx.Store.GetApplicationByProjectID(ctx, hctx.ChainID, ev.Address, project)
		if errors.Is(err, database.ErrNotFound) {
			return true
		}
		if err != nil {
			callErr = err
			return false
		}
		if app.Status == status {
			return true
		}
		css = append(css, changeset.UpdateApplication{
			ChainID:       hctx.ChainID,
			RoundID:       ev.Address,
			ApplicationID: app.ID,
			Update: models.ApplicationUpdate{
				Status:          &status,
				StatusUpdatedAt: &at,
				UpdatedAtBlock:  ev.BlockNumber,
			},
		})
		return true
	})
	if callErr != nil {
		return nil, callErr
	}
	return css, nil
}

func parseStatus(s string) (models.ApplicationStatus, bool) {
	switch status := models.ApplicationStatus(strings.ToUpper(s)); status {
	case models.StatusPending, models.StatusApproved, models.StatusRejected, models.StatusCancelled, models.StatusInReview:
		return status, true
	default:
		return "", false
	}
}
