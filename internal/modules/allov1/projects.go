package allov1

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

// projectID derives the global id of a registry entry:
// keccak256(abi.encodePacked(uint256 chainId, address registry, uint256 projectNumber)).
func projectID(chainID int64, registry string, number *big.Int) string {
	return strings.ToLower(crypto.Keccak256Hash(
		common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32),
		common.HexToAddress(registry).Bytes(),
		common.LeftPadBytes(number.Bytes(), 32),
	).Hex())
}

func (m *module) handleProjectCreated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	number, err := ev.BigInt("projectID")
	if err != nil {
		return nil, err
	}
	owner, err := ev.Addr("owner")
	if err != nil {
		return nil, err
	}
	sender, err := hctx.Sender(ctx, ev)
	if err != nil {
		return nil, err
	}

	id := projectID(hctx.ChainID, ev.Address, number)
	n := number.Int64()

	return []changeset.Changeset{
		changeset.InsertProject{Project: models.Project{
			ID:               id,
			ChainID:          hctx.ChainID,
			ProjectNumber:    &n,
			RegistryAddress:  ev.Address,
			CreatedByAddress: sender,
			CreatedAtBlock:   ev.BlockNumber,
			UpdatedAtBlock:   ev.BlockNumber,
			Tags:             []string{models.TagAlloV1},
		}},
		changeset.InsertProjectRole{Role: models.ProjectRole{
			ChainID:        hctx.ChainID,
			ProjectID:      id,
			Address:        owner,
			Role:           models.ProjectRoleOwner,
			CreatedAtBlock: ev.BlockNumber,
		}},
	}, nil
}

func (m *module) handleProjectMetadataUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	number, err := ev.BigInt("projectID")
	if err != nil {
		return nil, err
	}
	meta, err := ev.MetaPtr("metaPtr")
	if err != nil {
		return nil, err
	}

	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	if doc == nil {
		return nil, nil
	}

	update := models.ProjectUpdate{
		MetadataCID:    &meta.Pointer,
		Metadata:       doc,
		UpdatedAtBlock: ev.BlockNumber,
	}
	if title := gjson.GetBytes(doc, "title").String(); title != "" {
		update.Name = &title
	}

	return []changeset.Changeset{changeset.UpdateProject{
		ChainID:   hctx.ChainID,
		ProjectID: projectID(hctx.ChainID, ev.Address, number),
		Update:    update,
	}}, nil
}

func (m *module) handleOwnerAdded(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	number, err := ev.BigInt("projectID")
	if err != nil {
		return nil, err
	}
	owner, err := ev.Addr("owner")
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.InsertProjectRole{Role: models.ProjectRole{
		ChainID:        hctx.ChainID,
		ProjectID:      projectID(hctx.ChainID, ev.Address, number),
		Address:        owner,
		Role:           models.ProjectRoleOwner,
		CreatedAtBlock: ev.BlockNumber,
	}}}, nil
}

func (m *module) handleOwnerRemoved(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	number, err := ev.BigInt("projectID")
	if err != nil {
		return nil, err
	}
	owner, err := ev.Addr("owner")
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.DeleteAllProjectRolesByRoleAndAddress{
		ChainID:   hctx.ChainID,
		ProjectID: projectID(hctx.ChainID, ev.Address, number),
		Role:      models.ProjectRoleOwner,
		Address:   owner,
	}}, nil
}
