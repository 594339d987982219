package allov2

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/database"
	"github.com/zilstream/grants-indexer/internal/event"
	"github.com/zilstream/grants-indexer/internal/models"
	"github.com/zilstream/grants-indexer/internal/modules/core"
)

// defaultAdminRole is the access-control root role. It never names a
// profile or a pool.
var defaultAdminRole = "0x" + strings.Repeat("0", 64)

func (m *module) handleProfileCreated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	profileID, err := ev.Hex("profileId")
	if err != nil {
		return nil, err
	}
	nonce, err := ev.BigInt("nonce")
	if err != nil {
		return nil, err
	}
	name, err := ev.String("name")
	if err != nil {
		return nil, err
	}
	meta, err := ev.MetaPtr("metadata")
	if err != nil {
		return nil, err
	}
	owner, err := ev.Addr("owner")
	if err != nil {
		return nil, err
	}
	anchor, err := ev.Addr("anchor")
	if err != nil {
		return nil, err
	}
	sender, err := hctx.Sender(ctx, ev)
	if err != nil {
		return nil, err
	}

	doc := hctx.FetchMetadata(ctx, meta.Pointer)
	kind := tagProject
	if gjson.GetBytes(doc, "type").String() == tagProgram {
		kind = tagProgram
	}

	return []changeset.Changeset{
		changeset.InsertProject{Project: models.Project{
			ID:               profileID,
			ChainID:          hctx.ChainID,
			Name:             name,
			Nonce:            nonce,
			AnchorAddress:    &anchor,
			RegistryAddress:  ev.Address,
			MetadataCID:      &meta.Pointer,
			Metadata:         doc,
			CreatedByAddress: sender,
			CreatedAtBlock:   ev.BlockNumber,
			UpdatedAtBlock:   ev.BlockNumber,
			Tags:             []string{models.TagAlloV2, kind},
		}},
		changeset.InsertProjectRole{Role: models.ProjectRole{
			ChainID:        hctx.ChainID,
			ProjectID:      profileID,
			Address:        owner,
			Role:           models.ProjectRoleOwner,
			CreatedAtBlock: ev.BlockNumber,
		}},
	}, nil
}

func (m *module) handleProfileNameUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	profileID, err := ev.Hex("profileId")
	if err != nil {
		return nil, err
	}
	name, err := ev.String("name")
	if err != nil {
		return nil, err
	}
	anchor, err := ev.Addr("anchor")
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.UpdateProject{
		ChainID:   hctx.ChainID,
		ProjectID: profileID,
		Update: models.ProjectUpdate{
			Name:           &name,
			AnchorAddress:  &anchor,
			UpdatedAtBlock: ev.BlockNumber,
		},
	}}, nil
}

func (m *module) handleProfileMetadataUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	profileID, err := ev.Hex("profileId")
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
	return []changeset.Changeset{changeset.UpdateProject{
		ChainID:   hctx.ChainID,
		ProjectID: profileID,
		Update: models.ProjectUpdate{
			MetadataCID:    &meta.Pointer,
			Metadata:       doc,
			UpdatedAtBlock: ev.BlockNumber,
		},
	}}, nil
}

func (m *module) handleProfileOwnerUpdated(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	profileID, err := ev.Hex("profileId")
	if err != nil {
		return nil, err
	}
	owner, err := ev.Addr("owner")
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{
		changeset.DeleteAllProjectRolesByRole{
			ChainID:   hctx.ChainID,
			ProjectID: profileID,
			Role:      models.ProjectRoleOwner,
		},
		changeset.InsertProjectRole{Role: models.ProjectRole{
			ChainID:        hctx.ChainID,
			ProjectID:      profileID,
			Address:        owner,
			Role:           models.ProjectRoleOwner,
			CreatedAtBlock: ev.BlockNumber,
		}},
	}, nil
}

// Profile members are granted the role named by the profile id. Grants are
// emitted before ProfileCreated, so unknown profiles park the grant as pending.
func (m *module) handleProfileRoleGranted(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	role, account, err := roleParams(ev)
	if err != nil || role == defaultAdminRole {
		return nil, err
	}

	_, err = hctx.Store.GetProject(ctx, hctx.ChainID, role)
	if errors.Is(err, database.ErrNotFound) {
		return []changeset.Changeset{changeset.InsertPendingProjectRole{Pending: models.PendingProjectRole{
			ChainID:        hctx.ChainID,
			Role:           role,
			Address:        account,
			RoleName:       models.ProjectRoleMember,
			CreatedAtBlock: ev.BlockNumber,
		}}}, nil
	}
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.InsertProjectRole{Role: models.ProjectRole{
		ChainID:        hctx.ChainID,
		ProjectID:      role,
		Address:        account,
		Role:           models.ProjectRoleMember,
		CreatedAtBlock: ev.BlockNumber,
	}}}, nil
}

func (m *module) handleProfileRoleRevoked(ctx context.Context, hctx *core.Context, ev *event.Event) ([]changeset.Changeset, error) {
	role, account, err := roleParams(ev)
	if err != nil || role == defaultAdminRole {
		return nil, err
	}

	_, err = hctx.Store.GetProject(ctx, hctx.ChainID, role)
	if errors.Is(err, database.ErrNotFound) {
		return []changeset.Changeset{changeset.DeletePendingProjectRoles{
			ChainID: hctx.ChainID,
			Keys:    []models.PendingRoleKey{{Role: role, Address: account}},
		}}, nil
	}
	if err != nil {
		return nil, err
	}
	return []changeset.Changeset{changeset.DeleteAllProjectRolesByRoleAndAddress{
		ChainID:   hctx.ChainID,
		ProjectID: role,
		Role:      models.ProjectRoleMember,
		Address:   account,
	}}, nil
}

func roleParams(ev *event.Event) (role, account string, err error) {
	if role, err = ev.Hex("role"); err != nil {
		return "", "", err
	}
	if account, err = ev.Addr("account"); err != nil {
		return "", "", err
	}
	return role, account, nil
}
