package database

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/config"
	"github.com/zilstream/grants-indexer/internal/models"
)

type storeCase struct {
	name  string
	open  func(t *testing.T) Store
	roles func(t *testing.T, s Store, projectID string) []models.ProjectRole
}

// storeCases runs against the memory store always and against Postgres when
// INDEXER_TEST_POSTGRES is set. The connection comes from the usual
// INDEXER_DATABASE_* variables.
func storeCases() []storeCase {
	cases := []storeCase{{
		name: "memory",
		open: func(t *testing.T) Store { return NewMemoryStore() },
		roles: func(t *testing.T, s Store, projectID string) []models.ProjectRole {
			return s.(*MemoryStore).ProjectRoles(testChain, projectID)
		},
	}}
	if os.Getenv("INDEXER_TEST_POSTGRES") == "" {
		return cases
	}
	return append(cases, storeCase{
		name: "postgres",
		open: openTestPGStore,
		roles: func(t *testing.T, s Store, projectID string) []models.ProjectRole {
			rows, err := s.(*PGStore).db.Pool().Query(context.Background(), `
				SELECT chain_id, project_id, address, role, created_at_block
				FROM project_roles WHERE chain_id = $1 AND project_id = $2
				ORDER BY address, role`, testChain, projectID)
			require.NoError(t, err)
			defer rows.Close()
			var out []models.ProjectRole
			for rows.Next() {
				var r models.ProjectRole
				var role string
				require.NoError(t, rows.Scan(&r.ChainID, &r.ProjectID, &r.Address, &role, &r.CreatedAtBlock))
				r.Role = models.ProjectRoleName(role)
				out = append(out, r)
			}
			require.NoError(t, rows.Err())
			return out
		},
	})
}

func openTestPGStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, &cfg.Database, zerolog.Nop()))
	db, err := New(ctx, &cfg.Database, zerolog.Nop())
	require.NoError(t, err)

	store := NewPGStore(db, nil, zerolog.Nop())
	require.NoError(t, store.ResetChain(ctx, testChain))
	t.Cleanup(func() {
		_ = store.ResetChain(ctx, testChain)
		_ = store.Close()
	})
	return store
}

func TestRepeatedPendingProjectRoleKeepsFirstBlock(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)

			grant := func(name models.ProjectRoleName, block uint64) changeset.Changeset {
				return changeset.InsertPendingProjectRole{Pending: models.PendingProjectRole{
					ChainID:        testChain,
					Role:           "0xprofile",
					Address:        "0xmember",
					RoleName:       name,
					CreatedAtBlock: block,
				}}
			}
			require.NoError(t, store.Mutate(ctx, grant(models.ProjectRoleMember, 5)))
			require.NoError(t, store.Mutate(ctx, grant(models.ProjectRoleOwner, 9)))
			require.NoError(t, store.Mutate(ctx, changeset.InsertProject{Project: models.Project{
				ID: "0xprofile", ChainID: testChain, CreatedAtBlock: 10,
			}}))

			assert.Equal(t, []models.ProjectRole{{
				ChainID:        testChain,
				ProjectID:      "0xprofile",
				Address:        "0xmember",
				Role:           models.ProjectRoleOwner,
				CreatedAtBlock: 5,
			}}, tc.roles(t, store, "0xprofile"))
		})
	}
}

func TestRepeatedPendingRoundRoleKeepsFirstGrant(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)

			require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
				changeset.InsertPendingRoundRole{Pending: models.PendingRoundRole{ChainID: testChain, Role: "0xadmin", Address: "0x1", CreatedAtBlock: 2}},
				changeset.InsertPendingRoundRole{Pending: models.PendingRoundRole{ChainID: testChain, Role: "0xadmin", Address: "0x1", CreatedAtBlock: 8}},
			}))
			require.NoError(t, store.Mutate(ctx, changeset.InsertRound{Round: testRound("7")}))

			round, err := store.GetRoundByRole(ctx, testChain, models.RoundRoleAdmin, "0xadmin")
			require.NoError(t, err)
			assert.Equal(t, "7", round.ID)

			if mem, ok := store.(*MemoryStore); ok {
				roles := mem.RoundRoles(testChain, "7")
				require.Len(t, roles, 1)
				assert.Equal(t, uint64(2), roles[0].CreatedAtBlock)
			}
		})
	}
}
