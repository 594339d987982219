package database

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/models"
)

const testChain int64 = 10

func testRound(id string) models.Round {
	return models.Round{
		ID:                id,
		ChainID:           testChain,
		Tags:              []string{models.TagAlloV1},
		MatchTokenAddress: "0x0000000000000000000000000000000000000000",
		AdminRole:         "0xadmin",
		ManagerRole:       "0xmanager",
		StrategyAddress:   "0xstrategy",
		CreatedAtBlock:    100,
	}
}

func testApplication(roundID, id string) models.Application {
	return models.Application{
		ID:             id,
		ChainID:        testChain,
		RoundID:        roundID,
		ProjectID:      "0xproject",
		Status:         models.StatusPending,
		CreatedAtBlock: 110,
	}
}

func TestDonationAggregates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
		changeset.InsertRound{Round: testRound("0xround")},
		changeset.InsertApplication{Application: testApplication("0xround", "0")},
	}))

	donors := []string{"0xa", "0xb", "0xa", "0xc", "0xb"}
	amounts := []string{"1.25", "2.50", "0.10", "3", "0.15"}
	expected := decimal.Zero

	for i, donor := range donors {
		usd := decimal.RequireFromString(amounts[i])
		expected = expected.Add(usd)
		require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
			changeset.InsertDonation{Donation: models.Donation{
				ID:          fmt.Sprintf("0xdonation%d", i),
				ChainID:     testChain,
				RoundID:     "0xround",
				Amount:      big.NewInt(int64(i + 1)),
				AmountInUSD: usd,
			}},
			changeset.IncrementRoundDonationStats{ChainID: testChain, RoundID: "0xround", AmountInUSD: usd, Donor: donor},
			changeset.IncrementApplicationDonationStats{ChainID: testChain, RoundID: "0xround", ApplicationID: "0", AmountInUSD: usd, Donor: donor},
		}))
	}

	round, err := store.GetRound(ctx, testChain, "0xround")
	require.NoError(t, err)
	assert.Equal(t, int64(len(donors)), round.TotalDonationsCount)
	assert.Equal(t, int64(3), round.UniqueDonorsCount)
	assert.True(t, expected.Equal(round.TotalAmountDonatedInUSD), "got %s", round.TotalAmountDonatedInUSD)

	app, err := store.GetApplication(ctx, testChain, "0xround", "0")
	require.NoError(t, err)
	assert.Equal(t, int64(len(donors)), app.TotalDonationsCount)
	assert.Equal(t, int64(3), app.UniqueDonorsCount)
	assert.True(t, expected.Equal(app.TotalAmountDonatedInUSD))

	assert.Len(t, store.Snapshot(testChain).Donations, len(donors))
}

func TestInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inserts := []changeset.Changeset{
		changeset.InsertProject{Project: models.Project{ID: "0xp", ChainID: testChain, Name: "first", CreatedAtBlock: 1}},
		changeset.InsertRound{Round: testRound("0xround")},
		changeset.InsertApplication{Application: testApplication("0xround", "0")},
		changeset.InsertDonation{Donation: models.Donation{ID: "0xd", ChainID: testChain, Amount: big.NewInt(5)}},
		changeset.InsertPrice{Price: models.Price{ChainID: testChain, TokenAddress: "0xt", BlockNumber: 10, PriceInUSD: big.NewInt(1)}},
	}

	require.NoError(t, store.MutateMany(ctx, inserts))
	before := store.Snapshot(testChain)

	require.NoError(t, store.MutateMany(ctx, inserts))
	assert.Equal(t, before, store.Snapshot(testChain))
}

func TestPendingProjectRoleResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Mutate(ctx, changeset.InsertPendingProjectRole{Pending: models.PendingProjectRole{
		ChainID:        testChain,
		Role:           "0xprofile",
		Address:        "0xmember",
		RoleName:       models.ProjectRoleMember,
		CreatedAtBlock: 5,
	}}))
	require.Len(t, store.Snapshot(testChain).PendingProjectRoles, 1)

	require.NoError(t, store.Mutate(ctx, changeset.InsertProject{Project: models.Project{
		ID: "0xprofile", ChainID: testChain, CreatedAtBlock: 6,
	}}))

	snap := store.Snapshot(testChain)
	assert.Empty(t, snap.PendingProjectRoles)
	require.Len(t, snap.ProjectRoles, 1)
	assert.Equal(t, models.ProjectRole{
		ChainID:        testChain,
		ProjectID:      "0xprofile",
		Address:        "0xmember",
		Role:           models.ProjectRoleMember,
		CreatedAtBlock: 5,
	}, snap.ProjectRoles[0])
}

func TestPendingRoundRoleResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
		changeset.InsertPendingRoundRole{Pending: models.PendingRoundRole{ChainID: testChain, Role: "0xadmin", Address: "0x1", CreatedAtBlock: 1}},
		changeset.InsertPendingRoundRole{Pending: models.PendingRoundRole{ChainID: testChain, Role: "0xmanager", Address: "0x2", CreatedAtBlock: 2}},
		changeset.InsertPendingRoundRole{Pending: models.PendingRoundRole{ChainID: testChain, Role: "0xother", Address: "0x3", CreatedAtBlock: 3}},
	}))

	require.NoError(t, store.Mutate(ctx, changeset.InsertRound{Round: testRound("7")}))

	roles := store.RoundRoles(testChain, "7")
	require.Len(t, roles, 2)
	assert.Equal(t, models.RoundRoleAdmin, roles[0].Role)
	assert.Equal(t, "0x1", roles[0].Address)
	assert.Equal(t, models.RoundRoleManager, roles[1].Role)
	assert.Equal(t, "0x2", roles[1].Address)

	pending := store.Snapshot(testChain).PendingRoundRoles
	require.Len(t, pending, 1)
	assert.Equal(t, "0xother", pending[0].Role)
}

func TestMutateManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Mutate(ctx, changeset.InsertRound{Round: testRound("0xround")}))
	before := store.Snapshot(testChain)

	err := store.MutateMany(ctx, []changeset.Changeset{
		changeset.InsertProject{Project: models.Project{ID: "0xp", ChainID: testChain}},
		changeset.IncrementRoundDonationStats{ChainID: testChain, RoundID: "0xround", AmountInUSD: decimal.NewFromInt(1), Donor: "0xa"},
		changeset.UpdateApplication{ChainID: testChain, RoundID: "0xround", ApplicationID: "missing"},
	})

	var missing *MissingEntityError
	require.ErrorAs(t, err, &missing)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, store.Snapshot(testChain))

	// the donor set was rolled back too
	require.NoError(t, store.Mutate(ctx, changeset.IncrementRoundDonationStats{
		ChainID: testChain, RoundID: "0xround", AmountInUSD: decimal.NewFromInt(1), Donor: "0xa",
	}))
	round, err := store.GetRound(ctx, testChain, "0xround")
	require.NoError(t, err)
	assert.Equal(t, int64(1), round.UniqueDonorsCount)
}

func TestApplicationStatusSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
		changeset.InsertRound{Round: testRound("0xround")},
		changeset.InsertApplication{Application: testApplication("0xround", "0")},
	}))

	for i, status := range []models.ApplicationStatus{models.StatusApproved, models.StatusRejected} {
		status := status
		require.NoError(t, store.Mutate(ctx, changeset.UpdateApplication{
			ChainID: testChain, RoundID: "0xround", ApplicationID: "0",
			Update: models.ApplicationUpdate{Status: &status, UpdatedAtBlock: uint64(200 + i)},
		}))
	}

	app, err := store.GetApplication(ctx, testChain, "0xround", "0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, app.Status)
	assert.Equal(t, uint64(201), app.StatusUpdatedAtBlock)
	require.Len(t, app.StatusSnapshots, 3)
	assert.Equal(t, models.StatusPending, app.StatusSnapshots[0].Status)
	assert.Equal(t, models.StatusApproved, app.StatusSnapshots[1].Status)
	assert.Equal(t, models.StatusRejected, app.StatusSnapshots[2].Status)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	anchor := "0xanchor"

	require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
		changeset.InsertProject{Project: models.Project{ID: "0xp", ChainID: testChain, AnchorAddress: &anchor}},
		changeset.InsertRound{Round: testRound("0xround")},
		changeset.InsertApplication{Application: testApplication("0xround", "0")},
		changeset.InsertApplication{Application: testApplication("0xround", "1")},
		changeset.InsertPrice{Price: models.Price{ChainID: testChain, TokenAddress: "0xt", BlockNumber: 1000, PriceInUSD: big.NewInt(1)}},
		changeset.InsertPrice{Price: models.Price{ChainID: testChain, TokenAddress: "0xt", BlockNumber: 2500, PriceInUSD: big.NewInt(2)}},
	}))

	p, err := store.GetProjectByAnchor(ctx, testChain, anchor)
	require.NoError(t, err)
	assert.Equal(t, "0xp", p.ID)

	r, err := store.GetRoundByStrategyAddress(ctx, testChain, "0xstrategy")
	require.NoError(t, err)
	assert.Equal(t, "0xround", r.ID)

	r, err = store.GetRoundByRole(ctx, testChain, models.RoundRoleManager, "0xmanager")
	require.NoError(t, err)
	assert.Equal(t, "0xround", r.ID)

	n, err := store.CountApplications(ctx, testChain, "0xround")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	price, err := store.GetPriceInRange(ctx, testChain, "0xt", 2000, 2999)
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), price.BlockNumber)

	_, err = store.GetPriceInRange(ctx, testChain, "0xt", 1001, 2499)
	assert.ErrorIs(t, err, ErrNotFound)

	price, err = store.GetLatestPrice(ctx, testChain, "0xt", 2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), price.BlockNumber)

	_, err = store.GetProject(ctx, testChain+1, "0xp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetChainKeepsPricesAndOtherChains(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	other := testRound("0xround")
	other.ChainID = testChain + 1
	require.NoError(t, store.MutateMany(ctx, []changeset.Changeset{
		changeset.InsertRound{Round: testRound("0xround")},
		changeset.InsertRound{Round: other},
		changeset.InsertPrice{Price: models.Price{ChainID: testChain, TokenAddress: "0xt", BlockNumber: 1, PriceInUSD: big.NewInt(1)}},
	}))

	require.NoError(t, store.ResetChain(ctx, testChain))

	_, err := store.GetRound(ctx, testChain, "0xround")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRound(ctx, testChain+1, "0xround")
	assert.NoError(t, err)
	_, err = store.GetLatestPrice(ctx, testChain, "0xt", 10)
	assert.NoError(t, err)
}

func TestUnsupportedChangeset(t *testing.T) {
	err := NewMemoryStore().Mutate(context.Background(), changeset.NewSubscription{})
	var unsupported *UnsupportedChangesetError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "NewSubscription", unsupported.Kind)
}
