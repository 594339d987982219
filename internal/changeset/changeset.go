// Package changeset describes store mutations as data. Handlers return
// changesets and never touch the store themselves.
package changeset

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/zilstream/grants-indexer/internal/models"
)

// Changeset is one mutation intent. The set of variants is closed.
type Changeset interface {
	Kind() string
	changeset()
}

type base struct{}

func (base) changeset() {}

type InsertProject struct {
	base
	Project models.Project
}

type UpdateProject struct {
	base
	ChainID   int64
	ProjectID string
	Update    models.ProjectUpdate
}

type InsertProjectRole struct {
	base
	Role models.ProjectRole
}

type DeleteAllProjectRolesByRole struct {
	base
	ChainID   int64
	ProjectID string
	Role      models.ProjectRoleName
}

type DeleteAllProjectRolesByRoleAndAddress struct {
	base
	ChainID   int64
	ProjectID string
	Role      models.ProjectRoleName
	Address   string
}

type InsertPendingProjectRole struct {
	base
	Pending models.PendingProjectRole
}

type DeletePendingProjectRoles struct {
	base
	ChainID int64
	Keys    []models.PendingRoleKey
}

type InsertRound struct {
	base
	Round models.Round
}

type UpdateRound struct {
	base
	ChainID int64
	RoundID string
	Update  models.RoundUpdate
}

type UpdateRoundByStrategyAddress struct {
	base
	ChainID         int64
	StrategyAddress string
	Update          models.RoundUpdate
}

type IncrementRoundFundedAmount struct {
	base
	ChainID     int64
	RoundID     string
	Amount      *big.Int
	AmountInUSD decimal.Decimal
}

// IncrementRoundDonationStats adds one donation to the round aggregates. The
// unique donor count only moves the first time Donor is seen in the round.
type IncrementRoundDonationStats struct {
	base
	ChainID     int64
	RoundID     string
	AmountInUSD decimal.Decimal
	Donor       string
}

type IncrementRoundTotalDistributed struct {
	base
	ChainID int64
	RoundID string
	Amount  *big.Int
}

type InsertRoundRole struct {
	base
	Role models.RoundRole
}

type DeleteAllRoundRolesByRoleAndAddress struct {
	base
	ChainID int64
	RoundID string
	Role    models.RoundRoleName
	Address string
}

type InsertPendingRoundRole struct {
	base
	Pending models.PendingRoundRole
}

type DeletePendingRoundRoles struct {
	base
	ChainID int64
	Keys    []models.PendingRoleKey
}

type InsertApplication struct {
	base
	Application models.Application
}

type UpdateApplication struct {
	base
	ChainID       int64
	RoundID       string
	ApplicationID string
	Update        models.ApplicationUpdate
}

type IncrementApplicationDonationStats struct {
	base
	ChainID       int64
	RoundID       string
	ApplicationID string
	AmountInUSD   decimal.Decimal
	Donor         string
}

type InsertDonation struct {
	base
	Donation models.Donation
}

type InsertApplicationPayout struct {
	base
	Payout models.ApplicationPayout
}

type InsertPrice struct {
	base
	Price models.Price
}

// Subscription describes a contract to decode from FromBlock onwards.
type Subscription struct {
	ContractName string
	Version      string
	Address      string
	FromBlock    uint64
}

// NewSubscription asks the listener to start decoding a newly discovered contract.
// It carries no store effect.
type NewSubscription struct {
	base
	Subscription Subscription
}

func (InsertProject) Kind() string                         { return "InsertProject" }
func (UpdateProject) Kind() string                         { return "UpdateProject" }
func (InsertProjectRole) Kind() string                     { return "InsertProjectRole" }
func (DeleteAllProjectRolesByRole) Kind() string           { return "DeleteAllProjectRolesByRole" }
func (DeleteAllProjectRolesByRoleAndAddress) Kind() string { return "DeleteAllProjectRolesByRoleAndAddress" }
func (InsertPendingProjectRole) Kind() string              { return "InsertPendingProjectRole" }
func (DeletePendingProjectRoles) Kind() string             { return "DeletePendingProjectRoles" }
func (InsertRound) Kind() string                           { return "InsertRound" }
func (UpdateRound) Kind() string                           { return "UpdateRound" }
func (UpdateRoundByStrategyAddress) Kind() string          { return "UpdateRoundByStrategyAddress" }
func (IncrementRoundFundedAmount) Kind() string            { return "IncrementRoundFundedAmount" }
func (IncrementRoundDonationStats) Kind() string           { return "IncrementRoundDonationStats" }
func (IncrementRoundTotalDistributed) Kind() string        { return "IncrementRoundTotalDistributed" }
func (InsertRoundRole) Kind() string                       { return "InsertRoundRole" }
func (DeleteAllRoundRolesByRoleAndAddress) Kind() string   { return "DeleteAllRoundRolesByRoleAndAddress" }
func (InsertPendingRoundRole) Kind() string                { return "InsertPendingRoundRole" }
func (DeletePendingRoundRoles) Kind() string               { return "DeletePendingRoundRoles" }
func (InsertApplication) Kind() string                     { return "InsertApplication" }
func (UpdateApplication) Kind() string                     { return "UpdateApplication" }
func (IncrementApplicationDonationStats) Kind() string     { return "IncrementApplicationDonationStats" }
func (InsertDonation) Kind() string                        { return "InsertDonation" }
func (InsertApplicationPayout) Kind() string               { return "InsertApplicationPayout" }
func (InsertPrice) Kind() string                           { return "InsertPrice" }
func (NewSubscription) Kind() string                       { return "NewSubscription" }

// Split separates subscription requests from store mutations, keeping order.
func Split(css []Changeset) (mutations []Changeset, subs []Subscription) {
	for _, cs := range css {
		if s, ok := cs.(NewSubscription); ok {
			subs = append(subs, s.Subscription)
			continue
		}
		mutations = append(mutations, cs)
	}
	return mutations, subs
}

// RoundIDs returns the rounds touched by the given changesets, in first-seen order.
func RoundIDs(css []Changeset) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, cs := range css {
		switch c := cs.(type) {
		case InsertRound:
			add(c.Round.ID)
		case UpdateRound:
			add(c.RoundID)
		case IncrementRoundFundedAmount:
			add(c.RoundID)
		case IncrementRoundDonationStats:
			add(c.RoundID)
		case IncrementRoundTotalDistributed:
			add(c.RoundID)
		case InsertApplication:
			add(c.Application.RoundID)
		case UpdateApplication:
			add(c.RoundID)
		}
	}
	return ids
}
