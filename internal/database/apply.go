package database

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/zilstream/grants-indexer/internal/models"
)

// ApplyProjectUpdate copies the set fields of u onto p.
func ApplyProjectUpdate(p *models.Project, u models.ProjectUpdate) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.AnchorAddress != nil {
		p.AnchorAddress = u.AnchorAddress
	}
	if u.MetadataCID != nil {
		p.MetadataCID = u.MetadataCID
	}
	if u.Metadata != nil {
		p.Metadata = u.Metadata
	}
	if u.UpdatedAtBlock > p.UpdatedAtBlock {
		p.UpdatedAtBlock = u.UpdatedAtBlock
	}
}

// ApplyRoundUpdate copies the set fields of u onto r.
func ApplyRoundUpdate(r *models.Round, u models.RoundUpdate) {
	if u.MatchAmount != nil {
		r.MatchAmount = new(big.Int).Set(u.MatchAmount)
	}
	if u.MatchAmountInUSD != nil {
		r.MatchAmountInUSD = *u.MatchAmountInUSD
	}
	if u.ApplicationMetadataCID != nil {
		r.ApplicationMetadataCID = u.ApplicationMetadataCID
	}
	if u.ApplicationMetadata != nil {
		r.ApplicationMetadata = u.ApplicationMetadata
	}
	if u.RoundMetadataCID != nil {
		r.RoundMetadataCID = u.RoundMetadataCID
	}
	if u.RoundMetadata != nil {
		r.RoundMetadata = u.RoundMetadata
	}
	if u.ApplicationsStartTime != nil {
		r.ApplicationsStartTime = u.ApplicationsStartTime
	}
	if u.ApplicationsEndTime != nil {
		r.ApplicationsEndTime = u.ApplicationsEndTime
	}
	if u.DonationsStartTime != nil {
		r.DonationsStartTime = u.DonationsStartTime
	}
	if u.DonationsEndTime != nil {
		r.DonationsEndTime = u.DonationsEndTime
	}
	if u.MatchingDistribution != nil {
		r.MatchingDistribution = u.MatchingDistribution
	}
	if u.UpdatedAtBlock > r.UpdatedAtBlock {
		r.UpdatedAtBlock = u.UpdatedAtBlock
	}
}

// ApplyApplicationUpdate copies the set fields of u onto a. A status change
// appends a snapshot; the snapshot slice is copied so earlier values stay intact.
func ApplyApplicationUpdate(a *models.Application, u models.ApplicationUpdate) {
	if u.Status != nil {
		snaps := make([]models.StatusSnapshot, len(a.StatusSnapshots), len(a.StatusSnapshots)+1)
		copy(snaps, a.StatusSnapshots)
		a.StatusSnapshots = append(snaps, models.StatusSnapshot{
			Status:         *u.Status,
			UpdatedAtBlock: u.UpdatedAtBlock,
			UpdatedAt:      u.StatusUpdatedAt,
		})
		a.Status = *u.Status
		a.StatusUpdatedAtBlock = u.UpdatedAtBlock
	}
	if u.MetadataCID != nil {
		a.MetadataCID = u.MetadataCID
	}
	if u.Metadata != nil {
		a.Metadata = u.Metadata
	}
	if u.DistributionTransaction != nil {
		a.DistributionTransaction = u.DistributionTransaction
	}
}

// NormalizeRound fills nil amounts so arithmetic on stored rounds never panics.
func NormalizeRound(r models.Round) models.Round {
	r.MatchAmount = zeroIfNil(r.MatchAmount)
	r.FundedAmount = zeroIfNil(r.FundedAmount)
	r.TotalDistributed = zeroIfNil(r.TotalDistributed)
	if r.UpdatedAtBlock == 0 {
		r.UpdatedAtBlock = r.CreatedAtBlock
	}
	return r
}

// NormalizeApplication seeds the status history with the initial status.
func NormalizeApplication(a models.Application) models.Application {
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	if len(a.StatusSnapshots) == 0 {
		a.StatusSnapshots = []models.StatusSnapshot{{
			Status:         a.Status,
			UpdatedAtBlock: a.CreatedAtBlock,
		}}
	}
	if a.StatusUpdatedAtBlock == 0 {
		a.StatusUpdatedAtBlock = a.CreatedAtBlock
	}
	if a.TotalAmountDonatedInUSD.IsZero() {
		a.TotalAmountDonatedInUSD = decimal.Zero
	}
	return a
}

// RoundRoleFor maps a raw role id onto the round's admin or manager role.
func RoundRoleFor(r models.Round, roleID string) (models.RoundRoleName, bool) {
	switch roleID {
	case r.AdminRole:
		return models.RoundRoleAdmin, r.AdminRole != ""
	case r.ManagerRole:
		return models.RoundRoleManager, r.ManagerRole != ""
	}
	return "", false
}

func pendingProjectRoleName(p models.PendingProjectRole) models.ProjectRoleName {
	if p.RoleName == "" {
		return models.ProjectRoleOwner
	}
	return p.RoleName
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
