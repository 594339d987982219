package models

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ApplicationStatus is the review state of an application within a round.
type ApplicationStatus string

const (
	StatusPending   ApplicationStatus = "PENDING"
	StatusApproved  ApplicationStatus = "APPROVED"
	StatusRejected  ApplicationStatus = "REJECTED"
	StatusCancelled ApplicationStatus = "CANCELLED"
	StatusInReview  ApplicationStatus = "IN_REVIEW"
)

type ProjectRoleName string

const (
	ProjectRoleOwner  ProjectRoleName = "owner"
	ProjectRoleMember ProjectRoleName = "member"
)

type RoundRoleName string

const (
	RoundRoleAdmin   RoundRoleName = "admin"
	RoundRoleManager RoundRoleName = "manager"
)

const (
	TagAlloV1 = "allo-v1"
	TagAlloV2 = "allo-v2"
)

// Project is a registry entry. Identity is immutable, name/metadata/ownership are not.
type Project struct {
	ID               string          `db:"id" json:"id"`
	ChainID          int64           `db:"chain_id" json:"chainId"`
	Name             string          `db:"name" json:"name"`
	ProjectNumber    *int64          `db:"project_number" json:"projectNumber,omitempty"`
	Nonce            *big.Int        `db:"nonce" json:"nonce,omitempty"`
	AnchorAddress    *string         `db:"anchor_address" json:"anchorAddress,omitempty"`
	RegistryAddress  string          `db:"registry_address" json:"registryAddress"`
	MetadataCID      *string         `db:"metadata_cid" json:"metadataCid,omitempty"`
	Metadata         json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedByAddress string          `db:"created_by_address" json:"createdByAddress"`
	CreatedAtBlock   uint64          `db:"created_at_block" json:"createdAtBlock"`
	UpdatedAtBlock   uint64          `db:"updated_at_block" json:"updatedAtBlock"`
	Tags             []string        `db:"tags" json:"tags"`
}

// ProjectUpdate holds the mutable project fields. Nil fields are left untouched.
type ProjectUpdate struct {
	Name           *string
	AnchorAddress  *string
	MetadataCID    *string
	Metadata       json.RawMessage
	UpdatedAtBlock uint64
}

type Round struct {
	ID                      string          `db:"id" json:"id"`
	ChainID                 int64           `db:"chain_id" json:"chainId"`
	Tags                    []string        `db:"tags" json:"tags"`
	MatchTokenAddress       string          `db:"match_token_address" json:"matchTokenAddress"`
	MatchAmount             *big.Int        `db:"match_amount" json:"matchAmount"`
	MatchAmountInUSD        decimal.Decimal `db:"match_amount_in_usd" json:"matchAmountInUsd"`
	FundedAmount            *big.Int        `db:"funded_amount" json:"fundedAmount"`
	FundedAmountInUSD       decimal.Decimal `db:"funded_amount_in_usd" json:"fundedAmountInUsd"`
	ApplicationMetadataCID  *string         `db:"application_metadata_cid" json:"applicationMetadataCid,omitempty"`
	ApplicationMetadata     json.RawMessage `db:"application_metadata" json:"applicationMetadata,omitempty"`
	RoundMetadataCID        *string         `db:"round_metadata_cid" json:"roundMetadataCid,omitempty"`
	RoundMetadata           json.RawMessage `db:"round_metadata" json:"roundMetadata,omitempty"`
	ApplicationsStartTime   *time.Time      `db:"applications_start_time" json:"applicationsStartTime,omitempty"`
	ApplicationsEndTime     *time.Time      `db:"applications_end_time" json:"applicationsEndTime,omitempty"`
	DonationsStartTime      *time.Time      `db:"donations_start_time" json:"donationsStartTime,omitempty"`
	DonationsEndTime        *time.Time      `db:"donations_end_time" json:"donationsEndTime,omitempty"`
	CreatedByAddress        string          `db:"created_by_address" json:"createdByAddress"`
	CreatedAtBlock          uint64          `db:"created_at_block" json:"createdAtBlock"`
	UpdatedAtBlock          uint64          `db:"updated_at_block" json:"updatedAtBlock"`
	AdminRole               string          `db:"admin_role" json:"adminRole"`
	ManagerRole             string          `db:"manager_role" json:"managerRole"`
	StrategyAddress         string          `db:"strategy_address" json:"strategyAddress"`
	StrategyID              string          `db:"strategy_id" json:"strategyId"`
	StrategyName            string          `db:"strategy_name" json:"strategyName"`
	ProjectID               *string         `db:"project_id" json:"projectId,omitempty"`
	MatchingDistribution    json.RawMessage `db:"matching_distribution" json:"matchingDistribution,omitempty"`
	TotalDistributed        *big.Int        `db:"total_distributed" json:"totalDistributed"`
	TotalAmountDonatedInUSD decimal.Decimal `db:"total_amount_donated_in_usd" json:"totalAmountDonatedInUsd"`
	TotalDonationsCount     int64           `db:"total_donations_count" json:"totalDonationsCount"`
	UniqueDonorsCount       int64           `db:"unique_donors_count" json:"uniqueDonorsCount"`
}

// RoundUpdate holds the mutable round fields. Nil fields are left untouched.
type RoundUpdate struct {
	MatchAmount            *big.Int
	MatchAmountInUSD       *decimal.Decimal
	ApplicationMetadataCID *string
	ApplicationMetadata    json.RawMessage
	RoundMetadataCID       *string
	RoundMetadata          json.RawMessage
	ApplicationsStartTime  *time.Time
	ApplicationsEndTime    *time.Time
	DonationsStartTime     *time.Time
	DonationsEndTime       *time.Time
	MatchingDistribution   json.RawMessage
	UpdatedAtBlock         uint64
}

// StatusSnapshot records a status transition of an application.
type StatusSnapshot struct {
	Status         ApplicationStatus `json:"status"`
	UpdatedAtBlock uint64            `json:"updatedAtBlock"`
	UpdatedAt      *time.Time        `json:"updatedAt,omitempty"`
}

type Application struct {
	ID                      string            `db:"id" json:"id"`
	ChainID                 int64             `db:"chain_id" json:"chainId"`
	RoundID                 string            `db:"round_id" json:"roundId"`
	ProjectID               string            `db:"project_id" json:"projectId"`
	AnchorAddress           *string           `db:"anchor_address" json:"anchorAddress,omitempty"`
	Status                  ApplicationStatus `db:"status" json:"status"`
	StatusSnapshots         []StatusSnapshot  `db:"status_snapshots" json:"statusSnapshots"`
	StatusUpdatedAtBlock    uint64            `db:"status_updated_at_block" json:"statusUpdatedAtBlock"`
	MetadataCID             *string           `db:"metadata_cid" json:"metadataCid,omitempty"`
	Metadata                json.RawMessage   `db:"metadata" json:"metadata,omitempty"`
	CreatedByAddress        string            `db:"created_by_address" json:"createdByAddress"`
	CreatedAtBlock          uint64            `db:"created_at_block" json:"createdAtBlock"`
	DistributionTransaction *string           `db:"distribution_transaction" json:"distributionTransaction,omitempty"`
	TotalAmountDonatedInUSD decimal.Decimal   `db:"total_amount_donated_in_usd" json:"totalAmountDonatedInUsd"`
	TotalDonationsCount     int64             `db:"total_donations_count" json:"totalDonationsCount"`
	UniqueDonorsCount       int64             `db:"unique_donors_count" json:"uniqueDonorsCount"`
}

// ApplicationUpdate holds the mutable application fields. A non-nil Status appends a snapshot.
type ApplicationUpdate struct {
	Status                  *ApplicationStatus
	StatusUpdatedAt         *time.Time
	MetadataCID             *string
	Metadata                json.RawMessage
	DistributionTransaction *string
	UpdatedAtBlock          uint64
}

type Donation struct {
	ID                      string          `db:"id" json:"id"`
	ChainID                 int64           `db:"chain_id" json:"chainId"`
	RoundID                 string          `db:"round_id" json:"roundId"`
	ApplicationID           string          `db:"application_id" json:"applicationId"`
	ProjectID               string          `db:"project_id" json:"projectId"`
	DonorAddress            string          `db:"donor_address" json:"donorAddress"`
	RecipientAddress        string          `db:"recipient_address" json:"recipientAddress"`
	TokenAddress            string          `db:"token_address" json:"tokenAddress"`
	Amount                  *big.Int        `db:"amount" json:"amount"`
	AmountInUSD             decimal.Decimal `db:"amount_in_usd" json:"amountInUsd"`
	AmountInRoundMatchToken *big.Int        `db:"amount_in_round_match_token" json:"amountInRoundMatchToken"`
	TransactionHash         string          `db:"transaction_hash" json:"transactionHash"`
	BlockNumber             uint64          `db:"block_number" json:"blockNumber"`
	Timestamp               time.Time       `db:"timestamp" json:"timestamp"`
}

type ApplicationPayout struct {
	ID                      string          `db:"id" json:"id"`
	ChainID                 int64           `db:"chain_id" json:"chainId"`
	RoundID                 string          `db:"round_id" json:"roundId"`
	ApplicationID           string          `db:"application_id" json:"applicationId"`
	TokenAddress            string          `db:"token_address" json:"tokenAddress"`
	Amount                  *big.Int        `db:"amount" json:"amount"`
	AmountInUSD             decimal.Decimal `db:"amount_in_usd" json:"amountInUsd"`
	AmountInRoundMatchToken *big.Int        `db:"amount_in_round_match_token" json:"amountInRoundMatchToken"`
	TransactionHash         string          `db:"transaction_hash" json:"transactionHash"`
	SenderAddress           string          `db:"sender_address" json:"senderAddress"`
	Timestamp               time.Time       `db:"timestamp" json:"timestamp"`
}

type ProjectRole struct {
	ChainID        int64           `db:"chain_id" json:"chainId"`
	ProjectID      string          `db:"project_id" json:"projectId"`
	Address        string          `db:"address" json:"address"`
	Role           ProjectRoleName `db:"role" json:"role"`
	CreatedAtBlock uint64          `db:"created_at_block" json:"createdAtBlock"`
}

type RoundRole struct {
	ChainID        int64         `db:"chain_id" json:"chainId"`
	RoundID        string        `db:"round_id" json:"roundId"`
	Address        string        `db:"address" json:"address"`
	Role           RoundRoleName `db:"role" json:"role"`
	CreatedAtBlock uint64        `db:"created_at_block" json:"createdAtBlock"`
}

// PendingProjectRole is a role granted under an id whose project does not exist yet.
type PendingProjectRole struct {
	ChainID        int64           `db:"chain_id" json:"chainId"`
	Role           string          `db:"role" json:"role"`
	Address        string          `db:"address" json:"address"`
	RoleName       ProjectRoleName `db:"role_name" json:"roleName"`
	CreatedAtBlock uint64          `db:"created_at_block" json:"createdAtBlock"`
}

// PendingRoundRole is a role granted under an id whose round does not exist yet.
type PendingRoundRole struct {
	ChainID        int64  `db:"chain_id" json:"chainId"`
	Role           string `db:"role" json:"role"`
	Address        string `db:"address" json:"address"`
	CreatedAtBlock uint64 `db:"created_at_block" json:"createdAtBlock"`
}

// PendingRoleKey identifies a pending role row.
type PendingRoleKey struct {
	Role    string
	Address string
}

// Price is a USD quote scaled by 1e8.
type Price struct {
	ChainID      int64     `db:"chain_id" json:"chainId"`
	TokenAddress string    `db:"token_address" json:"tokenAddress"`
	BlockNumber  uint64    `db:"block_number" json:"blockNumber"`
	PriceInUSD   *big.Int  `db:"price_in_usd" json:"priceInUsd"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
}

// AddressToString normalizes an address for storage.
func AddressToString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// HashToString normalizes a hash for storage.
func HashToString(hash common.Hash) string {
	return strings.ToLower(hash.Hex())
}

// NormalizeAddress lowercases a hex address string.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// BigIntToNumeric converts a big.Int to a NUMERIC literal.
func BigIntToNumeric(value *big.Int) *string {
	if value == nil {
		return nil
	}
	s := value.String()
	return &s
}

// NumericToBigInt parses a NUMERIC text value. Fractional parts are truncated.
func NumericToBigInt(s string) *big.Int {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return new(big.Int)
	}
	return d.BigInt()
}

// Zero returns a fresh zero big.Int, used where a nil amount would be ambiguous.
func Zero() *big.Int { return new(big.Int) }
