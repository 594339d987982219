package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/models"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the Postgres-backed Store. Donations are handed to a
// DonationBuffer after the surrounding transaction commits.
type PGStore struct {
	db        *Database
	donations *DonationBuffer
	logger    zerolog.Logger
}

// NewPGStore wires a store over db. A nil buffer writes donations inline.
func NewPGStore(db *Database, donations *DonationBuffer, logger zerolog.Logger) *PGStore {
	return &PGStore{
		db:        db,
		donations: donations,
		logger:    logger.With().Str("component", "pg_store").Logger(),
	}
}

func (s *PGStore) Mutate(ctx context.Context, cs changeset.Changeset) error {
	return s.MutateMany(ctx, []changeset.Changeset{cs})
}

func (s *PGStore) MutateMany(ctx context.Context, css []changeset.Changeset) error {
	if len(css) == 0 {
		return nil
	}

	var buffered []models.Donation
	err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, cs := range css {
			if d, ok := cs.(changeset.InsertDonation); ok && s.donations != nil {
				buffered = append(buffered, d.Donation)
				continue
			}
			if err := applyPG(ctx, tx, cs); err != nil {
				return fmt.Errorf("apply %s: %w", cs.Kind(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(buffered) > 0 {
		s.donations.Add(buffered...)
	}
	return nil
}

func (s *PGStore) Drain(ctx context.Context) error {
	if s.donations == nil {
		return nil
	}
	return s.donations.Drain(ctx)
}

func (s *PGStore) Close() error {
	if s.donations != nil {
		if err := s.donations.Close(); err != nil {
			return err
		}
	}
	s.db.Close()
	return nil
}

var chainTables = []string{
	"projects", "project_roles", "pending_project_roles",
	"rounds", "round_roles", "pending_round_roles",
	"applications", "donations", "application_payouts",
	"round_donors", "application_donors",
}

func (s *PGStore) ResetChain(ctx context.Context, chainID int64) error {
	if err := s.Drain(ctx); err != nil {
		return fmt.Errorf("drain before reset: %w", err)
	}
	err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, table := range chainTables {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE chain_id = $1", chainID); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("chain_id", chainID).Msg("Chain state reset")
	return nil
}

func applyPG(ctx context.Context, q querier, cs changeset.Changeset) error {
	switch c := cs.(type) {
	case changeset.InsertProject:
		return insertProject(ctx, q, c.Project)

	case changeset.UpdateProject:
		p, err := getProject(ctx, q, `WHERE chain_id = $1 AND id = $2 FOR UPDATE`, c.ChainID, c.ProjectID)
		if errors.Is(err, ErrNotFound) {
			return &MissingEntityError{Entity: "project", Key: c.ProjectID}
		}
		if err != nil {
			return err
		}
		ApplyProjectUpdate(p, c.Update)
		_, err = q.Exec(ctx, `
			UPDATE projects
			SET name = $3, anchor_address = $4, metadata_cid = $5, metadata = $6, updated_at_block = $7
			WHERE chain_id = $1 AND id = $2`,
			p.ChainID, p.ID, p.Name, p.AnchorAddress, p.MetadataCID, p.Metadata, p.UpdatedAtBlock)
		return err

	case changeset.InsertProjectRole:
		r := c.Role
		_, err := q.Exec(ctx, `
			INSERT INTO project_roles (chain_id, project_id, address, role, created_at_block)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			r.ChainID, r.ProjectID, r.Address, string(r.Role), r.CreatedAtBlock)
		return err

	case changeset.DeleteAllProjectRolesByRole:
		_, err := q.Exec(ctx,
			`DELETE FROM project_roles WHERE chain_id = $1 AND project_id = $2 AND role = $3`,
			c.ChainID, c.ProjectID, string(c.Role))
		return err

	case changeset.DeleteAllProjectRolesByRoleAndAddress:
		_, err := q.Exec(ctx,
			`DELETE FROM project_roles WHERE chain_id = $1 AND project_id = $2 AND role = $3 AND address = $4`,
			c.ChainID, c.ProjectID, string(c.Role), c.Address)
		return err

	case changeset.InsertPendingProjectRole:
		p := c.Pending
		_, err := q.Exec(ctx, `
			INSERT INTO pending_project_roles (chain_id, role, address, role_name, created_at_block)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chain_id, role, address) DO UPDATE SET role_name = EXCLUDED.role_name`,
			p.ChainID, p.Role, p.Address, string(pendingProjectRoleName(p)), p.CreatedAtBlock)
		return err

	case changeset.DeletePendingProjectRoles:
		for _, k := range c.Keys {
			if _, err := q.Exec(ctx,
				`DELETE FROM pending_project_roles WHERE chain_id = $1 AND role = $2 AND address = $3`,
				c.ChainID, k.Role, k.Address); err != nil {
				return err
			}
		}
		return nil

	case changeset.InsertRound:
		return insertRound(ctx, q, NormalizeRound(c.Round))

	case changeset.UpdateRound:
		r, err := getRound(ctx, q, `WHERE chain_id = $1 AND id = $2 FOR UPDATE`, c.ChainID, c.RoundID)
		if errors.Is(err, ErrNotFound) {
			return &MissingEntityError{Entity: "round", Key: c.RoundID}
		}
		if err != nil {
			return err
		}
		ApplyRoundUpdate(r, c.Update)
		return writeRound(ctx, q, r)

	case changeset.UpdateRoundByStrategyAddress:
		r, err := getRound(ctx, q, `WHERE chain_id = $1 AND strategy_address = $2 LIMIT 1 FOR UPDATE`, c.ChainID, c.StrategyAddress)
		if errors.Is(err, ErrNotFound) {
			return &MissingEntityError{Entity: "round with strategy", Key: c.StrategyAddress}
		}
		if err != nil {
			return err
		}
		ApplyRoundUpdate(r, c.Update)
		return writeRound(ctx, q, r)

	case changeset.IncrementRoundFundedAmount:
		return expectRow(q.Exec(ctx, `
			UPDATE rounds
			SET funded_amount = funded_amount + $3, funded_amount_in_usd = funded_amount_in_usd + $4
			WHERE chain_id = $1 AND id = $2`,
			c.ChainID, c.RoundID, numericFromBig(c.Amount), numericFromDecimal(c.AmountInUSD)))("round", c.RoundID)

	case changeset.IncrementRoundDonationStats:
		return expectRow(q.Exec(ctx, `
			WITH new_donor AS (
				INSERT INTO round_donors (chain_id, round_id, donor)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
				RETURNING 1
			)
			UPDATE rounds
			SET total_amount_donated_in_usd = total_amount_donated_in_usd + $4,
				total_donations_count = total_donations_count + 1,
				unique_donors_count = unique_donors_count + (SELECT COUNT(*) FROM new_donor)
			WHERE chain_id = $1 AND id = $2`,
			c.ChainID, c.RoundID, c.Donor, numericFromDecimal(c.AmountInUSD)))("round", c.RoundID)

	case changeset.IncrementRoundTotalDistributed:
		return expectRow(q.Exec(ctx,
			`UPDATE rounds SET total_distributed = total_distributed + $3 WHERE chain_id = $1 AND id = $2`,
			c.ChainID, c.RoundID, numericFromBig(c.Amount)))("round", c.RoundID)

	case changeset.InsertRoundRole:
		r := c.Role
		_, err := q.Exec(ctx, `
			INSERT INTO round_roles (chain_id, round_id, address, role, created_at_block)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			r.ChainID, r.RoundID, r.Address, string(r.Role), r.CreatedAtBlock)
		return err

	case changeset.DeleteAllRoundRolesByRoleAndAddress:
		_, err := q.Exec(ctx,
			`DELETE FROM round_roles WHERE chain_id = $1 AND round_id = $2 AND role = $3 AND address = $4`,
			c.ChainID, c.RoundID, string(c.Role), c.Address)
		return err

	case changeset.InsertPendingRoundRole:
		p := c.Pending
		_, err := q.Exec(ctx, `
			INSERT INTO pending_round_roles (chain_id, role, address, created_at_block)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			p.ChainID, p.Role, p.Address, p.CreatedAtBlock)
		return err

	case changeset.DeletePendingRoundRoles:
		for _, k := range c.Keys {
			if _, err := q.Exec(ctx,
				`DELETE FROM pending_round_roles WHERE chain_id = $1 AND role = $2 AND address = $3`,
				c.ChainID, k.Role, k.Address); err != nil {
				return err
			}
		}
		return nil

	case changeset.InsertApplication:
		a := NormalizeApplication(c.Application)
		_, err := q.Exec(ctx, `
			INSERT INTO applications (
				chain_id, round_id, id, project_id, anchor_address, status, status_snapshots,
				status_updated_at_block, metadata_cid, metadata, created_by_address, created_at_block,
				distribution_transaction, total_amount_donated_in_usd, total_donations_count, unique_donors_count
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT DO NOTHING`,
			a.ChainID, a.RoundID, a.ID, a.ProjectID, a.AnchorAddress, string(a.Status), a.StatusSnapshots,
			a.StatusUpdatedAtBlock, a.MetadataCID, a.Metadata, a.CreatedByAddress, a.CreatedAtBlock,
			a.DistributionTransaction, numericFromDecimal(a.TotalAmountDonatedInUSD), a.TotalDonationsCount, a.UniqueDonorsCount)
		return err

	case changeset.UpdateApplication:
		a, err := getApplication(ctx, q, `WHERE chain_id = $1 AND round_id = $2 AND id = $3 FOR UPDATE`,
			c.ChainID, c.RoundID, c.ApplicationID)
		if errors.Is(err, ErrNotFound) {
			return &MissingEntityError{Entity: "application", Key: c.RoundID + "/" + c.ApplicationID}
		}
		if err != nil {
			return err
		}
		ApplyApplicationUpdate(a, c.Update)
		_, err = q.Exec(ctx, `
			UPDATE applications
			SET status = $4, status_snapshots = $5, status_updated_at_block = $6,
				metadata_cid = $7, metadata = $8, distribution_transaction = $9
			WHERE chain_id = $1 AND round_id = $2 AND id = $3`,
			a.ChainID, a.RoundID, a.ID, string(a.Status), a.StatusSnapshots, a.StatusUpdatedAtBlock,
			a.MetadataCID, a.Metadata, a.DistributionTransaction)
		return err

	case changeset.IncrementApplicationDonationStats:
		return expectRow(q.Exec(ctx, `
			WITH new_donor AS (
				INSERT INTO application_donors (chain_id, round_id, application_id, donor)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING
				RETURNING 1
			)
			UPDATE applications
			SET total_amount_donated_in_usd = total_amount_donated_in_usd + $5,
				total_donations_count = total_donations_count + 1,
				unique_donors_count = unique_donors_count + (SELECT COUNT(*) FROM new_donor)
			WHERE chain_id = $1 AND round_id = $2 AND id = $3`,
			c.ChainID, c.RoundID, c.ApplicationID, c.Donor, numericFromDecimal(c.AmountInUSD)))("application", c.RoundID+"/"+c.ApplicationID)

	case changeset.InsertDonation:
		d := c.Donation
		_, err := q.Exec(ctx, `
			INSERT INTO donations (
				chain_id, id, round_id, application_id, project_id, donor_address, recipient_address,
				token_address, amount, amount_in_usd, amount_in_round_match_token, transaction_hash,
				block_number, timestamp
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT DO NOTHING`, donationValues(d)...)
		return err

	case changeset.InsertApplicationPayout:
		p := c.Payout
		_, err := q.Exec(ctx, `
			INSERT INTO application_payouts (
				chain_id, id, round_id, application_id, token_address, amount, amount_in_usd,
				amount_in_round_match_token, transaction_hash, sender_address, timestamp
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING`,
			p.ChainID, p.ID, p.RoundID, p.ApplicationID, p.TokenAddress, numericFromBig(p.Amount),
			numericFromDecimal(p.AmountInUSD), numericFromBig(p.AmountInRoundMatchToken),
			p.TransactionHash, p.SenderAddress, p.Timestamp)
		return err

	case changeset.InsertPrice:
		p := c.Price
		_, err := q.Exec(ctx, `
			INSERT INTO prices (chain_id, token_address, block_number, price_in_usd, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			p.ChainID, p.TokenAddress, p.BlockNumber, numericFromBig(p.PriceInUSD), p.Timestamp)
		return err
	}

	return &UnsupportedChangesetError{Kind: cs.Kind()}
}

func expectRow(tag pgconn.CommandTag, err error) func(entity, key string) error {
	return func(entity, key string) error {
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &MissingEntityError{Entity: entity, Key: key}
		}
		return nil
	}
}

func insertProject(ctx context.Context, q querier, p models.Project) error {
	if p.UpdatedAtBlock == 0 {
		p.UpdatedAtBlock = p.CreatedAtBlock
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO projects (
			chain_id, id, name, project_number, nonce, anchor_address, registry_address,
			metadata_cid, metadata, created_by_address, created_at_block, updated_at_block, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		p.ChainID, p.ID, p.Name, p.ProjectNumber, nullableNumeric(p.Nonce), p.AnchorAddress, p.RegistryAddress,
		p.MetadataCID, p.Metadata, p.CreatedByAddress, p.CreatedAtBlock, p.UpdatedAtBlock, tagsOrEmpty(p.Tags))
	if err != nil || tag.RowsAffected() == 0 {
		return err
	}

	_, err = q.Exec(ctx, `
		WITH moved AS (
			DELETE FROM pending_project_roles
			WHERE chain_id = $1 AND role = $2
			RETURNING address, role_name, created_at_block
		)
		INSERT INTO project_roles (chain_id, project_id, address, role, created_at_block)
		SELECT $1, $2, address, role_name, created_at_block FROM moved
		ON CONFLICT DO NOTHING`,
		p.ChainID, p.ID)
	if err != nil {
		return fmt.Errorf("resolve pending project roles: %w", err)
	}
	return nil
}

func insertRound(ctx context.Context, q querier, r models.Round) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO rounds (
			chain_id, id, tags, match_token_address, match_amount, match_amount_in_usd,
			funded_amount, funded_amount_in_usd, application_metadata_cid, application_metadata,
			round_metadata_cid, round_metadata, applications_start_time, applications_end_time,
			donations_start_time, donations_end_time, created_by_address, created_at_block,
			updated_at_block, admin_role, manager_role, strategy_address, strategy_id,
			strategy_name, project_id, matching_distribution, total_distributed,
			total_amount_donated_in_usd, total_donations_count, unique_donors_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)
		ON CONFLICT DO NOTHING`,
		r.ChainID, r.ID, tagsOrEmpty(r.Tags), r.MatchTokenAddress, numericFromBig(r.MatchAmount),
		numericFromDecimal(r.MatchAmountInUSD), numericFromBig(r.FundedAmount), numericFromDecimal(r.FundedAmountInUSD),
		r.ApplicationMetadataCID, r.ApplicationMetadata, r.RoundMetadataCID, r.RoundMetadata,
		r.ApplicationsStartTime, r.ApplicationsEndTime, r.DonationsStartTime, r.DonationsEndTime,
		r.CreatedByAddress, r.CreatedAtBlock, r.UpdatedAtBlock, r.AdminRole, r.ManagerRole,
		r.StrategyAddress, r.StrategyID, r.StrategyName, r.ProjectID, r.MatchingDistribution,
		numericFromBig(r.TotalDistributed), numericFromDecimal(r.TotalAmountDonatedInUSD),
		r.TotalDonationsCount, r.UniqueDonorsCount)
	if err != nil || tag.RowsAffected() == 0 {
		return err
	}

	_, err = q.Exec(ctx, `
		WITH moved AS (
			DELETE FROM pending_round_roles
			WHERE chain_id = $1 AND role <> '' AND role IN ($3, $4)
			RETURNING role, address, created_at_block
		)
		INSERT INTO round_roles (chain_id, round_id, address, role, created_at_block)
		SELECT $1, $2, address, CASE WHEN role = $3 THEN 'admin' ELSE 'manager' END, created_at_block
		FROM moved
		ON CONFLICT DO NOTHING`,
		r.ChainID, r.ID, r.AdminRole, r.ManagerRole)
	if err != nil {
		return fmt.Errorf("resolve pending round roles: %w", err)
	}
	return nil
}

func writeRound(ctx context.Context, q querier, r *models.Round) error {
	_, err := q.Exec(ctx, `
		UPDATE rounds
		SET match_amount = $3, match_amount_in_usd = $4,
			application_metadata_cid = $5, application_metadata = $6,
			round_metadata_cid = $7, round_metadata = $8,
			applications_start_time = $9, applications_end_time = $10,
			donations_start_time = $11, donations_end_time = $12,
			matching_distribution = $13, updated_at_block = $14
		WHERE chain_id = $1 AND id = $2`,
		r.ChainID, r.ID, numericFromBig(r.MatchAmount), numericFromDecimal(r.MatchAmountInUSD),
		r.ApplicationMetadataCID, r.ApplicationMetadata, r.RoundMetadataCID, r.RoundMetadata,
		r.ApplicationsStartTime, r.ApplicationsEndTime, r.DonationsStartTime, r.DonationsEndTime,
		r.MatchingDistribution, r.UpdatedAtBlock)
	return err
}

func donationValues(d models.Donation) []any {
	return []any{
		d.ChainID, d.ID, d.RoundID, d.ApplicationID, d.ProjectID, d.DonorAddress, d.RecipientAddress,
		d.TokenAddress, numericFromBig(d.Amount), numericFromDecimal(d.AmountInUSD),
		numericFromBig(d.AmountInRoundMatchToken), d.TransactionHash, d.BlockNumber, d.Timestamp,
	}
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

const projectColumns = `chain_id, id, name, project_number, nonce, anchor_address, registry_address,
	metadata_cid, metadata, created_by_address, created_at_block, updated_at_block, tags`

func getProject(ctx context.Context, q querier, where string, args ...any) (*models.Project, error) {
	var p models.Project
	var nonce pgtype.Numeric
	err := q.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects `+where, args...).Scan(
		&p.ChainID, &p.ID, &p.Name, &p.ProjectNumber, &nonce, &p.AnchorAddress, &p.RegistryAddress,
		&p.MetadataCID, &p.Metadata, &p.CreatedByAddress, &p.CreatedAtBlock, &p.UpdatedAtBlock, &p.Tags,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	p.Nonce = numericToNullableBig(nonce)
	return &p, nil
}

const roundColumns = `chain_id, id, tags, match_token_address, match_amount, match_amount_in_usd,
	funded_amount, funded_amount_in_usd, application_metadata_cid, application_metadata,
	round_metadata_cid, round_metadata, applications_start_time, applications_end_time,
	donations_start_time, donations_end_time, created_by_address, created_at_block,
	updated_at_block, admin_role, manager_role, strategy_address, strategy_id,
	strategy_name, project_id, matching_distribution, total_distributed,
	total_amount_donated_in_usd, total_donations_count, unique_donors_count`

func getRound(ctx context.Context, q querier, where string, args ...any) (*models.Round, error) {
	var r models.Round
	var matchAmount, matchUSD, funded, fundedUSD, distributed, donatedUSD pgtype.Numeric
	err := q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds `+where, args...).Scan(
		&r.ChainID, &r.ID, &r.Tags, &r.MatchTokenAddress, &matchAmount, &matchUSD,
		&funded, &fundedUSD, &r.ApplicationMetadataCID, &r.ApplicationMetadata,
		&r.RoundMetadataCID, &r.RoundMetadata, &r.ApplicationsStartTime, &r.ApplicationsEndTime,
		&r.DonationsStartTime, &r.DonationsEndTime, &r.CreatedByAddress, &r.CreatedAtBlock,
		&r.UpdatedAtBlock, &r.AdminRole, &r.ManagerRole, &r.StrategyAddress, &r.StrategyID,
		&r.StrategyName, &r.ProjectID, &r.MatchingDistribution, &distributed,
		&donatedUSD, &r.TotalDonationsCount, &r.UniqueDonorsCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query round: %w", err)
	}
	r.MatchAmount = numericToBig(matchAmount)
	r.MatchAmountInUSD = numericToDecimal(matchUSD)
	r.FundedAmount = numericToBig(funded)
	r.FundedAmountInUSD = numericToDecimal(fundedUSD)
	r.TotalDistributed = numericToBig(distributed)
	r.TotalAmountDonatedInUSD = numericToDecimal(donatedUSD)
	return &r, nil
}

const applicationColumns = `chain_id, round_id, id, project_id, anchor_address, status, status_snapshots,
	status_updated_at_block, metadata_cid, metadata, created_by_address, created_at_block,
	distribution_transaction, total_amount_donated_in_usd, total_donations_count, unique_donors_count`

func getApplication(ctx context.Context, q querier, where string, args ...any) (*models.Application, error) {
	var a models.Application
	var status string
	var donatedUSD pgtype.Numeric
	err := q.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications `+where, args...).Scan(
		&a.ChainID, &a.RoundID, &a.ID, &a.ProjectID, &a.AnchorAddress, &status, &a.StatusSnapshots,
		&a.StatusUpdatedAtBlock, &a.MetadataCID, &a.Metadata, &a.CreatedByAddress, &a.CreatedAtBlock,
		&a.DistributionTransaction, &donatedUSD, &a.TotalDonationsCount, &a.UniqueDonorsCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query application: %w", err)
	}
	a.Status = models.ApplicationStatus(status)
	a.TotalAmountDonatedInUSD = numericToDecimal(donatedUSD)
	return &a, nil
}

func getPrice(ctx context.Context, q querier, where string, args ...any) (*models.Price, error) {
	var p models.Price
	var usd pgtype.Numeric
	err := q.QueryRow(ctx, `
		SELECT chain_id, token_address, block_number, price_in_usd, timestamp
		FROM prices `+where, args...).Scan(&p.ChainID, &p.TokenAddress, &p.BlockNumber, &usd, &p.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query price: %w", err)
	}
	p.PriceInUSD = numericToBig(usd)
	return &p, nil
}

func (s *PGStore) GetProject(ctx context.Context, chainID int64, id string) (*models.Project, error) {
	return getProject(ctx, s.db.pool, `WHERE chain_id = $1 AND id = $2`, chainID, id)
}

func (s *PGStore) GetProjectByAnchor(ctx context.Context, chainID int64, anchor string) (*models.Project, error) {
	return getProject(ctx, s.db.pool, `WHERE chain_id = $1 AND anchor_address = $2 LIMIT 1`, chainID, anchor)
}

func (s *PGStore) GetRound(ctx context.Context, chainID int64, id string) (*models.Round, error) {
	return getRound(ctx, s.db.pool, `WHERE chain_id = $1 AND id = $2`, chainID, id)
}

func (s *PGStore) GetRoundByStrategyAddress(ctx context.Context, chainID int64, strategy string) (*models.Round, error) {
	return getRound(ctx, s.db.pool, `WHERE chain_id = $1 AND strategy_address = $2 LIMIT 1`, chainID, strategy)
}

func (s *PGStore) GetRoundByRole(ctx context.Context, chainID int64, role models.RoundRoleName, roleID string) (*models.Round, error) {
	switch role {
	case models.RoundRoleAdmin:
		return getRound(ctx, s.db.pool, `WHERE chain_id = $1 AND admin_role = $2 LIMIT 1`, chainID, roleID)
	case models.RoundRoleManager:
		return getRound(ctx, s.db.pool, `WHERE chain_id = $1 AND manager_role = $2 LIMIT 1`, chainID, roleID)
	}
	return nil, fmt.Errorf("unknown round role %q", role)
}

func (s *PGStore) GetApplication(ctx context.Context, chainID int64, roundID, id string) (*models.Application, error) {
	return getApplication(ctx, s.db.pool, `WHERE chain_id = $1 AND round_id = $2 AND id = $3`, chainID, roundID, id)
}

func (s *PGStore) GetApplicationByAnchor(ctx context.Context, chainID int64, roundID, anchor string) (*models.Application, error) {
	return getApplication(ctx, s.db.pool,
		`WHERE chain_id = $1 AND round_id = $2 AND anchor_address = $3 LIMIT 1`, chainID, roundID, anchor)
}

func (s *PGStore) GetApplicationByProjectID(ctx context.Context, chainID int64, roundID, projectID string) (*models.Application, error) {
	return getApplication(ctx, s.db.pool,
		`WHERE chain_id = $1 AND round_id = $2 AND project_id = $3 ORDER BY created_at_block DESC LIMIT 1`,
		chainID, roundID, projectID)
}

func (s *PGStore) CountApplications(ctx context.Context, chainID int64, roundID string) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM applications WHERE chain_id = $1 AND round_id = $2`, chainID, roundID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count applications: %w", err)
	}
	return n, nil
}

func (s *PGStore) GetPriceInRange(ctx context.Context, chainID int64, token string, minBlock, maxBlock uint64) (*models.Price, error) {
	return getPrice(ctx, s.db.pool, `
		WHERE chain_id = $1 AND token_address = $2 AND block_number BETWEEN $3 AND $4
		ORDER BY block_number DESC LIMIT 1`, chainID, token, minBlock, maxBlock)
}

func (s *PGStore) GetLatestPrice(ctx context.Context, chainID int64, token string, maxBlock uint64) (*models.Price, error) {
	return getPrice(ctx, s.db.pool, `
		WHERE chain_id = $1 AND token_address = $2 AND block_number <= $3
		ORDER BY block_number DESC LIMIT 1`, chainID, token, maxBlock)
}

var _ Store = (*PGStore)(nil)
