package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/models"
)

var ErrNotFound = errors.New("not found")

// Reader answers the typed point lookups handlers need. Missing rows return ErrNotFound.
type Reader interface {
	GetProject(ctx context.Context, chainID int64, id string) (*models.Project, error)
	GetProjectByAnchor(ctx context.Context, chainID int64, anchor string) (*models.Project, error)
	GetRound(ctx context.Context, chainID int64, id string) (*models.Round, error)
	GetRoundByStrategyAddress(ctx context.Context, chainID int64, strategy string) (*models.Round, error)
	GetRoundByRole(ctx context.Context, chainID int64, role models.RoundRoleName, roleID string) (*models.Round, error)
	GetApplication(ctx context.Context, chainID int64, roundID, id string) (*models.Application, error)
	GetApplicationByAnchor(ctx context.Context, chainID int64, roundID, anchor string) (*models.Application, error)
	GetApplicationByProjectID(ctx context.Context, chainID int64, roundID, projectID string) (*models.Application, error)
	CountApplications(ctx context.Context, chainID int64, roundID string) (int, error)
	// GetPriceInRange returns the newest price with minBlock <= block <= maxBlock.
	GetPriceInRange(ctx context.Context, chainID int64, token string, minBlock, maxBlock uint64) (*models.Price, error)
	// GetLatestPrice returns the newest price at or below maxBlock.
	GetLatestPrice(ctx context.Context, chainID int64, token string, maxBlock uint64) (*models.Price, error)
}

// Store applies changesets and answers queries.
type Store interface {
	Reader
	Mutate(ctx context.Context, cs changeset.Changeset) error
	// MutateMany applies all changesets or none of them.
	MutateMany(ctx context.Context, css []changeset.Changeset) error
	// Drain blocks until buffered writes are durable.
	Drain(ctx context.Context) error
	// ResetChain removes a chain's reconciled state ahead of a replay. Prices are kept.
	ResetChain(ctx context.Context, chainID int64) error
	Close() error
}

// UnsupportedChangesetError is returned for variants a store does not apply.
type UnsupportedChangesetError struct {
	Kind string
}

func (e *UnsupportedChangesetError) Error() string {
	return fmt.Sprintf("unsupported changeset %s", e.Kind)
}

// MissingEntityError is returned when an update targets a row that does not exist.
type MissingEntityError struct {
	Entity string
	Key    string
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Entity, e.Key)
}

func (e *MissingEntityError) Is(target error) bool {
	return target == ErrNotFound
}
