package database

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/models"
)

type entityKey struct {
	chainID int64
	id      string
}

type applicationKey struct {
	chainID int64
	roundID string
	id      string
}

type projectRoleKey struct {
	chainID   int64
	projectID string
	address   string
	role      models.ProjectRoleName
}

type roundRoleKey struct {
	chainID int64
	roundID string
	address string
	role    models.RoundRoleName
}

type pendingKey struct {
	chainID int64
	role    string
	address string
}

type donorKey struct {
	chainID       int64
	roundID       string
	applicationID string
	donor         string
}

type priceKey struct {
	chainID int64
	token   string
	block   uint64
}

// MemoryStore keeps the whole state in process. It backs tests and the
// "memory" database driver used for dry runs.
type MemoryStore struct {
	mu sync.RWMutex

	projects            map[entityKey]models.Project
	rounds              map[entityKey]models.Round
	applications        map[applicationKey]models.Application
	donations           map[entityKey]models.Donation
	payouts             map[entityKey]models.ApplicationPayout
	projectRoles        map[projectRoleKey]models.ProjectRole
	roundRoles          map[roundRoleKey]models.RoundRole
	pendingProjectRoles map[pendingKey]models.PendingProjectRole
	pendingRoundRoles   map[pendingKey]models.PendingRoundRole
	donors              map[donorKey]struct{}
	prices              map[priceKey]models.Price
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:            make(map[entityKey]models.Project),
		rounds:              make(map[entityKey]models.Round),
		applications:        make(map[applicationKey]models.Application),
		donations:           make(map[entityKey]models.Donation),
		payouts:             make(map[entityKey]models.ApplicationPayout),
		projectRoles:        make(map[projectRoleKey]models.ProjectRole),
		roundRoles:          make(map[roundRoleKey]models.RoundRole),
		pendingProjectRoles: make(map[pendingKey]models.PendingProjectRole),
		pendingRoundRoles:   make(map[pendingKey]models.PendingRoundRole),
		donors:              make(map[donorKey]struct{}),
		prices:              make(map[priceKey]models.Price),
	}
}

// memTx records undo steps so a failed MutateMany leaves no trace.
type memTx struct {
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

func put[K comparable, V any](tx *memTx, m map[K]V, k K, v V) {
	old, existed := m[k]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func del[K comparable, V any](tx *memTx, m map[K]V, k K) {
	old, existed := m[k]
	if !existed {
		return
	}
	tx.undo = append(tx.undo, func() { m[k] = old })
	delete(m, k)
}

func (s *MemoryStore) Mutate(ctx context.Context, cs changeset.Changeset) error {
	return s.MutateMany(ctx, []changeset.Changeset{cs})
}

func (s *MemoryStore) MutateMany(ctx context.Context, css []changeset.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{}
	for _, cs := range css {
		if err := s.apply(tx, cs); err != nil {
			tx.rollback()
			return fmt.Errorf("apply %s: %w", cs.Kind(), err)
		}
	}
	return nil
}

func (s *MemoryStore) apply(tx *memTx, cs changeset.Changeset) error {
	switch c := cs.(type) {
	case changeset.InsertProject:
		key := entityKey{c.Project.ChainID, c.Project.ID}
		if _, ok := s.projects[key]; ok {
			return nil
		}
		put(tx, s.projects, key, c.Project)
		for k, p := range s.pendingProjectRoles {
			if k.chainID != c.Project.ChainID || k.role != c.Project.ID {
				continue
			}
			role := models.ProjectRole{
				ChainID:        p.ChainID,
				ProjectID:      c.Project.ID,
				Address:        p.Address,
				Role:           pendingProjectRoleName(p),
				CreatedAtBlock: p.CreatedAtBlock,
			}
			put(tx, s.projectRoles, projectRoleKey{role.ChainID, role.ProjectID, role.Address, role.Role}, role)
			del(tx, s.pendingProjectRoles, k)
		}

	case changeset.UpdateProject:
		key := entityKey{c.ChainID, c.ProjectID}
		p, ok := s.projects[key]
		if !ok {
			return &MissingEntityError{Entity: "project", Key: c.ProjectID}
		}
		ApplyProjectUpdate(&p, c.Update)
		put(tx, s.projects, key, p)

	case changeset.InsertProjectRole:
		r := c.Role
		put(tx, s.projectRoles, projectRoleKey{r.ChainID, r.ProjectID, r.Address, r.Role}, r)

	case changeset.DeleteAllProjectRolesByRole:
		for k := range s.projectRoles {
			if k.chainID == c.ChainID && k.projectID == c.ProjectID && k.role == c.Role {
				del(tx, s.projectRoles, k)
			}
		}

	case changeset.DeleteAllProjectRolesByRoleAndAddress:
		del(tx, s.projectRoles, projectRoleKey{c.ChainID, c.ProjectID, c.Address, c.Role})

	case changeset.InsertPendingProjectRole:
		// A repeated grant keeps its first block and takes the newest role name.
		p := c.Pending
		key := pendingKey{p.ChainID, p.Role, p.Address}
		if prev, ok := s.pendingProjectRoles[key]; ok {
			p.CreatedAtBlock = prev.CreatedAtBlock
		}
		p.RoleName = pendingProjectRoleName(p)
		put(tx, s.pendingProjectRoles, key, p)

	case changeset.DeletePendingProjectRoles:
		for _, k := range c.Keys {
			del(tx, s.pendingProjectRoles, pendingKey{c.ChainID, k.Role, k.Address})
		}

	case changeset.InsertRound:
		key := entityKey{c.Round.ChainID, c.Round.ID}
		if _, ok := s.rounds[key]; ok {
			return nil
		}
		put(tx, s.rounds, key, NormalizeRound(c.Round))
		for k, p := range s.pendingRoundRoles {
			if k.chainID != c.Round.ChainID {
				continue
			}
			name, ok := RoundRoleFor(c.Round, p.Role)
			if !ok {
				continue
			}
			role := models.RoundRole{
				ChainID:        p.ChainID,
				RoundID:        c.Round.ID,
				Address:        p.Address,
				Role:           name,
				CreatedAtBlock: p.CreatedAtBlock,
			}
			put(tx, s.roundRoles, roundRoleKey{role.ChainID, role.RoundID, role.Address, role.Role}, role)
			del(tx, s.pendingRoundRoles, k)
		}

	case changeset.UpdateRound:
		key := entityKey{c.ChainID, c.RoundID}
		r, ok := s.rounds[key]
		if !ok {
			return &MissingEntityError{Entity: "round", Key: c.RoundID}
		}
		ApplyRoundUpdate(&r, c.Update)
		put(tx, s.rounds, key, r)

	case changeset.UpdateRoundByStrategyAddress:
		key, ok := s.roundKeyByStrategy(c.ChainID, c.StrategyAddress)
		if !ok {
			return &MissingEntityError{Entity: "round with strategy", Key: c.StrategyAddress}
		}
		r := s.rounds[key]
		ApplyRoundUpdate(&r, c.Update)
		put(tx, s.rounds, key, r)

	case changeset.IncrementRoundFundedAmount:
		key := entityKey{c.ChainID, c.RoundID}
		r, ok := s.rounds[key]
		if !ok {
			return &MissingEntityError{Entity: "round", Key: c.RoundID}
		}
		r.FundedAmount = new(big.Int).Add(r.FundedAmount, c.Amount)
		r.FundedAmountInUSD = r.FundedAmountInUSD.Add(c.AmountInUSD)
		put(tx, s.rounds, key, r)

	case changeset.IncrementRoundDonationStats:
		key := entityKey{c.ChainID, c.RoundID}
		r, ok := s.rounds[key]
		if !ok {
			return &MissingEntityError{Entity: "round", Key: c.RoundID}
		}
		r.TotalAmountDonatedInUSD = r.TotalAmountDonatedInUSD.Add(c.AmountInUSD)
		r.TotalDonationsCount++
		dk := donorKey{chainID: c.ChainID, roundID: c.RoundID, donor: c.Donor}
		if _, seen := s.donors[dk]; !seen {
			put(tx, s.donors, dk, struct{}{})
			r.UniqueDonorsCount++
		}
		put(tx, s.rounds, key, r)

	case changeset.IncrementRoundTotalDistributed:
		key := entityKey{c.ChainID, c.RoundID}
		r, ok := s.rounds[key]
		if !ok {
			return &MissingEntityError{Entity: "round", Key: c.RoundID}
		}
		r.TotalDistributed = new(big.Int).Add(r.TotalDistributed, c.Amount)
		put(tx, s.rounds, key, r)

	case changeset.InsertRoundRole:
		r := c.Role
		put(tx, s.roundRoles, roundRoleKey{r.ChainID, r.RoundID, r.Address, r.Role}, r)

	case changeset.DeleteAllRoundRolesByRoleAndAddress:
		del(tx, s.roundRoles, roundRoleKey{c.ChainID, c.RoundID, c.Address, c.Role})

	case changeset.InsertPendingRoundRole:
		p := c.Pending
		key := pendingKey{p.ChainID, p.Role, p.Address}
		if _, ok := s.pendingRoundRoles[key]; ok {
			return nil
		}
		put(tx, s.pendingRoundRoles, key, p)

	case changeset.DeletePendingRoundRoles:
		for _, k := range c.Keys {
			del(tx, s.pendingRoundRoles, pendingKey{c.ChainID, k.Role, k.Address})
		}

	case changeset.InsertApplication:
		a := c.Application
		key := applicationKey{a.ChainID, a.RoundID, a.ID}
		if _, ok := s.applications[key]; ok {
			return nil
		}
		put(tx, s.applications, key, NormalizeApplication(a))

	case changeset.UpdateApplication:
		key := applicationKey{c.ChainID, c.RoundID, c.ApplicationID}
		a, ok := s.applications[key]
		if !ok {
			return &MissingEntityError{Entity: "application", Key: c.RoundID + "/" + c.ApplicationID}
		}
		ApplyApplicationUpdate(&a, c.Update)
		put(tx, s.applications, key, a)

	case changeset.IncrementApplicationDonationStats:
		key := applicationKey{c.ChainID, c.RoundID, c.ApplicationID}
		a, ok := s.applications[key]
		if !ok {
			return &MissingEntityError{Entity: "application", Key: c.RoundID + "/" + c.ApplicationID}
		}
		a.TotalAmountDonatedInUSD = a.TotalAmountDonatedInUSD.Add(c.AmountInUSD)
		a.TotalDonationsCount++
		dk := donorKey{chainID: c.ChainID, roundID: c.RoundID, applicationID: c.ApplicationID, donor: c.Donor}
		if _, seen := s.donors[dk]; !seen {
			put(tx, s.donors, dk, struct{}{})
			a.UniqueDonorsCount++
		}
		put(tx, s.applications, key, a)

	case changeset.InsertDonation:
		key := entityKey{c.Donation.ChainID, c.Donation.ID}
		if _, ok := s.donations[key]; ok {
			return nil
		}
		put(tx, s.donations, key, c.Donation)

	case changeset.InsertApplicationPayout:
		key := entityKey{c.Payout.ChainID, c.Payout.ID}
		if _, ok := s.payouts[key]; ok {
			return nil
		}
		put(tx, s.payouts, key, c.Payout)

	case changeset.InsertPrice:
		p := c.Price
		key := priceKey{p.ChainID, p.TokenAddress, p.BlockNumber}
		if _, ok := s.prices[key]; ok {
			return nil
		}
		put(tx, s.prices, key, p)

	default:
		return &UnsupportedChangesetError{Kind: cs.Kind()}
	}
	return nil
}

func (s *MemoryStore) roundKeyByStrategy(chainID int64, strategy string) (entityKey, bool) {
	for k, r := range s.rounds {
		if k.chainID == chainID && r.StrategyAddress == strategy {
			return k, true
		}
	}
	return entityKey{}, false
}

func (s *MemoryStore) Drain(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) ResetChain(ctx context.Context, chainID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleteChain(s.projects, chainID, func(k entityKey) int64 { return k.chainID })
	deleteChain(s.rounds, chainID, func(k entityKey) int64 { return k.chainID })
	deleteChain(s.applications, chainID, func(k applicationKey) int64 { return k.chainID })
	deleteChain(s.donations, chainID, func(k entityKey) int64 { return k.chainID })
	deleteChain(s.payouts, chainID, func(k entityKey) int64 { return k.chainID })
	deleteChain(s.projectRoles, chainID, func(k projectRoleKey) int64 { return k.chainID })
	deleteChain(s.roundRoles, chainID, func(k roundRoleKey) int64 { return k.chainID })
	deleteChain(s.pendingProjectRoles, chainID, func(k pendingKey) int64 { return k.chainID })
	deleteChain(s.pendingRoundRoles, chainID, func(k pendingKey) int64 { return k.chainID })
	deleteChain(s.donors, chainID, func(k donorKey) int64 { return k.chainID })
	return nil
}

func deleteChain[K comparable, V any](m map[K]V, chainID int64, chainOf func(K) int64) {
	for k := range m {
		if chainOf(k) == chainID {
			delete(m, k)
		}
	}
}

func (s *MemoryStore) GetProject(ctx context.Context, chainID int64, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[entityKey{chainID, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) GetProjectByAnchor(ctx context.Context, chainID int64, anchor string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, p := range s.projects {
		if k.chainID == chainID && p.AnchorAddress != nil && *p.AnchorAddress == anchor {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetRound(ctx context.Context, chainID int64, id string) (*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[entityKey{chainID, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) GetRoundByStrategyAddress(ctx context.Context, chainID int64, strategy string) (*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.roundKeyByStrategy(chainID, strategy)
	if !ok {
		return nil, ErrNotFound
	}
	r := s.rounds[key]
	return &r, nil
}

func (s *MemoryStore) GetRoundByRole(ctx context.Context, chainID int64, role models.RoundRoleName, roleID string) (*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, r := range s.rounds {
		if k.chainID != chainID {
			continue
		}
		if (role == models.RoundRoleAdmin && r.AdminRole == roleID) ||
			(role == models.RoundRoleManager && r.ManagerRole == roleID) {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetApplication(ctx context.Context, chainID int64, roundID, id string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.applications[applicationKey{chainID, roundID, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) GetApplicationByAnchor(ctx context.Context, chainID int64, roundID, anchor string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, a := range s.applications {
		if k.chainID == chainID && k.roundID == roundID && a.AnchorAddress != nil && *a.AnchorAddress == anchor {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetApplicationByProjectID(ctx context.Context, chainID int64, roundID, projectID string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Application
	for k, a := range s.applications {
		if k.chainID == chainID && k.roundID == roundID && a.ProjectID == projectID {
			// latest registration wins when a project re-applies
			if found == nil || a.CreatedAtBlock > found.CreatedAtBlock {
				a := a
				found = &a
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) CountApplications(ctx context.Context, chainID int64, roundID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.applications {
		if k.chainID == chainID && k.roundID == roundID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetPriceInRange(ctx context.Context, chainID int64, token string, minBlock, maxBlock uint64) (*models.Price, error) {
	return s.newestPrice(chainID, token, func(b uint64) bool { return b >= minBlock && b <= maxBlock })
}

func (s *MemoryStore) GetLatestPrice(ctx context.Context, chainID int64, token string, maxBlock uint64) (*models.Price, error) {
	return s.newestPrice(chainID, token, func(b uint64) bool { return b <= maxBlock })
}

func (s *MemoryStore) newestPrice(chainID int64, token string, match func(uint64) bool) (*models.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Price
	for k, p := range s.prices {
		if k.chainID != chainID || k.token != token || !match(k.block) {
			continue
		}
		if found == nil || k.block > found.BlockNumber {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Snapshot is a deterministic dump of one chain's state.
type Snapshot struct {
	Projects            []models.Project
	Rounds              []models.Round
	Applications        []models.Application
	Donations           []models.Donation
	Payouts             []models.ApplicationPayout
	ProjectRoles        []models.ProjectRole
	RoundRoles          []models.RoundRole
	PendingProjectRoles []models.PendingProjectRole
	PendingRoundRoles   []models.PendingRoundRole
}

// Snapshot returns the chain's rows sorted by identity.
func (s *MemoryStore) Snapshot(chainID int64) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for k, v := range s.projects {
		if k.chainID == chainID {
			snap.Projects = append(snap.Projects, v)
		}
	}
	for k, v := range s.rounds {
		if k.chainID == chainID {
			snap.Rounds = append(snap.Rounds, v)
		}
	}
	for k, v := range s.applications {
		if k.chainID == chainID {
			snap.Applications = append(snap.Applications, v)
		}
	}
	for k, v := range s.donations {
		if k.chainID == chainID {
			snap.Donations = append(snap.Donations, v)
		}
	}
	for k, v := range s.payouts {
		if k.chainID == chainID {
			snap.Payouts = append(snap.Payouts, v)
		}
	}
	for k, v := range s.projectRoles {
		if k.chainID == chainID {
			snap.ProjectRoles = append(snap.ProjectRoles, v)
		}
	}
	for k, v := range s.roundRoles {
		if k.chainID == chainID {
			snap.RoundRoles = append(snap.RoundRoles, v)
		}
	}
	for k, v := range s.pendingProjectRoles {
		if k.chainID == chainID {
			snap.PendingProjectRoles = append(snap.PendingProjectRoles, v)
		}
	}
	for k, v := range s.pendingRoundRoles {
		if k.chainID == chainID {
			snap.PendingRoundRoles = append(snap.PendingRoundRoles, v)
		}
	}

	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].ID < snap.Projects[j].ID })
	sort.Slice(snap.Rounds, func(i, j int) bool { return snap.Rounds[i].ID < snap.Rounds[j].ID })
	sort.Slice(snap.Applications, func(i, j int) bool {
		a, b := snap.Applications[i], snap.Applications[j]
		if a.RoundID != b.RoundID {
			return a.RoundID < b.RoundID
		}
		return a.ID < b.ID
	})
	sort.Slice(snap.Donations, func(i, j int) bool { return snap.Donations[i].ID < snap.Donations[j].ID })
	sort.Slice(snap.Payouts, func(i, j int) bool { return snap.Payouts[i].ID < snap.Payouts[j].ID })
	sort.Slice(snap.ProjectRoles, func(i, j int) bool {
		a, b := snap.ProjectRoles[i], snap.ProjectRoles[j]
		return a.ProjectID+a.Address+string(a.Role) < b.ProjectID+b.Address+string(b.Role)
	})
	sort.Slice(snap.RoundRoles, func(i, j int) bool {
		a, b := snap.RoundRoles[i], snap.RoundRoles[j]
		return a.RoundID+a.Address+string(a.Role) < b.RoundID+b.Address+string(b.Role)
	})
	sort.Slice(snap.PendingProjectRoles, func(i, j int) bool {
		a, b := snap.PendingProjectRoles[i], snap.PendingProjectRoles[j]
		return a.Role+a.Address < b.Role+b.Address
	})
	sort.Slice(snap.PendingRoundRoles, func(i, j int) bool {
		a, b := snap.PendingRoundRoles[i], snap.PendingRoundRoles[j]
		return a.Role+a.Address < b.Role+b.Address
	})
	return snap
}

// ProjectRoles returns the concrete roles of a project.
func (s *MemoryStore) ProjectRoles(chainID int64, projectID string) []models.ProjectRole {
	var out []models.ProjectRole
	for _, r := range s.Snapshot(chainID).ProjectRoles {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out
}

// RoundRoles returns the concrete roles of a round.
func (s *MemoryStore) RoundRoles(chainID int64, roundID string) []models.RoundRole {
	var out []models.RoundRole
	for _, r := range s.Snapshot(chainID).RoundRoles {
		if r.RoundID == roundID {
			out = append(out, r)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

