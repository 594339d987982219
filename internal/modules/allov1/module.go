// Package allov1 indexes the first generation of the grants protocol: the
// project registry, the round factory and the rounds and voting strategies it
// deploys.
package allov1

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zilstream/grants-indexer/internal/modules/core"
)

const (
	ProjectRegistry     = "AlloV1/ProjectRegistry"
	RoundFactory        = "AlloV1/RoundFactory"
	RoundImplementation = "AlloV1/RoundImplementation"
	VotingStrategy      = "AlloV1/QuadraticFundingVotingStrategyImplementation"

	V1 = "V1"
	V2 = "V2"

	strategyName = "allov1.QF"
)

var (
	// Role ids granted on round contracts.
	roundAdminRole    = "0x" + strings.Repeat("0", 64)
	roundOperatorRole = strings.ToLower(crypto.Keccak256Hash([]byte("ROUND_OPERATOR")).Hex())
)

type module struct {
	registry *core.Registry
}

// Register adds the contracts and handlers of this generation to reg.
func Register(reg *core.Registry) error {
	contracts := []struct {
		name, version, abi string
	}{
		{ProjectRegistry, V1, projectRegistryABI},
		{ProjectRegistry, V2, projectRegistryABI},
		{RoundFactory, V1, roundFactoryABI},
		{RoundFactory, V2, roundFactoryABI},
		{RoundImplementation, V1, roundImplementationV1ABI},
		{RoundImplementation, V2, roundImplementationV2ABI},
		{VotingStrategy, V1, votingStrategyV1ABI},
		{VotingStrategy, V2, votingStrategyV2ABI},
	}
	for _, c := range contracts {
		if err := reg.RegisterContract(c.name, c.version, c.abi); err != nil {
			return err
		}
	}

	m := &module{registry: reg}
	for _, v := range []string{V1, V2} {
		reg.Handle(ProjectRegistry, v, "ProjectCreated", m.handleProjectCreated)
		reg.Handle(ProjectRegistry, v, "MetadataUpdated", m.handleProjectMetadataUpdated)
		reg.Handle(ProjectRegistry, v, "OwnerAdded", m.handleOwnerAdded)
		reg.Handle(ProjectRegistry, v, "OwnerRemoved", m.handleOwnerRemoved)

		reg.Handle(RoundFactory, v, "RoundCreated", m.roundCreated(v))

		reg.Handle(RoundImplementation, v, "RoundMetaPtrUpdated", m.handleRoundMetaPtrUpdated)
		reg.Handle(RoundImplementation, v, "ApplicationMetaPtrUpdated", m.handleApplicationMetaPtrUpdated)
		reg.Handle(RoundImplementation, v, "ApplicationsStartTimeUpdated", m.timeUpdated(applicationsStart))
		reg.Handle(RoundImplementation, v, "ApplicationsEndTimeUpdated", m.timeUpdated(applicationsEnd))
		reg.Handle(RoundImplementation, v, "RoundStartTimeUpdated", m.timeUpdated(donationsStart))
		reg.Handle(RoundImplementation, v, "RoundEndTimeUpdated", m.timeUpdated(donationsEnd))
		reg.Handle(RoundImplementation, v, "RoleGranted", m.handleRoleGranted)
		reg.Handle(RoundImplementation, v, "RoleRevoked", m.handleRoleRevoked)
		reg.Handle(RoundImplementation, v, "NewProjectApplication", m.handleNewProjectApplication)

		reg.Handle(VotingStrategy, v, "Voted", m.handleVoted)
	}
	reg.Handle(RoundImplementation, V1, "ProjectsMetaPtrUpdated", m.handleProjectsMetaPtrUpdated)
	reg.Handle(RoundImplementation, V2, "ApplicationStatusesUpdated", m.handleApplicationStatusesUpdated)
	reg.Handle(RoundImplementation, V2, "MatchAmountUpdated", m.handleMatchAmountUpdated)
	return nil
}

func (m *module) abi(contract, version string) (*abi.ABI, error) {
	a, ok := m.registry.ABI(contract, version)
	if !ok {
		return nil, fmt.Errorf("abi for %s %s is not registered", contract, version)
	}
	return a, nil
}
