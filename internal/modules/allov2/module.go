// Package allov2 indexes the second generation of the grants protocol: the
// profile registry, the Allo pool contract and the allocation strategies
// pools are deployed with.
package allov2

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zilstream/grants-indexer/internal/modules/core"
)

const (
	Registry       = "AlloV2/Registry"
	Allo           = "AlloV2/Allo"
	DonationVoting = "AlloV2/DonationVotingMerkleDistributionDirectTransferStrategy"
	DirectGrants   = "AlloV2/DirectGrantsSimpleStrategy"

	V1 = "V1"

	tagProgram = "program"
	tagProject = "project"
)

// strategy is an allocation strategy the indexer knows how to follow.
type strategy struct {
	Name     string
	Contract string
}

var strategies = map[string]strategy{}

func init() {
	for _, s := range []strategy{
		{Name: "allov2.DonationVotingMerkleDistributionDirectTransferStrategy", Contract: DonationVoting},
		{Name: "allov2.DirectGrantsSimpleStrategy", Contract: DirectGrants},
	} {
		strategies[strategyID(s.Name)] = s
	}
}

var stringArgs = abi.Arguments{{Type: mustType("string", nil)}}

// strategyID is keccak256(abi.encode(name)), the id strategies report from getStrategyId.
func strategyID(name string) string {
	packed, err := stringArgs.Pack(name)
	if err != nil {
		panic(err)
	}
	return strings.ToLower(crypto.Keccak256Hash(packed).Hex())
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

type module struct {
	registry *core.Registry
}

// Register adds the contracts and handlers of this generation to reg.
func Register(reg *core.Registry) error {
	contracts := []struct {
		name, abi string
	}{
		{Registry, registryABI},
		{Allo, alloABI},
		{DonationVoting, donationVotingABI},
		{DirectGrants, directGrantsABI},
	}
	for _, c := range contracts {
		if err := reg.RegisterContract(c.name, V1, c.abi); err != nil {
			return err
		}
	}

	m := &module{registry: reg}

	reg.Handle(Registry, V1, "ProfileCreated", m.handleProfileCreated)
	reg.Handle(Registry, V1, "ProfileNameUpdated", m.handleProfileNameUpdated)
	reg.Handle(Registry, V1, "ProfileMetadataUpdated", m.handleProfileMetadataUpdated)
	reg.Handle(Registry, V1, "ProfileOwnerUpdated", m.handleProfileOwnerUpdated)
	reg.Handle(Registry, V1, "RoleGranted", m.handleProfileRoleGranted)
	reg.Handle(Registry, V1, "RoleRevoked", m.handleProfileRoleRevoked)

	reg.Handle(Allo, V1, "PoolCreated", m.handlePoolCreated)
	reg.Handle(Allo, V1, "PoolFunded", m.handlePoolFunded)
	reg.Handle(Allo, V1, "PoolMetadataUpdated", m.handlePoolMetadataUpdated)
	reg.Handle(Allo, V1, "RoleGranted", m.handlePoolRoleGranted)
	reg.Handle(Allo, V1, "RoleRevoked", m.handlePoolRoleRevoked)

	reg.Handle(DonationVoting, V1, "Registered", m.handleDonationVotingRegistered)
	reg.Handle(DonationVoting, V1, "UpdatedRegistration", m.handleUpdatedRegistration)
	reg.Handle(DonationVoting, V1, "RecipientStatusUpdated", m.handleStatusRowUpdated)
	reg.Handle(DonationVoting, V1, "Allocated", m.handleAllocated)
	reg.Handle(DonationVoting, V1, "DistributionUpdated", m.handleDistributionUpdated)
	reg.Handle(DonationVoting, V1, "FundsDistributed", m.handleFundsDistributed)
	reg.Handle(DonationVoting, V1, "TimestampsUpdated", m.handleTimestampsUpdated)

	reg.Handle(DirectGrants, V1, "Registered", m.handleDirectGrantsRegistered)
	reg.Handle(DirectGrants, V1, "RecipientStatusUpdated", m.handleRecipientStatusUpdated)
	reg.Handle(DirectGrants, V1, "TimestampsUpdated", m.handleTimestampsUpdated)
	return nil
}

func (m *module) abi(contract string) (*abi.ABI, error) {
	a, ok := m.registry.ABI(contract, V1)
	if !ok {
		return nil, fmt.Errorf("abi for %s is not registered", contract)
	}
	return a, nil
}
