package allov2

const metadataComponents = `[{"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]`

const registryABI = `[
  {"type":"event","name":"ProfileCreated","anonymous":false,"inputs":[
    {"indexed":true,"name":"profileId","type":"bytes32"},
    {"indexed":false,"name":"nonce","type":"uint256"},
    {"indexed":false,"name":"name","type":"string"},
    {"indexed":false,"name":"metadata","type":"tuple","components":` + metadataComponents + `},
    {"indexed":false,"name":"owner","type":"address"},
    {"indexed":false,"name":"anchor","type":"address"}]},
  {"type":"event","name":"ProfileNameUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"profileId","type":"bytes32"},
    {"indexed":false,"name":"name","type":"string"},
    {"indexed":false,"name":"anchor","type":"address"}]},
  {"type":"event","name":"ProfileMetadataUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"profileId","type":"bytes32"},
    {"indexed":false,"name":"metadata","type":"tuple","components":` + metadataComponents + `}]},
  {"type":"event","name":"ProfileOwnerUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"profileId","type":"bytes32"},
    {"indexed":false,"name":"owner","type":"address"}]},
  {"type":"event","name":"RoleGranted","anonymous":false,"inputs":[
    {"indexed":true,"name":"role","type":"bytes32"},
    {"indexed":true,"name":"account","type":"address"},
    {"indexed":true,"name":"sender","type":"address"}]},
  {"type":"event","name":"RoleRevoked","anonymous":false,"inputs":[
    {"indexed":true,"name":"role","type":"bytes32"},
    {"indexed":true,"name":"account","type":"address"},
    {"indexed":true,"name":"sender","type":"address"}]}
]`

const alloABI = `[
  {"type":"event","name":"PoolCreated","anonymous":false,"inputs":[
    {"indexed":true,"name":"poolId","type":"uint256"},
    {"indexed":true,"name":"profileId","type":"bytes32"},
    {"indexed":false,"name":"strategy","type":"address"},
    {"indexed":false,"name":"token","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"metadata","type":"tuple","components":` + metadataComponents + `}]},
  {"type":"event","name":"PoolFunded","anonymous":false,"inputs":[
    {"indexed":true,"name":"poolId","type":"uint256"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"fee","type":"uint256"}]},
  {"type":"event","name":"PoolMetadataUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"poolId","type":"uint256"},
    {"indexed":false,"name":"metadata","type":"tuple","components":` + metadataComponents + `}]},
  {"type":"event","name":"RoleGranted","anonymous":false,"inputs":[
    {"indexed":true,"name":"role","type":"bytes32"},
    {"indexed":true,"name":"account","type":"address"},
    {"indexed":true,"name":"sender","type":"address"}]},
  {"type":"event","name":"RoleRevoked","anonymous":false,"inputs":[
    {"indexed":true,"name":"role","type":"bytes32"},
    {"indexed":true,"name":"account","type":"address"},
    {"indexed":true,"name":"sender","type":"address"}]}
]`

const donationVotingABI = `[
  {"type":"event","name":"Registered","anonymous":false,"inputs":[
    {"indexed":true,"name":"recipientId","type":"address"},
    {"indexed":false,"name":"data","type":"bytes"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"event","name":"UpdatedRegistration","anonymous":false,"inputs":[
    {"indexed":true,"name":"recipientId","type":"address"},
    {"indexed":false,"name":"data","type":"bytes"},
    {"indexed":false,"name":"sender","type":"address"},
    {"indexed":false,"name":"status","type":"uint8"}]},
  {"type":"event","name":"RecipientStatusUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"rowIndex","type":"uint256"},
    {"indexed":false,"name":"fullRow","type":"uint256"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"event","name":"Allocated","anonymous":false,"inputs":[
    {"indexed":true,"name":"recipientId","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"token","type":"address"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"event","name":"DistributionUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"merkleRoot","type":"bytes32"},
    {"indexed":false,"name":"metadata","type":"tuple","components":` + metadataComponents + `}]},
  {"type":"event","name":"FundsDistributed","anonymous":false,"inputs":[
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"grantee","type":"address"},
    {"indexed":true,"name":"token","type":"address"},
    {"indexed":true,"name":"recipientId","type":"address"}]},
  {"type":"event","name":"TimestampsUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"registrationStartTime","type":"uint64"},
    {"indexed":false,"name":"registrationEndTime","type":"uint64"},
    {"indexed":false,"name":"allocationStartTime","type":"uint64"},
    {"indexed":false,"name":"allocationEndTime","type":"uint64"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"function","name":"getStrategyId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"registrationStartTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"registrationEndTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"allocationStartTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"allocationEndTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]}
]`

const directGrantsABI = `[
  {"type":"event","name":"Registered","anonymous":false,"inputs":[
    {"indexed":true,"name":"recipientId","type":"address"},
    {"indexed":false,"name":"data","type":"bytes"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"event","name":"RecipientStatusUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"recipientId","type":"address"},
    {"indexed":false,"name":"applicationId","type":"uint256"},
    {"indexed":false,"name":"status","type":"uint8"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"event","name":"TimestampsUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"registrationStartTime","type":"uint64"},
    {"indexed":false,"name":"registrationEndTime","type":"uint64"},
    {"indexed":false,"name":"sender","type":"address"}]},
  {"type":"function","name":"getStrategyId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"registrationStartTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"registrationEndTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]}
]`
