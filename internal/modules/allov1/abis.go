package allov1

// Minimal ABIs holding only the events and views the handlers use.

const projectRegistryABI = `[
  {"type":"event","name":"ProjectCreated","anonymous":false,"inputs":[
    {"indexed":true,"name":"projectID","type":"uint256"},
    {"indexed":true,"name":"owner","type":"address"}]},
  {"type":"event","name":"MetadataUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"projectID","type":"uint256"},
    {"indexed":false,"name":"metaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}]},
  {"type":"event","name":"OwnerAdded","anonymous":false,"inputs":[
    {"indexed":true,"name":"projectID","type":"uint256"},
    {"indexed":true,"name":"owner","type":"address"}]},
  {"type":"event","name":"OwnerRemoved","anonymous":false,"inputs":[
    {"indexed":true,"name":"projectID","type":"uint256"},
    {"indexed":true,"name":"owner","type":"address"}]}
]`

const roundFactoryABI = `[
  {"type":"event","name":"RoundCreated","anonymous":false,"inputs":[
    {"indexed":true,"name":"roundAddress","type":"address"},
    {"indexed":true,"name":"ownedBy","type":"address"},
    {"indexed":true,"name":"roundImplementation","type":"address"}]}
]`

// Shared by both round generations.
const roundCommonEntries = `
  {"type":"event","name":"RoundMetaPtrUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]},
    {"indexed":false,"name":"newMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}]},
  {"type":"event","name":"ApplicationMetaPtrUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]},
    {"indexed":false,"name":"newMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}]},
  {"type":"event","name":"ApplicationsStartTimeUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldTime","type":"uint256"},{"indexed":false,"name":"newTime","type":"uint256"}]},
  {"type":"event","name":"ApplicationsEndTimeUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldTime","type":"uint256"},{"indexed":false,"name":"newTime","type":"uint256"}]},
  {"type":"event","name":"RoundStartTimeUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldTime","type":"uint256"},{"indexed":false,"name":"newTime","type":"uint256"}]},
  {"type":"event","name":"RoundEndTimeUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldTime","type":"uint256"},{"indexed":false,"name":"newTime","type":"uint256"}]},
  {"type":"event","name":"RoleGranted","anonymous":false,"inputs":[
    {"indexed":true,"name":"role","type":"bytes32"},
    {"indexed":true,"name":"account","type":"address"},
    {"indexed":true,"name":"sender","type":"address"}]},
  {"type":"event","name":"RoleRevoked","anonymous":false,"inputs":[
    {"indexed":true,"name":"role","type":"bytes32"},
    {"indexed":true,"name":"account","type":"address"},
    {"indexed":true,"name":"sender","type":"address"}]},
  {"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"votingStrategy","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"applicationsStartTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"applicationsEndTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"roundStartTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"roundEndTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"roundMetaPtr","stateMutability":"view","inputs":[],"outputs":[
    {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]},
  {"type":"function","name":"applicationMetaPtr","stateMutability":"view","inputs":[],"outputs":[
    {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}`

// The first generation had no application index and published statuses
// off-chain.
const roundImplementationV1ABI = `[` + roundCommonEntries + `,
  {"type":"event","name":"NewProjectApplication","anonymous":false,"inputs":[
    {"indexed":true,"name":"project","type":"bytes32"},
    {"indexed":false,"name":"applicationMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}]},
  {"type":"event","name":"ProjectsMetaPtrUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"oldMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]},
    {"indexed":false,"name":"newMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}]}
]`

const roundImplementationV2ABI = `[` + roundCommonEntries + `,
  {"type":"event","name":"NewProjectApplication","anonymous":false,"inputs":[
    {"indexed":true,"name":"projectID","type":"bytes32"},
    {"indexed":false,"name":"applicationIndex","type":"uint256"},
    {"indexed":false,"name":"applicationMetaPtr","type":"tuple","components":[
      {"name":"protocol","type":"uint256"},{"name":"pointer","type":"string"}]}]},
  {"type":"event","name":"ApplicationStatusesUpdated","anonymous":false,"inputs":[
    {"indexed":true,"name":"index","type":"uint256"},
    {"indexed":true,"name":"status","type":"uint256"}]},
  {"type":"event","name":"MatchAmountUpdated","anonymous":false,"inputs":[
    {"indexed":false,"name":"newAmount","type":"uint256"}]},
  {"type":"function","name":"matchAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const votingStrategyV1ABI = `[
  {"type":"event","name":"Voted","anonymous":false,"inputs":[
    {"indexed":false,"name":"token","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":true,"name":"voter","type":"address"},
    {"indexed":false,"name":"grantAddress","type":"address"},
    {"indexed":true,"name":"projectId","type":"bytes32"},
    {"indexed":true,"name":"roundAddress","type":"address"}]}
]`

const votingStrategyV2ABI = `[
  {"type":"event","name":"Voted","anonymous":false,"inputs":[
    {"indexed":false,"name":"token","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":true,"name":"voter","type":"address"},
    {"indexed":false,"name":"grantAddress","type":"address"},
    {"indexed":true,"name":"projectId","type":"bytes32"},
    {"indexed":false,"name":"applicationIndex","type":"uint256"},
    {"indexed":true,"name":"roundAddress","type":"address"}]}
]`
